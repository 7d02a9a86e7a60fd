// Package transport defines the boundary between the runlet core and the
// systems that carry inbound work: queue providers (AWS SNS/SQS, NATS
// JetStream, in-memory channels) and listener transports such as the HTTP
// server. Each provider implementation lives in its own sub-package and
// registers itself with the provider registry.
package transport

import (
	"context"
	"time"

	"github.com/runlet-io/runlet/internal/runtime/logging"
	"github.com/runlet-io/runlet/internal/runtime/metadata"
)

// Transport is the lifecycle contract every transport satisfies. The core
// starts transports, routes their inbound work through the invocation
// dispatcher, and drains them on restart or shutdown.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	// GracefulStop stops accepting new work and lets in-flight work finish,
	// bounded by the deadline on ctx.
	GracefulStop(ctx context.Context) error
}

// Delivery is one received message as handed over by a queue provider. The
// core wraps it into an envelope; the receipt token is the provider's handle
// for ack/nack disposition.
type Delivery struct {
	Topic      string
	Payload    []byte
	Receipt    string
	Attributes metadata.Metadata
	ReceivedAt time.Time
	// Attempt counts deliveries of this message, starting at 1. Zero when
	// the provider cannot tell.
	Attempt int
}

// QueueProvider is the queue boundary consumed by the consumer loop. Any
// provider error from Receive is treated uniformly as a connectivity failure;
// per-message conditions never surface here.
type QueueProvider interface {
	// Attach binds the provider to a topic/queue pair, creating the pairing
	// when the backing system supports it (e.g. SNS topic, SQS queue and the
	// fanout subscription between them).
	Attach(ctx context.Context, topic, queue string) error

	// Receive returns up to maxBatch deliveries, waiting at most wait for
	// the first one. An empty slice with a nil error is a normal idle cycle.
	Receive(ctx context.Context, queue string, maxBatch int, wait time.Duration) ([]Delivery, error)

	// Delete acknowledges a delivery, removing it from the queue.
	Delete(ctx context.Context, queue, receipt string) error

	// ReturnForRedelivery makes a delivery visible again for another attempt.
	ReturnForRedelivery(ctx context.Context, queue, receipt string) error

	// Publish sends a payload to a topic so handlers can emit events.
	Publish(ctx context.Context, topic string, payload []byte, attrs metadata.Metadata) error

	Close() error
}

// Config provides the configuration values needed by providers. The
// interface lets provider packages access only the keys they need without
// depending on the full config package.
type Config interface {
	GetServiceName() string
	GetQueueSystem() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string

	// NATS
	GetNATSURL() string
}

// Builder is the function signature for creating a queue provider from
// config. Each provider package provides a Builder that can be registered.
type Builder func(ctx context.Context, cfg Config, logger logging.ServiceLogger) (QueueProvider, error)
