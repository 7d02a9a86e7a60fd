package runtime

import (
	"time"

	"github.com/runlet-io/runlet/internal/runtime/jsoncodec"
	"github.com/runlet-io/runlet/internal/runtime/metadata"
	"github.com/runlet-io/runlet/transport"
)

// ConnectionState is the lifecycle of one consumer's queue attachment. It is
// driven exclusively by the consumer's own loop and the health monitor; no
// other component sets it.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDraining
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MessageEnvelope wraps one received message with its delivery metadata. It
// exists from receive until ack/nack and is never persisted.
type MessageEnvelope struct {
	Topic string
	Queue string
	Raw   []byte
	// Body holds the parsed JSON object fields, nil for malformed or
	// non-object payloads. Malformed distinguishes the two.
	Body      map[string]any
	Malformed bool
	Receipt   string
	Metadata  metadata.Metadata
	// ReceivedAt is when this process received the message.
	ReceivedAt time.Time
	// Attempt counts deliveries, starting at 1. Zero when unknown.
	Attempt int
}

// newEnvelope builds an envelope from a provider delivery, parsing the
// payload. A payload that is not valid JSON marks the envelope malformed; a
// valid non-object payload simply binds no named parameters.
func newEnvelope(queue string, d transport.Delivery) *MessageEnvelope {
	env := &MessageEnvelope{
		Topic:      d.Topic,
		Queue:      queue,
		Raw:        d.Payload,
		Receipt:    d.Receipt,
		Metadata:   d.Attributes,
		ReceivedAt: d.ReceivedAt,
		Attempt:    d.Attempt,
	}
	if env.Topic == "" {
		env.Topic = env.Metadata.Get(MetadataKeyTopic)
	}

	body, err := jsoncodec.UnmarshalObject(d.Payload)
	if err != nil {
		env.Malformed = true
		return env
	}
	env.Body = body
	return env
}
