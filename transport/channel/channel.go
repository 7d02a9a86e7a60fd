// Package channel provides an in-memory queue provider for runlet. Topics
// fan out to every attached queue, so it mirrors the SNS/SQS pairing closely
// enough for tests and local development.
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/runlet-io/runlet/internal/runtime/errors"
	"github.com/runlet-io/runlet/internal/runtime/ids"
	"github.com/runlet-io/runlet/internal/runtime/logging"
	"github.com/runlet-io/runlet/internal/runtime/metadata"
	"github.com/runlet-io/runlet/transport"
)

// ProviderName is the name used to register this provider.
const ProviderName = "channel"

const queueBuffer = 1024

func init() {
	transport.Register(ProviderName, Build)
}

// Build creates a new in-memory queue provider.
func Build(ctx context.Context, cfg transport.Config, logger logging.ServiceLogger) (transport.QueueProvider, error) {
	return New(), nil
}

type pendingMessage struct {
	payload []byte
	attrs   metadata.Metadata
	attempt int
	sentAt  time.Time
}

// Provider is an in-memory QueueProvider. The zero value is not usable; use
// New.
type Provider struct {
	mu       sync.Mutex
	fanout   map[string][]string // topic -> attached queues
	queues   map[string]chan *pendingMessage
	inflight map[string]*inflightEntry // receipt -> delivery being processed
	closed   bool
}

type inflightEntry struct {
	queue string
	msg   *pendingMessage
}

// New constructs an empty in-memory provider.
func New() *Provider {
	return &Provider{
		fanout:   make(map[string][]string),
		queues:   make(map[string]chan *pendingMessage),
		inflight: make(map[string]*inflightEntry),
	}
}

// Attach binds queue to topic, creating both as needed. Attaching the same
// pair twice is a no-op.
func (p *Provider) Attach(ctx context.Context, topic, queue string) error {
	if topic == "" {
		return errors.ErrTopicRequired
	}
	if queue == "" {
		return errors.ErrQueueRequired
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.ErrConsumerClosed
	}

	if _, ok := p.queues[queue]; !ok {
		p.queues[queue] = make(chan *pendingMessage, queueBuffer)
	}
	for _, q := range p.fanout[topic] {
		if q == queue {
			return nil
		}
	}
	p.fanout[topic] = append(p.fanout[topic], queue)
	return nil
}

// Publish fans the payload out to every queue attached to topic.
func (p *Provider) Publish(ctx context.Context, topic string, payload []byte, attrs metadata.Metadata) error {
	if topic == "" {
		return errors.ErrTopicRequired
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.ErrConsumerClosed
	}

	for _, queue := range p.fanout[topic] {
		msg := &pendingMessage{
			payload: append([]byte(nil), payload...),
			attrs:   attrs.Clone(),
			attempt: 1,
			sentAt:  time.Now(),
		}
		select {
		case p.queues[queue] <- msg:
		default:
			// Queue full; the message is dropped the way a bounded broker
			// buffer would drop it.
		}
	}
	return nil
}

// Receive returns up to maxBatch deliveries, waiting at most wait for the
// first one.
func (p *Provider) Receive(ctx context.Context, queue string, maxBatch int, wait time.Duration) ([]transport.Delivery, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.ErrConsumerClosed
	}
	ch, ok := p.queues[queue]
	p.mu.Unlock()
	if !ok {
		return nil, errors.ErrQueueRequired
	}
	if maxBatch <= 0 {
		maxBatch = 1
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var first *pendingMessage
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case first = <-ch:
	}

	batch := []transport.Delivery{p.track(queue, first)}
	for len(batch) < maxBatch {
		select {
		case msg := <-ch:
			batch = append(batch, p.track(queue, msg))
		default:
			return batch, nil
		}
	}
	return batch, nil
}

func (p *Provider) track(queue string, msg *pendingMessage) transport.Delivery {
	receipt := ids.CreateULID()

	p.mu.Lock()
	p.inflight[receipt] = &inflightEntry{queue: queue, msg: msg}
	p.mu.Unlock()

	var topic string
	for t, queues := range p.fanout {
		for _, q := range queues {
			if q == queue {
				topic = t
			}
		}
	}

	return transport.Delivery{
		Topic:      topic,
		Payload:    msg.payload,
		Receipt:    receipt,
		Attributes: msg.attrs.Clone(),
		ReceivedAt: time.Now(),
		Attempt:    msg.attempt,
	}
}

// Delete acknowledges the delivery and drops it.
func (p *Provider) Delete(ctx context.Context, queue, receipt string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[receipt]; !ok {
		return errors.ErrUnknownReceipt
	}
	delete(p.inflight, receipt)
	return nil
}

// ReturnForRedelivery requeues the delivery with an incremented attempt count.
func (p *Provider) ReturnForRedelivery(ctx context.Context, queue, receipt string) error {
	p.mu.Lock()
	entry, ok := p.inflight[receipt]
	if !ok {
		p.mu.Unlock()
		return errors.ErrUnknownReceipt
	}
	delete(p.inflight, receipt)
	ch := p.queues[entry.queue]
	p.mu.Unlock()

	entry.msg.attempt++
	select {
	case ch <- entry.msg:
	default:
	}
	return nil
}

// Close marks the provider closed. Subsequent calls fail.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// QueueDepth reports the number of messages waiting in queue. Test helper.
func (p *Provider) QueueDepth(queue string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues[queue])
}

// InflightCount reports the number of received-but-undisposed deliveries.
// Test helper.
func (p *Provider) InflightCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}
