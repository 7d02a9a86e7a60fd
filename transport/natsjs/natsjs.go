// Package natsjs provides a NATS JetStream queue provider for runlet. A
// stream per topic plays the fanout role and a durable pull consumer per
// queue plays the per-service queue; Fetch, Ack, and Nak map onto the
// receive/delete/return boundary.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	rterrors "github.com/runlet-io/runlet/internal/runtime/errors"
	"github.com/runlet-io/runlet/internal/runtime/ids"
	"github.com/runlet-io/runlet/internal/runtime/logging"
	"github.com/runlet-io/runlet/internal/runtime/metadata"
	"github.com/runlet-io/runlet/transport"
)

// ProviderName is the name used to register this provider.
const ProviderName = "nats"

const streamPrefix = "RUNLET-"

func init() {
	transport.Register(ProviderName, Build)
}

// Build connects to the configured NATS server and wraps its JetStream
// context in a provider.
func Build(ctx context.Context, cfg transport.Config, logger logging.ServiceLogger) (transport.QueueProvider, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url, nats.Name(cfg.GetServiceName()))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open JetStream context: %w", err)
	}

	return NewProvider(nc, js, logger), nil
}

// Provider implements transport.QueueProvider on JetStream.
type Provider struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger logging.ServiceLogger

	mu       sync.Mutex
	subs     map[string]*nats.Subscription // queue -> pull subscription
	inflight map[string]*nats.Msg          // receipt -> fetched message
}

// NewProvider wires a provider around an existing connection and JetStream
// context.
func NewProvider(nc *nats.Conn, js nats.JetStreamContext, logger logging.ServiceLogger) *Provider {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Provider{
		nc:       nc,
		js:       js,
		logger:   logger,
		subs:     make(map[string]*nats.Subscription),
		inflight: make(map[string]*nats.Msg),
	}
}

// Attach ensures a stream covering the topic exists and binds a durable pull
// consumer named after the queue.
func (p *Provider) Attach(ctx context.Context, topic, queue string) error {
	if topic == "" {
		return rterrors.ErrTopicRequired
	}
	if queue == "" {
		return rterrors.ErrQueueRequired
	}

	stream := streamName(topic)
	_, err := p.js.StreamInfo(stream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = p.js.AddStream(&nats.StreamConfig{
			Name:     stream,
			Subjects: []string{topic},
		})
	}
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", stream, err)
	}

	sub, err := p.js.PullSubscribe(topic, durableName(queue), nats.BindStream(stream))
	if err != nil {
		return fmt.Errorf("pull subscribe %s: %w", queue, err)
	}

	p.mu.Lock()
	p.subs[queue] = sub
	p.mu.Unlock()

	p.logger.Info("Attached queue to topic", logging.LogFields{
		"topic":  topic,
		"queue":  queue,
		"stream": stream,
	})
	return nil
}

// Receive fetches up to maxBatch messages, waiting at most wait. An elapsed
// wait with nothing fetched is a normal idle cycle.
func (p *Provider) Receive(ctx context.Context, queue string, maxBatch int, wait time.Duration) ([]transport.Delivery, error) {
	p.mu.Lock()
	sub, ok := p.subs[queue]
	p.mu.Unlock()
	if !ok {
		return nil, rterrors.ErrQueueRequired
	}
	if maxBatch <= 0 {
		maxBatch = 1
	}

	msgs, err := sub.Fetch(maxBatch, nats.MaxWait(wait))
	if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	deliveries := make([]transport.Delivery, 0, len(msgs))
	now := time.Now()
	for _, msg := range msgs {
		receipt := ids.CreateULID()

		p.mu.Lock()
		p.inflight[receipt] = msg
		p.mu.Unlock()

		attempt := 0
		if meta, err := msg.Metadata(); err == nil {
			attempt = int(meta.NumDelivered)
		}

		attrs := metadata.Metadata{}
		for name, values := range msg.Header {
			if len(values) > 0 {
				attrs[name] = values[0]
			}
		}

		deliveries = append(deliveries, transport.Delivery{
			Topic:      msg.Subject,
			Payload:    msg.Data,
			Receipt:    receipt,
			Attributes: attrs,
			ReceivedAt: now,
			Attempt:    attempt,
		})
	}
	return deliveries, nil
}

// Delete acks the fetched message.
func (p *Provider) Delete(ctx context.Context, queue, receipt string) error {
	msg, err := p.takeInflight(receipt)
	if err != nil {
		return err
	}
	return msg.Ack()
}

// ReturnForRedelivery naks the fetched message so JetStream redelivers it.
func (p *Provider) ReturnForRedelivery(ctx context.Context, queue, receipt string) error {
	msg, err := p.takeInflight(receipt)
	if err != nil {
		return err
	}
	return msg.Nak()
}

func (p *Provider) takeInflight(receipt string) (*nats.Msg, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg, ok := p.inflight[receipt]
	if !ok {
		return nil, rterrors.ErrUnknownReceipt
	}
	delete(p.inflight, receipt)
	return msg, nil
}

// Publish sends the payload to the topic subject with the metadata as
// headers.
func (p *Provider) Publish(ctx context.Context, topic string, payload []byte, attrs metadata.Metadata) error {
	msg := &nats.Msg{
		Subject: topic,
		Data:    payload,
	}
	if len(attrs) > 0 {
		msg.Header = nats.Header{}
		for k, v := range attrs {
			msg.Header.Set(k, v)
		}
	}
	_, err := p.js.PublishMsg(msg, nats.Context(ctx))
	return err
}

// Close drains the connection.
func (p *Provider) Close() error {
	if p.nc == nil {
		return nil
	}
	p.nc.Close()
	return nil
}

func streamName(topic string) string {
	return streamPrefix + sanitize(topic)
}

func durableName(queue string) string {
	return sanitize(queue)
}

// JetStream stream and consumer names must not contain dots, spaces, or
// wildcard characters.
func sanitize(name string) string {
	replacer := strings.NewReplacer(".", "-", " ", "-", "*", "-", ">", "-", "/", "-")
	return strings.ToUpper(replacer.Replace(name))
}
