package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/runlet-io/runlet/internal/runtime/config"
	loggingpkg "github.com/runlet-io/runlet/internal/runtime/logging"
	"github.com/runlet-io/runlet/transport"
)

// ConsumerConfig holds the per-subscription tuning for one consumer.
type ConsumerConfig struct {
	Subscription   config.Subscription
	MaxBatch       int
	PollWait       time.Duration
	ConnectTimeout time.Duration
	// PollTimeout bounds a single receive call, long-poll wait included. A
	// provider that hangs past it fails that poll and reconnects.
	PollTimeout time.Duration
	// DrainTimeout bounds how long GracefulStop waits for in-flight
	// dispatches before abandoning them to redelivery.
	DrainTimeout time.Duration
}

// Consumer pulls messages from one subscription's queue and feeds them to
// the dispatcher. It owns the connection state machine: attach, poll, settle,
// reconnect with backoff, drain. There is at most one outstanding poll at any
// time, and a batch is fully settled before the next poll starts.
type Consumer struct {
	cfg        ConsumerConfig
	provider   transport.QueueProvider
	dispatcher *Dispatcher
	health     *HealthMonitor
	metrics    *Metrics
	logger     loggingpkg.ServiceLogger

	state     atomic.Int32
	draining  chan struct{}
	done      chan struct{}
	drainOnce sync.Once
}

// NewConsumer builds a consumer for one subscription. The provider must
// already be constructed; Attach happens on Start.
func NewConsumer(cfg ConsumerConfig, provider transport.QueueProvider, dispatcher *Dispatcher, health *HealthMonitor, metrics *Metrics, logger loggingpkg.ServiceLogger) *Consumer {
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	return &Consumer{
		cfg:        cfg,
		provider:   provider,
		dispatcher: dispatcher,
		health:     health,
		metrics:    metrics,
		logger: logger.With(loggingpkg.LogFields{
			"topic": cfg.Subscription.Topic,
			"queue": cfg.Subscription.Queue,
		}),
		draining: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Name identifies the consumer among the service's transports.
func (c *Consumer) Name() string {
	return "queue:" + c.cfg.Subscription.Queue
}

// State reports the current connection state.
func (c *Consumer) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Consumer) setState(s ConnectionState) {
	c.state.Store(int32(s))
	c.metrics.setConnectionState(c.cfg.Subscription.Queue, s)
}

// Start runs the consume loop until the context ends or GracefulStop drains
// the consumer. It always leaves the consumer in the closed state.
func (c *Consumer) Start(ctx context.Context) error {
	defer close(c.done)
	defer c.setState(StateClosed)

	// Draining cancels the outstanding poll, never an in-flight dispatch.
	pollCtx, cancelPolls := context.WithCancel(ctx)
	defer cancelPolls()
	go func() {
		select {
		case <-c.draining:
			cancelPolls()
		case <-pollCtx.Done():
		}
	}()

	for {
		if c.stopping(ctx) {
			return nil
		}

		reconnecting := c.health.ConsecutiveFailures() > 0
		c.setState(StateConnecting)
		if reconnecting {
			c.metrics.countReconnect(c.cfg.Subscription.Queue)
		}

		if err := c.attach(pollCtx); err != nil {
			if c.stopping(ctx) {
				return nil
			}
			c.setState(StateDisconnected)
			if !c.sleep(ctx, c.health.RecordFailure(err)) {
				return nil
			}
			continue
		}

		// Attachment succeeding says nothing about polls succeeding; the
		// failure streak only resets once a receive call completes.
		c.setState(StateConnected)
		c.logger.Info("Subscription attached", nil)

		if err := c.poll(ctx, pollCtx); err != nil {
			if c.stopping(ctx) {
				return nil
			}
			c.setState(StateDisconnected)
			c.metrics.countPollFailure(c.cfg.Subscription.Queue)
			if !c.sleep(ctx, c.health.RecordFailure(err)) {
				return nil
			}
			continue
		}
		return nil
	}
}

// GracefulStop drains the consumer: no further polls are issued, in-flight
// dispatches get up to DrainTimeout to finish, and anything unfinished is
// left unacked for redelivery. It returns once the consume loop has closed
// or the context ends.
func (c *Consumer) GracefulStop(ctx context.Context) error {
	c.drainOnce.Do(func() {
		if c.State() == StateConnected {
			c.setState(StateDraining)
		}
		close(c.draining)
	})
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer) stopping(ctx context.Context) bool {
	select {
	case <-c.draining:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (c *Consumer) attach(ctx context.Context) error {
	attachCtx := ctx
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		attachCtx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}
	return c.provider.Attach(attachCtx, c.cfg.Subscription.Topic, c.cfg.Subscription.Queue)
}

// poll runs the connected loop. It returns nil when draining and an error on
// a connectivity failure; the caller decides whether to reconnect.
func (c *Consumer) poll(ctx, pollCtx context.Context) error {
	for {
		if c.stopping(ctx) {
			return nil
		}

		deliveries, err := c.receive(pollCtx)
		if err != nil {
			if c.stopping(ctx) {
				return nil
			}
			return err
		}
		c.health.RecordSuccess()
		if len(deliveries) == 0 {
			continue
		}

		if !c.processBatch(ctx, deliveries) {
			return nil
		}
	}
}

// receive issues one poll, bounded by PollTimeout so a provider that hangs
// in Receive surfaces as a failed poll instead of wedging the loop.
func (c *Consumer) receive(pollCtx context.Context) ([]transport.Delivery, error) {
	if c.cfg.PollTimeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(pollCtx, c.cfg.PollTimeout)
		defer cancel()
	}
	return c.provider.Receive(pollCtx, c.cfg.Subscription.Queue, c.cfg.MaxBatch, c.cfg.PollWait)
}

// sleep waits out a backoff delay, returning false when the consumer is
// stopping so the caller exits instead of attempting again.
func (c *Consumer) sleep(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.draining:
		return false
	case <-ctx.Done():
		return false
	}
}

type dispatchResult struct {
	env     *MessageEnvelope
	outcome Outcome
}

// processBatch dispatches every well-formed message of the batch and settles
// each as its handler finishes. It returns false when the batch was cut
// short by the drain timeout, leaving the unsettled messages for redelivery.
func (c *Consumer) processBatch(ctx context.Context, deliveries []transport.Delivery) bool {
	results := make(chan dispatchResult, len(deliveries))
	pending := 0

	for _, d := range deliveries {
		env := newEnvelope(c.cfg.Subscription.Queue, d)
		if env.Malformed {
			c.discardMalformed(ctx, env)
			continue
		}
		pending++
		go func(env *MessageEnvelope) {
			meta := env.Metadata.WithAll(map[string]string{
				MetadataKeyTopic: env.Topic,
			})
			outcome := c.dispatcher.Dispatch(ctx, KindQueue, env.Topic, env.Raw, meta)
			results <- dispatchResult{env: env, outcome: outcome}
		}(env)
	}

	drainCh := c.draining
	var deadline <-chan time.Time
	for pending > 0 {
		select {
		case r := <-results:
			pending--
			c.settle(ctx, r.env, r.outcome)
		case <-drainCh:
			drainCh = nil
			deadline = time.After(c.cfg.DrainTimeout)
		case <-deadline:
			c.logger.Warn("Drain timeout, abandoning in-flight dispatches", loggingpkg.LogFields{
				"abandoned": pending,
			})
			return false
		}
	}
	return true
}

func (c *Consumer) discardMalformed(ctx context.Context, env *MessageEnvelope) {
	c.logger.Warn("Discarding malformed message", loggingpkg.LogFields{
		"receipt": env.Receipt,
		"payload": string(env.Raw),
	})
	if err := c.provider.Delete(ctx, env.Queue, env.Receipt); err != nil {
		c.logger.Warn("Failed to delete malformed message", loggingpkg.LogFields{"error": err.Error()})
		return
	}
	c.metrics.countDiscarded(env.Queue)
}

// settle applies the queue policy for one dispatch outcome. Handler errors
// return the message for redelivery; everything else deletes it, since a
// missing handler or unbindable payload will not improve on retry.
func (c *Consumer) settle(ctx context.Context, env *MessageEnvelope, outcome Outcome) {
	switch outcome.Disposition {
	case DispositionHandlerError:
		c.logger.Warn("Handler error, returning message for redelivery", loggingpkg.LogFields{
			"topic":   env.Topic,
			"attempt": env.Attempt,
			"error":   outcome.Err.Error(),
		})
		if err := c.provider.ReturnForRedelivery(ctx, env.Queue, env.Receipt); err != nil {
			c.logger.Warn("Failed to return message", loggingpkg.LogFields{"error": err.Error()})
			return
		}
		c.metrics.countNacked(env.Queue)
	case DispositionNotFound, DispositionBindingError:
		c.logger.Warn("Discarding unroutable message", loggingpkg.LogFields{
			"topic":       env.Topic,
			"disposition": outcome.Disposition.String(),
			"error":       outcome.Err.Error(),
		})
		if err := c.provider.Delete(ctx, env.Queue, env.Receipt); err != nil {
			c.logger.Warn("Failed to delete message", loggingpkg.LogFields{"error": err.Error()})
			return
		}
		c.metrics.countDiscarded(env.Queue)
	default:
		if err := c.provider.Delete(ctx, env.Queue, env.Receipt); err != nil {
			c.logger.Warn("Failed to delete message", loggingpkg.LogFields{"error": err.Error()})
			return
		}
		c.metrics.countAcked(env.Queue)
	}
	c.metrics.countOutcome(KindQueue, outcome.Disposition)
}
