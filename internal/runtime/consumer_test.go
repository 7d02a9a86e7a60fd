package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/runlet-io/runlet/internal/runtime/config"
	"github.com/runlet-io/runlet/internal/runtime/metadata"
	"github.com/runlet-io/runlet/transport"
	"github.com/runlet-io/runlet/transport/channel"
)

func testConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Subscription:   config.Subscription{Topic: "orders", Queue: "orders-test"},
		MaxBatch:       10,
		PollWait:       50 * time.Millisecond,
		ConnectTimeout: time.Second,
		PollTimeout:    time.Second,
		DrainTimeout:   100 * time.Millisecond,
	}
}

func newTestConsumer(provider transport.QueueProvider, handler HandlerFunc) *Consumer {
	return newConsumerWithConfig(testConsumerConfig(), provider, handler)
}

func newConsumerWithConfig(cfg ConsumerConfig, provider transport.QueueProvider, handler HandlerFunc) *Consumer {
	b := NewRegistryBuilder()
	_ = b.Add(HandlerEntry{Kind: KindQueue, Key: "orders", Name: "orders", Handler: handler})
	reg := b.Build()
	dispatcher := NewDispatcher(func() *Registry { return reg }, nil, nil)

	health := NewHealthMonitor("orders-test", HealthConfig{
		BackoffMin:        5 * time.Millisecond,
		BackoffMax:        20 * time.Millisecond,
		BackoffMultiplier: 2.0,
		FailureCeiling:    3,
	}, nil)

	return NewConsumer(cfg, provider, dispatcher, health, nil, nil)
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestConsumerProcessesBatchAndAcks(t *testing.T) {
	provider := channel.New()
	ctx := context.Background()
	if err := provider.Attach(ctx, "orders", "orders-test"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	var handled atomic.Int32
	consumer := newTestConsumer(provider, func(ctx context.Context, inv *Invocation) (*Result, error) {
		handled.Add(1)
		return nil, nil
	})

	// One malformed message between two valid ones; the valid ones are
	// dispatched and acked, the malformed one is discarded without
	// breaking connectivity.
	_ = provider.Publish(ctx, "orders", []byte(`{"order_id":"o-1"}`), nil)
	_ = provider.Publish(ctx, "orders", []byte(`{not json`), nil)
	_ = provider.Publish(ctx, "orders", []byte(`{"order_id":"o-3"}`), nil)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- consumer.Start(runCtx) }()

	eventually(t, time.Second, func() bool {
		return handled.Load() == 2 && provider.InflightCount() == 0 && provider.QueueDepth("orders-test") == 0
	})
	if consumer.State() != StateConnected {
		t.Errorf("expected consumer to stay connected, got %v", consumer.State())
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := consumer.GracefulStop(stopCtx); err != nil {
		t.Fatalf("graceful stop: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("consumer returned error: %v", err)
	}
	if consumer.State() != StateClosed {
		t.Errorf("expected closed state, got %v", consumer.State())
	}
}

func TestConsumerReturnsHandlerErrorsForRedelivery(t *testing.T) {
	provider := channel.New()
	ctx := context.Background()
	if err := provider.Attach(ctx, "orders", "orders-test"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	var attempts []int
	var mu sync.Mutex
	consumer := newTestConsumer(provider, func(ctx context.Context, inv *Invocation) (*Result, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, len(attempts)+1)
		if len(attempts) == 1 {
			return nil, errors.New("transient failure")
		}
		return nil, nil
	})

	_ = provider.Publish(ctx, "orders", []byte(`{"order_id":"o-1"}`), nil)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- consumer.Start(runCtx) }()

	// The first dispatch fails and the message is returned; the second
	// delivery succeeds and the message is acked.
	eventually(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 2 && provider.InflightCount() == 0 && provider.QueueDepth("orders-test") == 0
	})

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	_ = consumer.GracefulStop(stopCtx)
	<-done
}

func TestConsumerDrainAbandonsSlowDispatch(t *testing.T) {
	provider := channel.New()
	ctx := context.Background()
	if err := provider.Attach(ctx, "orders", "orders-test"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	block := make(chan struct{})
	var fastDone atomic.Bool
	consumer := newTestConsumer(provider, func(ctx context.Context, inv *Invocation) (*Result, error) {
		if inv.Param("slow") == true {
			<-block
			return nil, nil
		}
		fastDone.Store(true)
		return nil, nil
	})

	_ = provider.Publish(ctx, "orders", []byte(`{"slow":false}`), nil)
	_ = provider.Publish(ctx, "orders", []byte(`{"slow":true}`), nil)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- consumer.Start(runCtx) }()

	eventually(t, time.Second, func() bool { return fastDone.Load() })

	// Drain while the slow dispatch is still running. The fast message was
	// acked; the slow one is abandoned unacked so the queue redelivers it.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := consumer.GracefulStop(stopCtx); err != nil {
		t.Fatalf("graceful stop: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("consumer returned error: %v", err)
	}

	if consumer.State() != StateClosed {
		t.Errorf("expected closed state, got %v", consumer.State())
	}
	if provider.InflightCount() != 1 {
		t.Errorf("expected the abandoned dispatch to stay unacked, inflight %d", provider.InflightCount())
	}
	close(block)
}

func TestConsumerDrainCancelsOutstandingPoll(t *testing.T) {
	provider := channel.New()
	if err := provider.Attach(context.Background(), "orders", "orders-test"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	consumer := newTestConsumer(provider, noopHandler)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- consumer.Start(runCtx) }()

	eventually(t, time.Second, func() bool { return consumer.State() == StateConnected })

	start := time.Now()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := consumer.GracefulStop(stopCtx); err != nil {
		t.Fatalf("graceful stop: %v", err)
	}
	<-done
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("drain with no in-flight work should return promptly, took %v", elapsed)
	}
}

// flakyProvider fails the first receiveFailures Receive calls and delivers
// queued deliveries afterwards.
type flakyProvider struct {
	mu              sync.Mutex
	receiveFailures int
	receiveCalls    int
	deliveries      []transport.Delivery
	deleted         []string
}

func (p *flakyProvider) Attach(ctx context.Context, topic, queue string) error { return nil }

func (p *flakyProvider) Receive(ctx context.Context, queue string, maxBatch int, wait time.Duration) ([]transport.Delivery, error) {
	p.mu.Lock()
	p.receiveCalls++
	if p.receiveCalls <= p.receiveFailures {
		p.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	batch := p.deliveries
	p.deliveries = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		// Emulate a long poll so the consume loop does not spin.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return batch, nil
}

func (p *flakyProvider) Delete(ctx context.Context, queue, receipt string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, receipt)
	return nil
}

func (p *flakyProvider) ReturnForRedelivery(ctx context.Context, queue, receipt string) error {
	return nil
}

func (p *flakyProvider) Publish(ctx context.Context, topic string, payload []byte, attrs metadata.Metadata) error {
	return nil
}

func (p *flakyProvider) Close() error { return nil }

func TestConsumerReconnectsAfterPollFailure(t *testing.T) {
	provider := &flakyProvider{
		receiveFailures: 2,
		deliveries: []transport.Delivery{{
			Topic:   "orders",
			Payload: []byte(`{"order_id":"o-1"}`),
			Receipt: "r-1",
		}},
	}

	var handled atomic.Int32
	consumer := newTestConsumer(provider, func(ctx context.Context, inv *Invocation) (*Result, error) {
		handled.Add(1)
		return nil, nil
	})

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- consumer.Start(runCtx) }()

	// Two poll failures back off and reconnect; the third poll delivers.
	eventually(t, 2*time.Second, func() bool { return handled.Load() == 1 })

	provider.mu.Lock()
	deleted := len(provider.deleted)
	provider.mu.Unlock()
	if deleted != 1 {
		t.Errorf("expected 1 delete after successful dispatch, got %d", deleted)
	}
	if consumer.State() != StateConnected {
		t.Errorf("expected connected state after recovery, got %v", consumer.State())
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	_ = consumer.GracefulStop(stopCtx)
	<-done
}

func TestConsumerFailureStreakAccumulatesAcrossPolls(t *testing.T) {
	// Attach always succeeds, every receive fails. Re-attaching must not
	// reset the streak, so the backoff keeps escalating and the failure
	// ceiling eventually fires.
	provider := &flakyProvider{receiveFailures: 1 << 30}

	consumer := newTestConsumer(provider, noopHandler)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- consumer.Start(runCtx) }()

	eventually(t, 2*time.Second, func() bool {
		return consumer.health.ConsecutiveFailures() >= 4
	})

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	_ = consumer.GracefulStop(stopCtx)
	<-done
}

// hangingProvider blocks its first hangs Receive calls until the call's
// context ends, then serves its queued deliveries.
type hangingProvider struct {
	mu           sync.Mutex
	hangs        int
	receiveCalls int
	deadlineSeen bool
	deliveries   []transport.Delivery
	deleted      []string
}

func (p *hangingProvider) Attach(ctx context.Context, topic, queue string) error { return nil }

func (p *hangingProvider) Receive(ctx context.Context, queue string, maxBatch int, wait time.Duration) ([]transport.Delivery, error) {
	p.mu.Lock()
	p.receiveCalls++
	if _, ok := ctx.Deadline(); ok {
		p.deadlineSeen = true
	}
	hang := p.receiveCalls <= p.hangs
	batch := p.deliveries
	if !hang {
		p.deliveries = nil
	}
	p.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if len(batch) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return batch, nil
}

func (p *hangingProvider) Delete(ctx context.Context, queue, receipt string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, receipt)
	return nil
}

func (p *hangingProvider) ReturnForRedelivery(ctx context.Context, queue, receipt string) error {
	return nil
}

func (p *hangingProvider) Publish(ctx context.Context, topic string, payload []byte, attrs metadata.Metadata) error {
	return nil
}

func (p *hangingProvider) Close() error { return nil }

func TestConsumerBoundsEachPollCall(t *testing.T) {
	provider := &hangingProvider{
		hangs: 1,
		deliveries: []transport.Delivery{{
			Topic:   "orders",
			Payload: []byte(`{"order_id":"o-1"}`),
			Receipt: "r-1",
		}},
	}

	cfg := testConsumerConfig()
	cfg.PollTimeout = 30 * time.Millisecond

	var handled atomic.Int32
	consumer := newConsumerWithConfig(cfg, provider, func(ctx context.Context, inv *Invocation) (*Result, error) {
		handled.Add(1)
		return nil, nil
	})

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- consumer.Start(runCtx) }()

	// The first poll hangs until the per-call deadline expires; the loop
	// records the failure and the next poll delivers.
	eventually(t, 2*time.Second, func() bool { return handled.Load() == 1 })

	provider.mu.Lock()
	deadlineSeen := provider.deadlineSeen
	calls := provider.receiveCalls
	provider.mu.Unlock()
	if !deadlineSeen {
		t.Error("expected each receive call to carry a deadline")
	}
	if calls < 2 {
		t.Errorf("expected the hung poll to be retried, got %d receive calls", calls)
	}
	if consumer.State() != StateConnected {
		t.Errorf("expected connected state after recovery, got %v", consumer.State())
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	_ = consumer.GracefulStop(stopCtx)
	<-done
}

// failingAttachProvider rejects every attach attempt.
type failingAttachProvider struct {
	flakyProvider
}

func (p *failingAttachProvider) Attach(ctx context.Context, topic, queue string) error {
	return errors.New("endpoint unreachable")
}

func TestConsumerStopInterruptsBackoffWait(t *testing.T) {
	provider := &failingAttachProvider{}

	b := NewRegistryBuilder()
	_ = b.Add(HandlerEntry{Kind: KindQueue, Key: "orders", Name: "orders", Handler: noopHandler})
	reg := b.Build()
	dispatcher := NewDispatcher(func() *Registry { return reg }, nil, nil)
	health := NewHealthMonitor("orders-test", HealthConfig{
		BackoffMin:        2 * time.Second,
		BackoffMax:        4 * time.Second,
		BackoffMultiplier: 2.0,
		FailureCeiling:    3,
	}, nil)
	consumer := NewConsumer(testConsumerConfig(), provider, dispatcher, health, nil, nil)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- consumer.Start(runCtx) }()

	eventually(t, time.Second, func() bool { return health.ConsecutiveFailures() >= 1 })

	// The loop is deep inside a multi-second backoff wait; draining must
	// interrupt it instead of sleeping it out.
	start := time.Now()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := consumer.GracefulStop(stopCtx); err != nil {
		t.Fatalf("graceful stop: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("consumer returned error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("stop during backoff should return promptly, took %v", elapsed)
	}
	if consumer.State() != StateClosed {
		t.Errorf("expected closed state, got %v", consumer.State())
	}
}
