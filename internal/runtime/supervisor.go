package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	errspkg "github.com/runlet-io/runlet/internal/runtime/errors"
	loggingpkg "github.com/runlet-io/runlet/internal/runtime/logging"
	"github.com/runlet-io/runlet/transport"
)

// BuildTransportsFunc constructs a fresh set of transports for one run
// cycle. It is called again after every restart, so providers and consumers
// are rebuilt rather than reused across cycles.
type BuildTransportsFunc func(ctx context.Context) ([]transport.Transport, error)

// Supervisor runs the service's transports and owns the restart cycle:
// drain everything, rebuild, start again. Concurrent restart triggers
// coalesce into exactly one cycle.
type Supervisor struct {
	build        BuildTransportsFunc
	drainTimeout time.Duration
	metrics      *Metrics
	logger       loggingpkg.ServiceLogger

	restarting atomic.Bool
	stopped    atomic.Bool
	restartCh  chan struct{}
	stopCh     chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
}

// NewSupervisor builds a supervisor over the transport factory.
func NewSupervisor(build BuildTransportsFunc, drainTimeout time.Duration, metrics *Metrics, logger loggingpkg.ServiceLogger) *Supervisor {
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	return &Supervisor{
		build:        build,
		drainTimeout: drainTimeout,
		metrics:      metrics,
		logger:       logger,
		restartCh:    make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Run builds and starts the transports, then blocks until the context ends,
// Stop is called, or a transport fails. A restart trigger drains the current
// set and builds a fresh one in the same call.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.done)

	for {
		transports, err := s.build(ctx)
		if err != nil {
			return err
		}
		// The cycle is committed; from here a new trigger schedules the
		// next cycle instead of being absorbed into this one.
		s.restarting.Store(false)

		runCtx, cancel := context.WithCancel(ctx)
		g, gctx := errgroup.WithContext(runCtx)
		for _, t := range transports {
			g.Go(func() error { return t.Start(gctx) })
		}

		restart := false
		select {
		case <-ctx.Done():
		case <-s.stopCh:
		case <-s.restartCh:
			restart = true
		case <-gctx.Done():
		}

		s.drainAll(transports)
		cancel()
		err = g.Wait()

		if restart && ctx.Err() == nil && !s.stopped.Load() {
			s.metrics.countRestart()
			s.logger.Info("Transports drained, starting new cycle", nil)
			continue
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

// Restart schedules one drain-and-rebuild cycle. Triggers arriving while a
// cycle is already scheduled or in progress are absorbed.
func (s *Supervisor) Restart() error {
	if s.stopped.Load() {
		return errspkg.ErrSupervisorStopped
	}
	if !s.restarting.CompareAndSwap(false, true) {
		return nil
	}
	select {
	case s.restartCh <- struct{}{}:
	default:
	}
	return nil
}

// Stop shuts the supervisor down for good and waits for Run to return.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.stopped.Store(true)
	s.stopOnce.Do(func() { close(s.stopCh) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainAll gracefully stops every transport in parallel, bounded by the
// drain timeout plus a small grace period for settle calls.
func (s *Supervisor) drainAll(transports []transport.Transport) {
	drainCtx, cancel := context.WithTimeout(context.Background(), s.drainTimeout+time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, t := range transports {
		wg.Add(1)
		go func(t transport.Transport) {
			defer wg.Done()
			if err := t.GracefulStop(drainCtx); err != nil {
				s.logger.Warn("Transport did not stop cleanly", loggingpkg.LogFields{
					"transport": t.Name(),
					"error":     err.Error(),
				})
			}
		}(t)
	}
	wg.Wait()
}
