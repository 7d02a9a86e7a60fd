package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	loggingpkg "github.com/runlet-io/runlet/internal/runtime/logging"
)

// HealthConfig parameterises one consumer's reconnect backoff.
type HealthConfig struct {
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	BackoffJitter     float64
	// FailureCeiling is the consecutive-failure count at which log severity
	// escalates. It never stops reconnect attempts.
	FailureCeiling int
}

// HealthMonitor tracks the connectivity health of one subscription. It owns
// the reconnect delay schedule and a readiness signal other components can
// wait on. It never gives up: delays cap at BackoffMax and attempts continue
// until the consumer closes.
type HealthMonitor struct {
	name   string
	cfg    HealthConfig
	logger loggingpkg.ServiceLogger

	mu       sync.Mutex
	bo       *backoff.ExponentialBackOff
	failures int
	ready    chan struct{}
	healthy  bool
}

// NewHealthMonitor builds a monitor starting in the healthy state.
func NewHealthMonitor(name string, cfg HealthConfig, logger loggingpkg.ServiceLogger) *HealthMonitor {
	if logger == nil {
		logger = loggingpkg.Nop()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BackoffMin
	bo.MaxInterval = cfg.BackoffMax
	bo.Multiplier = cfg.BackoffMultiplier
	bo.RandomizationFactor = cfg.BackoffJitter
	// Reconnects retry forever; the cap applies to the interval only.
	bo.MaxElapsedTime = 0
	bo.Reset()

	ready := make(chan struct{})
	close(ready)

	return &HealthMonitor{
		name:    name,
		cfg:     cfg,
		logger:  logger,
		bo:      bo,
		ready:   ready,
		healthy: true,
	}
}

// RecordSuccess resets the failure count and the delay schedule and marks
// the subscription ready.
func (m *HealthMonitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failures > 0 {
		m.logger.Info("Connectivity recovered", loggingpkg.LogFields{
			"subscription":  m.name,
			"failures_seen": m.failures,
		})
	}
	m.failures = 0
	m.bo.Reset()
	if !m.healthy {
		m.healthy = true
		close(m.ready)
	}
}

// RecordFailure registers one connectivity failure and returns the delay to
// wait before the next attempt. Severity escalates once the consecutive
// count reaches the ceiling.
func (m *HealthMonitor) RecordFailure(err error) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures++
	if m.healthy {
		m.healthy = false
		m.ready = make(chan struct{})
	}
	delay := m.bo.NextBackOff()

	fields := loggingpkg.LogFields{
		"subscription": m.name,
		"failures":     m.failures,
		"retry_in":     delay.String(),
	}
	if m.cfg.FailureCeiling > 0 && m.failures >= m.cfg.FailureCeiling {
		m.logger.Error("Connectivity still failing", err, fields)
	} else {
		m.logger.Warn("Connectivity failure", mergeFields(fields, loggingpkg.LogFields{"error": err.Error()}))
	}
	return delay
}

// ConsecutiveFailures reports the current failure streak.
func (m *HealthMonitor) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Healthy reports whether the last attempt succeeded.
func (m *HealthMonitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// WaitReady blocks until the subscription is healthy or the context ends.
func (m *HealthMonitor) WaitReady(ctx context.Context) error {
	m.mu.Lock()
	ready := m.ready
	m.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func mergeFields(a, b loggingpkg.LogFields) loggingpkg.LogFields {
	out := make(loggingpkg.LogFields, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
