package runtime

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testHealthConfig() HealthConfig {
	return HealthConfig{
		BackoffMin:        10 * time.Millisecond,
		BackoffMax:        80 * time.Millisecond,
		BackoffMultiplier: 2.0,
		BackoffJitter:     0, // deterministic delays
		FailureCeiling:    3,
	}
}

func TestHealthMonitorBackoffProgression(t *testing.T) {
	m := NewHealthMonitor("q", testHealthConfig(), nil)
	boom := errors.New("poll failed")

	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		80 * time.Millisecond,
		80 * time.Millisecond, // capped at max
	}
	for i, expected := range want {
		if got := m.RecordFailure(boom); got != expected {
			t.Errorf("failure %d: expected delay %v, got %v", i+1, expected, got)
		}
	}
	if m.ConsecutiveFailures() != len(want) {
		t.Errorf("expected %d consecutive failures, got %d", len(want), m.ConsecutiveFailures())
	}
}

func TestHealthMonitorResetOnSuccess(t *testing.T) {
	m := NewHealthMonitor("q", testHealthConfig(), nil)
	boom := errors.New("poll failed")

	m.RecordFailure(boom)
	m.RecordFailure(boom)
	m.RecordSuccess()

	if m.ConsecutiveFailures() != 0 {
		t.Errorf("expected failure count reset, got %d", m.ConsecutiveFailures())
	}
	if got := m.RecordFailure(boom); got != 10*time.Millisecond {
		t.Errorf("expected delay schedule reset to min, got %v", got)
	}
}

func TestHealthMonitorJitterStaysInRange(t *testing.T) {
	cfg := testHealthConfig()
	cfg.BackoffJitter = 0.2
	m := NewHealthMonitor("q", cfg, nil)
	boom := errors.New("poll failed")

	got := m.RecordFailure(boom)
	lo, hi := 8*time.Millisecond, 12*time.Millisecond
	if got < lo || got > hi {
		t.Errorf("expected first delay within [%v, %v], got %v", lo, hi, got)
	}
}

func TestHealthMonitorReadiness(t *testing.T) {
	m := NewHealthMonitor("q", testHealthConfig(), nil)

	if !m.Healthy() {
		t.Fatal("monitor should start healthy")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := m.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady on healthy monitor should return immediately: %v", err)
	}

	m.RecordFailure(errors.New("down"))
	if m.Healthy() {
		t.Fatal("monitor should be unhealthy after a failure")
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer waitCancel()
	if err := m.WaitReady(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitReady should block while unhealthy, got %v", err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- m.WaitReady(ctx)
	}()
	m.RecordSuccess()
	if err := <-done; err != nil {
		t.Fatalf("WaitReady should unblock on recovery: %v", err)
	}
}
