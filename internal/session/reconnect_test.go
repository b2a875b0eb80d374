package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestReconnector_Defaults(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{
		Reconnect: func(context.Context) error { return nil },
	})
	if r.delay != 2*time.Second {
		t.Errorf("expected default delay=2s, got %v", r.delay)
	}
	if r.logger == nil || r.metrics == nil {
		t.Error("expected logger and metrics defaults")
	}
}

func TestReconnector_SingleAttemptAfterDelay(t *testing.T) {
	var calls atomic.Int32
	results := make(chan error, 4)

	r := NewReconnector(ReconnectorConfig{
		Reconnect: func(context.Context) error {
			calls.Add(1)
			return errors.New("still down")
		},
		Delay:    10 * time.Millisecond,
		OnResult: func(err error) { results <- err },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Monitor(ctx)
	defer r.Stop()

	start := time.Now()
	r.NotifyDisconnect()

	select {
	case err := <-results:
		if err == nil {
			t.Error("expected the reconnect error to be reported")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconnect attempt")
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("attempt ran after %v, before the configured delay", elapsed)
	}

	// A failed attempt is not retried on its own.
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("expected exactly 1 reconnect attempt, got %d", got)
	}
}

func TestReconnector_NotifyCollapses(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})

	r := NewReconnector(ReconnectorConfig{
		Reconnect: func(context.Context) error {
			calls.Add(1)
			return nil
		},
		Delay: 20 * time.Millisecond,
		OnResult: func(error) {
			select {
			case release <- struct{}{}:
			default:
			}
		},
	})

	// Signal several times before the monitor runs.
	r.NotifyDisconnect()
	r.NotifyDisconnect()
	r.NotifyDisconnect()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Monitor(ctx)
	defer r.Stop()

	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 reconnect attempt, got %d", got)
	}
}

func TestReconnector_TeardownSuppresses(t *testing.T) {
	t.Run("notify during teardown is ignored", func(t *testing.T) {
		var calls atomic.Int32
		r := NewReconnector(ReconnectorConfig{
			Reconnect: func(context.Context) error { calls.Add(1); return nil },
			Delay:     5 * time.Millisecond,
		})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		r.Monitor(ctx)
		defer r.Stop()

		r.BeginTeardown()
		r.NotifyDisconnect()

		time.Sleep(50 * time.Millisecond)
		if got := calls.Load(); got != 0 {
			t.Errorf("expected no reconnect during teardown, got %d", got)
		}
		if !r.TearingDown() {
			t.Error("expected TearingDown() == true")
		}
	})

	t.Run("teardown during delay skips the attempt", func(t *testing.T) {
		var calls atomic.Int32
		r := NewReconnector(ReconnectorConfig{
			Reconnect: func(context.Context) error { calls.Add(1); return nil },
			Delay:     40 * time.Millisecond,
		})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		r.Monitor(ctx)
		defer r.Stop()

		r.NotifyDisconnect()
		time.Sleep(10 * time.Millisecond)
		r.BeginTeardown()

		time.Sleep(100 * time.Millisecond)
		if got := calls.Load(); got != 0 {
			t.Errorf("expected the pending attempt to be skipped, got %d", got)
		}
	})

	t.Run("resume re-enables reconnection", func(t *testing.T) {
		done := make(chan struct{}, 1)
		r := NewReconnector(ReconnectorConfig{
			Reconnect: func(context.Context) error { return nil },
			Delay:     5 * time.Millisecond,
			OnResult:  func(error) { done <- struct{}{} },
		})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		r.Monitor(ctx)
		defer r.Stop()

		r.BeginTeardown()
		r.Resume()
		r.NotifyDisconnect()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("expected a reconnect attempt after Resume")
		}
	})
}

func TestReconnector_StopIdempotent(t *testing.T) {
	r := NewReconnector(ReconnectorConfig{
		Reconnect: func(context.Context) error { return nil },
	})
	r.Monitor(context.Background())
	r.Stop()
	r.Stop()
}
