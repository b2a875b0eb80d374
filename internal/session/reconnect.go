// Package session supervises the lifetime of the remote realtime session.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/duplex/internal/observe"
)

// defaultDelay is the wait between losing a session and the reconnect
// attempt.
const defaultDelay = 2 * time.Second

// Reconnector restores a lost session with a single attempt after a fixed
// delay.
//
// The session owner reports drops via [Reconnector.NotifyDisconnect]. A
// background loop started by [Reconnector.Monitor] waits the configured
// delay and then calls Reconnect once. Nothing happens while a teardown is
// in progress: [Reconnector.BeginTeardown] suppresses both pending and
// future attempts until [Reconnector.Resume].
//
// All methods are safe for concurrent use.
type Reconnector struct {
	reconnect func(context.Context) error
	delay     time.Duration
	onResult  func(error)
	logger    *slog.Logger
	metrics   *observe.Metrics

	mu          sync.Mutex
	tearingDown bool

	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{} // signalled when a drop is detected
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Reconnect re-establishes the session. Required.
	Reconnect func(ctx context.Context) error

	// Delay is the fixed wait before the attempt. Defaults to 2s if zero.
	Delay time.Duration

	// OnResult, if set, receives the outcome of each attempt that ran.
	OnResult func(err error)

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	delay := cfg.Delay
	if delay <= 0 {
		delay = defaultDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Reconnector{
		reconnect:    cfg.Reconnect,
		delay:        delay,
		onResult:     cfg.OnResult,
		logger:       logger,
		metrics:      metrics,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Monitor starts the reconnect loop in a background goroutine. It runs until
// ctx is cancelled or [Reconnector.Stop] is called.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect reports that the session was lost unexpectedly. It is
// ignored during teardown. Repeated calls before the attempt runs collapse
// into one.
func (r *Reconnector) NotifyDisconnect() {
	if r.TearingDown() {
		return
	}
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// BeginTeardown marks an intentional disconnect. Pending and future attempts
// are skipped until [Reconnector.Resume].
func (r *Reconnector) BeginTeardown() {
	r.mu.Lock()
	r.tearingDown = true
	r.mu.Unlock()

	select {
	case <-r.disconnected:
	default:
	}
}

// Resume re-enables reconnection after an explicit connect.
func (r *Reconnector) Resume() {
	r.mu.Lock()
	r.tearingDown = false
	r.mu.Unlock()
}

// TearingDown reports whether a teardown is in progress.
func (r *Reconnector) TearingDown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tearingDown
}

// Stop halts the monitor. Safe to call multiple times.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}

func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptReconnect(ctx)
		}
	}
}

func (r *Reconnector) attemptReconnect(ctx context.Context) {
	r.logger.Info("session: connection lost, reconnecting", "delay", r.delay)

	select {
	case <-ctx.Done():
		return
	case <-r.done:
		return
	case <-time.After(r.delay):
	}

	if r.TearingDown() {
		r.logger.Info("session: reconnect skipped, tearing down")
		r.metrics.RecordReconnect(ctx, "skipped")
		return
	}

	err := r.reconnect(ctx)
	if err != nil {
		r.logger.Warn("session: reconnect failed", "err", err)
		r.metrics.RecordReconnect(ctx, "error")
	} else {
		r.logger.Info("session: reconnected")
		r.metrics.RecordReconnect(ctx, "ok")
	}
	if r.onResult != nil {
		r.onResult(err)
	}
}
