// Package app wires the duplex coordination components into one running
// assistant.
//
// The App owns every component lifetime: New constructs and subscribes the
// components, Connect opens a hydrated remote session, Disconnect ends it,
// and Shutdown tears everything down in order. User gestures (push-to-talk,
// hands-free, mode switches, typed messages) enter through App methods.
//
// For testing, inject doubles via functional options (WithTurnStore, WithBus)
// and the [Providers] struct.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/duplex/internal/bootstrap"
	"github.com/MrWong99/duplex/internal/bus"
	"github.com/MrWong99/duplex/internal/config"
	"github.com/MrWong99/duplex/internal/health"
	"github.com/MrWong99/duplex/internal/interaction"
	"github.com/MrWong99/duplex/internal/observe"
	"github.com/MrWong99/duplex/internal/resilience"
	"github.com/MrWong99/duplex/internal/session"
	"github.com/MrWong99/duplex/internal/textchan"
	"github.com/MrWong99/duplex/internal/turn"
	"github.com/MrWong99/duplex/internal/voice"
	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/memory"
	"github.com/MrWong99/duplex/pkg/memory/postgres"
	"github.com/MrWong99/duplex/pkg/provider/realtime"
	"github.com/MrWong99/duplex/pkg/provider/token"
)

// Providers holds one interface value per collaborator slot. Populated by
// main.go via the config registry.
type Providers struct {
	Realtime realtime.Provider
	Tokens   token.Source

	// Audio is the microphone. Nil means voice mode is unavailable.
	Audio audio.Device
}

// SessionInfo describes the connected session. It is the payload of
// [bus.SessionConnected].
type SessionInfo struct {
	ConversationID    string
	ConnectedAt       time.Time
	HistoryTurns      int
	HydratedItemCount int
}

// Disconnected is the payload of [bus.SessionDisconnect]. Err is nil for an
// intentional disconnect.
type Disconnected struct {
	Err error
}

// App owns all component lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	logger    *slog.Logger
	metrics   *observe.Metrics

	bus         *bus.Bus
	store       memory.TurnStore
	machine     *interaction.Machine
	gate        *voice.Gate
	turns       *turn.Manager
	text        *textchan.Queue
	boot        *bootstrap.Bootstrapper
	reconnector *session.Reconnector

	// closers are called in order during Shutdown.
	closers []func() error

	// connectMu serialises Connect, Disconnect and reconnection.
	connectMu sync.Mutex

	mu           sync.Mutex
	sess         realtime.SessionHandle
	loopDone     chan struct{}
	info         SessionInfo
	historyLimit int

	monitorCancel context.CancelFunc
	stopOnce      sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTurnStore injects a turn store instead of creating one from config.
// The store is still wrapped in a circuit breaker.
func WithTurnStore(s memory.TurnStore) Option {
	return func(a *App) { a.store = s }
}

// WithBus injects the event bus, so callers can subscribe before any
// component does.
func WithBus(b *bus.Bus) Option {
	return func(a *App) { a.bus = b }
}

// WithLogger sets the logger passed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithMetrics sets the metrics sink passed to every component.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all components together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Realtime == nil {
		return nil, fmt.Errorf("app: a realtime provider is required")
	}
	a := &App{
		cfg:          cfg,
		providers:    providers,
		logger:       slog.Default(),
		historyLimit: cfg.History.TurnLimitForRemote,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.bus == nil {
		a.bus = bus.New(bus.WithLogger(a.logger), bus.WithMetrics(a.metrics))
	}

	// ── 1. Turn store ────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 2. Interaction state + voice gate ────────────────────────────────
	// The gate subscribes to state changes, so it must exist before the
	// first transition.
	a.machine = interaction.New(a.bus,
		interaction.WithLogger(a.logger),
		interaction.WithMetrics(a.metrics),
	)
	a.gate = voice.New(a.bus, providers.Audio,
		voice.WithLogger(a.logger),
		voice.WithMetrics(a.metrics),
		voice.WithCommitOnRelease(cfg.Voice.CommitOnRelease),
	)

	// ── 3. Turns ─────────────────────────────────────────────────────────
	a.turns = turn.New(a.bus, a.store,
		turn.WithLogger(a.logger),
		turn.WithMetrics(a.metrics),
	)

	// ── 4. Text channel ──────────────────────────────────────────────────
	a.text = textchan.New(a.bus, a.machine, a,
		textchan.WithVoiceChannel(a.gate),
		textchan.WithRecorder(a.turns),
		textchan.WithRetryPolicy(cfg.Text.Retries(), cfg.Text.RetryDelay.D()),
		textchan.WithAutoConnect(cfg.Text.AutoConnectEnabled(), cfg.Text.ConnectSettle.D()),
		textchan.WithLogger(a.logger),
		textchan.WithMetrics(a.metrics),
	)

	// ── 5. Bootstrap + reconnection ──────────────────────────────────────
	a.boot = bootstrap.New(providers.Realtime, providers.Tokens,
		realtime.AgentConfig{
			Instructions: cfg.Agent.Instructions,
			Voice:        cfg.Agent.Voice,
			TextOnly:     cfg.Agent.TextOnly,
		},
		bootstrap.WithLogger(a.logger),
		bootstrap.WithMetrics(a.metrics),
	)
	a.reconnector = session.NewReconnector(session.ReconnectorConfig{
		Reconnect: func(ctx context.Context) error { return a.connect(ctx, true) },
		Delay:     cfg.Voice.ReconnectDelay.D(),
		Logger:    a.logger,
		Metrics:   a.metrics,
	})
	monitorCtx, cancel := context.WithCancel(context.Background())
	a.monitorCancel = cancel
	a.reconnector.Monitor(monitorCtx)

	// Stop input before the gate, and the gate before the store.
	a.closers = append([]func() error{
		func() error { a.text.Close(); return nil },
		func() error { a.gate.Close(); return nil },
	}, a.closers...)

	return a, nil
}

// initStore sets up the turn store: injected, PostgreSQL, or in-process.
func (a *App) initStore(ctx context.Context) error {
	inner := a.store
	switch {
	case inner != nil:
	case a.cfg.Memory.PostgresDSN != "":
		pg, err := postgres.NewStore(ctx, a.cfg.Memory.PostgresDSN,
			postgres.WithConversationID(a.cfg.Memory.ConversationID),
		)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error {
			pg.Close()
			return nil
		})
		inner = pg
	default:
		a.logger.Info("app: using in-process turn store")
		inner = memory.NewMemStore(a.cfg.Memory.ConversationID)
	}

	a.store = resilience.NewBreakerStore(inner, resilience.CircuitBreakerConfig{
		MaxFailures:  a.cfg.Memory.Breaker.MaxFailures,
		ResetTimeout: a.cfg.Memory.Breaker.ResetTimeout.D(),
		Logger:       a.logger,
	})
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects and blocks until ctx is cancelled. A failed initial connect
// is returned; later session losses are handled by the reconnector.
func (a *App) Run(ctx context.Context) error {
	if err := a.Connect(ctx); err != nil {
		return err
	}
	a.logger.Info("app running")
	<-ctx.Done()
	return ctx.Err()
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Bus returns the event bus consumers subscribe to.
func (a *App) Bus() *bus.Bus { return a.bus }

// State returns the current interaction state.
func (a *App) State() interaction.State { return a.machine.State() }

// TurnState returns the voice channel snapshot.
func (a *App) TurnState() voice.TurnState { return a.gate.TurnState() }

// StreamingText returns the assistant reply currently arriving, if any.
func (a *App) StreamingText() string { return a.turns.StreamingText() }

// PendingText returns the queued text messages.
func (a *App) PendingText() []textchan.Message { return a.text.Pending() }

// Connected reports whether a remote session is open.
func (a *App) Connected() bool { return a.ActiveSession() != nil }

// Info returns the connected session's metadata.
func (a *App) Info() (SessionInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info, a.sess != nil
}

// ActiveSession returns the open session, or nil.
func (a *App) ActiveSession() realtime.SessionHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess
}

// HealthCheckers returns the readiness checks for this App.
func (a *App) HealthCheckers() []health.Checker {
	checkers := []health.Checker{
		health.Condition("session", a.Connected, "not connected"),
	}
	if p, ok := a.store.(memory.Pinger); ok {
		checkers = append(checkers, health.Ping("memory", p))
	}
	return checkers
}

// ApplyConfig applies the hot-reloadable parts of a config change.
func (a *App) ApplyConfig(d config.ConfigDiff, cfg *config.Config) {
	if d.TextPolicyChanged {
		a.text.SetRetryPolicy(cfg.Text.Retries(), cfg.Text.RetryDelay.D())
		a.logger.Info("app: text retry policy updated",
			"max_retries", cfg.Text.Retries(),
			"retry_delay", cfg.Text.RetryDelay.D(),
		)
	}
	if d.HistoryLimitChanged {
		a.mu.Lock()
		a.historyLimit = cfg.History.TurnLimitForRemote
		a.mu.Unlock()
		a.logger.Info("app: history limit updated", "turns", cfg.History.TurnLimitForRemote)
	}
	if len(d.RestartRequired) > 0 {
		a.logger.Warn("app: config changes need a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown disconnects and tears down all components. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		a.reconnector.Stop()
		a.monitorCancel()
		if err := a.Disconnect(ctx); err != nil {
			a.logger.Warn("disconnect error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}

		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}
