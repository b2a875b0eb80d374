// Package bootstrap loads conversation history and opens a hydrated remote
// session from a single history read.
//
// The history shown to the user and the items used to seed the remote model
// are two views of the same loaded slice, so they cannot disagree.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/duplex/internal/fault"
	"github.com/MrWong99/duplex/internal/observe"
	"github.com/MrWong99/duplex/pkg/memory"
	"github.com/MrWong99/duplex/pkg/provider/realtime"
	"github.com/MrWong99/duplex/pkg/provider/token"
)

// DefaultHistoryTurnLimit is the number of most recent turns used to hydrate
// the remote session when no limit is given.
const DefaultHistoryTurnLimit = 8

// Result is the outcome of a successful [Bootstrapper.Bootstrap].
type Result struct {
	// ConversationID is the conversation the history belongs to.
	ConversationID string

	// FullHistory is every stored turn, oldest first. It is the UI's view.
	FullHistory []memory.ConversationTurn

	// HydratedItemCount is the number of items sent to the remote session.
	HydratedItemCount int

	// Session is the connected, hydrated session. The caller owns it.
	Session realtime.SessionHandle
}

// Option configures a [Bootstrapper].
type Option func(*Bootstrapper)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bootstrapper) { b.logger = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bootstrapper) { b.metrics = m }
}

// Bootstrapper connects hydrated sessions through a realtime provider.
type Bootstrapper struct {
	provider realtime.Provider
	tokens   token.Source
	agent    realtime.AgentConfig
	logger   *slog.Logger
	metrics  *observe.Metrics
}

// New creates a Bootstrapper that connects through provider, authenticating
// with tokens and configuring the session with agent.
func New(provider realtime.Provider, tokens token.Source, agent realtime.AgentConfig, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		provider: provider,
		tokens:   tokens,
		agent:    agent,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b
}

// Bootstrap resolves the current conversation, loads its complete history
// with exactly one store query, hydrates a new session with the last
// turnLimit turns and connects it. A turnLimit <= 0 selects
// [DefaultHistoryTurnLimit].
//
// A failed history load returns a [fault.ErrPersistence] error before any
// connection attempt. A failed credential fetch returns [fault.ErrAuth]; any
// other connect failure returns [fault.ErrConnect]. Releasing audio
// resources acquired alongside is the caller's job.
func (b *Bootstrapper) Bootstrap(ctx context.Context, store memory.TurnStore, turnLimit int) (res Result, err error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "bootstrap")
	defer func() { observe.EndSpan(span, err) }()

	if turnLimit <= 0 {
		turnLimit = DefaultHistoryTurnLimit
	}

	convID, err := store.CurrentConversationID(ctx)
	if err != nil {
		b.metrics.RecordPersistenceError(ctx, "read")
		return Result{}, fault.Wrap(fault.ErrPersistence, fmt.Errorf("bootstrap: resolve conversation: %w", err))
	}

	full, err := store.GetConversationHistory(ctx, convID)
	if err != nil {
		b.metrics.RecordPersistenceError(ctx, "read")
		return Result{}, fault.Wrap(fault.ErrPersistence, fmt.Errorf("bootstrap: load history: %w", err))
	}

	items := HydrationItems(Trim(full, turnLimit))
	span.SetAttributes(
		attribute.String("conversation_id", convID),
		attribute.Int("history.turns", len(full)),
		attribute.Int("history.hydrated_items", len(items)),
	)

	sess, err := b.provider.Connect(ctx, realtime.SessionConfig{
		Tokens:  b.tokens,
		Agent:   b.agent,
		History: items,
	})
	if err != nil {
		return Result{}, classifyConnect(err)
	}

	b.metrics.BootstrapDuration.Record(ctx, time.Since(start).Seconds())
	b.metrics.HydratedItems.Add(ctx, int64(len(items)))
	observe.Logger(ctx, b.logger).Info("bootstrap: session hydrated",
		"conversation_id", convID,
		"history_turns", len(full),
		"hydrated_items", len(items),
	)

	return Result{
		ConversationID:    convID,
		FullHistory:       full,
		HydratedItemCount: len(items),
		Session:           sess,
	}, nil
}

func classifyConnect(err error) error {
	if errors.Is(err, token.ErrUnavailable) {
		return fault.Wrap(fault.ErrAuth, fmt.Errorf("bootstrap: fetch credential: %w", err))
	}
	return fault.Wrap(fault.ErrConnect, fmt.Errorf("bootstrap: connect: %w", err))
}

// Trim returns the last limit turns of turns, sharing its backing array.
func Trim(turns []memory.ConversationTurn, limit int) []memory.ConversationTurn {
	if limit < 0 {
		limit = 0
	}
	if len(turns) <= limit {
		return turns
	}
	return turns[len(turns)-limit:]
}

// HydrationItems maps turns to remote history items in chronological order.
// Each turn yields up to two items: the user transcript, then the assistant
// response. Items are linked through PreviousItemID.
func HydrationItems(turns []memory.ConversationTurn) []realtime.HistoryItem {
	items := make([]realtime.HistoryItem, 0, 2*len(turns))
	add := func(role memory.Role, text string) {
		if text == "" {
			return
		}
		item := realtime.HistoryItem{
			ID:   "hist_" + strconv.Itoa(len(items)),
			Role: string(role),
			Text: text,
		}
		if n := len(items); n > 0 {
			item.PreviousItemID = items[n-1].ID
		}
		items = append(items, item)
	}
	for _, t := range turns {
		add(memory.RoleUser, t.UserTranscript)
		add(memory.RoleAssistant, t.AssistantResponse)
	}
	return items
}
