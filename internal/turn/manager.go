// Package turn assembles streamed assistant replies and persists completed
// conversation turns exactly once.
//
// At most one [StreamingMessage] is open at a time. It is created lazily by
// the first delta, grows with each [Manager.AppendStreaming] call and is
// converted into an assistant [memory.ConversationTurn] by
// [Manager.FinalizeStreaming]. Remote item-done events for a reply that was
// already finalized are recognised and ignored.
//
// Persistence failures never interrupt the conversation: they are logged,
// counted and reported to the caller as false.
package turn

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/duplex/internal/bus"
	"github.com/MrWong99/duplex/internal/fault"
	"github.com/MrWong99/duplex/internal/observe"
	"github.com/MrWong99/duplex/pkg/memory"
)

// StreamingMessage is an assistant reply that is still arriving.
type StreamingMessage struct {
	ID              string
	AccumulatedText string
	StartedAt       time.Time

	// Seq orders the message against persisted turns with the same
	// timestamp.
	Seq int64
}

// Stopped is the payload of [bus.StreamingStopped].
type Stopped struct {
	Message   StreamingMessage
	Persisted bool
}

// Option configures a [Manager].
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides the identifier source. Default: random UUIDs.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// Manager is the turn and streaming manager. All methods are safe for
// concurrent use.
type Manager struct {
	bus     *bus.Bus
	store   memory.TurnStore
	logger  *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time
	newID   func() string

	mu             sync.Mutex
	conversationID string
	seq            int64
	streaming      *StreamingMessage
	lastFinalized  string
	handledItems   map[string]struct{}
}

// New creates a manager that persists to store and publishes on b.
func New(b *bus.Bus, store memory.TurnStore, opts ...Option) *Manager {
	m := &Manager{
		bus:          b,
		store:        store,
		logger:       slog.Default(),
		now:          time.Now,
		newID:        uuid.NewString,
		handledItems: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// SetConversationID sets the conversation new turns are filed under.
func (m *Manager) SetConversationID(id string) {
	m.mu.Lock()
	m.conversationID = id
	m.mu.Unlock()
}

// StartStreaming opens a streaming message, or returns the open one.
func (m *Manager) StartStreaming() StreamingMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.startLocked()
}

func (m *Manager) startLocked() *StreamingMessage {
	if m.streaming == nil {
		m.seq++
		m.streaming = &StreamingMessage{
			ID:        m.newID(),
			StartedAt: m.now(),
			Seq:       m.seq,
		}
	}
	return m.streaming
}

// AppendStreaming adds delta to the open streaming message, opening one if
// needed, and publishes the running text as [bus.StreamingUpdated].
func (m *Manager) AppendStreaming(delta string) StreamingMessage {
	m.mu.Lock()
	msg := m.startLocked()
	msg.AccumulatedText += delta
	snap := *msg
	m.mu.Unlock()

	m.bus.Publish(bus.StreamingUpdated, snap)
	return snap
}

// StreamingText returns the text of the open streaming message, or "" if
// none is open.
func (m *Manager) StreamingText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streaming == nil {
		return ""
	}
	return m.streaming.AccumulatedText
}

// FinalizeStreaming closes the open streaming message. A non-empty reply is
// persisted as an assistant turn. It publishes [bus.StreamingStopped] and
// reports whether a turn was persisted. Without an open message it does
// nothing and returns false, so repeated calls write at most once.
func (m *Manager) FinalizeStreaming(ctx context.Context) bool {
	m.mu.Lock()
	if m.streaming == nil {
		m.mu.Unlock()
		return false
	}
	msg := *m.streaming
	m.streaming = nil
	m.lastFinalized = msg.AccumulatedText
	m.mu.Unlock()

	persisted := false
	if strings.TrimSpace(msg.AccumulatedText) != "" {
		persisted = m.persist(ctx, memory.ConversationTurn{
			ID:                msg.ID,
			AssistantResponse: msg.AccumulatedText,
		})
	}
	m.bus.Publish(bus.StreamingStopped, Stopped{Message: msg, Persisted: persisted})
	return persisted
}

// AddUserTurn persists a user utterance. A non-zero replayedAt marks a turn
// that came from stored history; it is not written again. Reports whether a
// turn was persisted.
func (m *Manager) AddUserTurn(ctx context.Context, transcript string, replayedAt time.Time) bool {
	if !replayedAt.IsZero() {
		m.logger.Debug("turn: replayed user turn not persisted", "at", replayedAt)
		return false
	}
	if strings.TrimSpace(transcript) == "" {
		return false
	}
	return m.persist(ctx, memory.ConversationTurn{
		ID:             m.newID(),
		UserTranscript: transcript,
	})
}

// CompleteItem handles a remote item-done event for an assistant reply. Each
// item ID is handled once. If the open streaming message holds the item's
// text it is finalized; if the text equals the reply that was just finalized
// nothing is written; otherwise the item is persisted as its own turn.
func (m *Manager) CompleteItem(ctx context.Context, itemID, text string) bool {
	m.mu.Lock()
	if itemID != "" {
		if _, seen := m.handledItems[itemID]; seen {
			m.mu.Unlock()
			return false
		}
		m.handledItems[itemID] = struct{}{}
	}

	switch {
	case m.streaming != nil:
		if text != "" && m.streaming.AccumulatedText != text {
			// The completed item is authoritative over dropped deltas.
			m.streaming.AccumulatedText = text
		}
		m.mu.Unlock()
		return m.FinalizeStreaming(ctx)

	case text == "" || text == m.lastFinalized:
		m.mu.Unlock()
		return false
	}
	m.lastFinalized = text
	m.mu.Unlock()

	return m.persist(ctx, memory.ConversationTurn{
		ID:                m.newID(),
		AssistantResponse: text,
	})
}

// persist stamps and writes turn. Failures are logged and counted.
func (m *Manager) persist(ctx context.Context, turn memory.ConversationTurn) bool {
	m.mu.Lock()
	m.seq++
	turn.Seq = m.seq
	turn.ConversationID = m.conversationID
	m.mu.Unlock()
	turn.Timestamp = m.now()

	role := string(turn.Role())
	if err := m.store.AddConversationTurn(ctx, turn); err != nil {
		err = fault.Wrap(fault.ErrPersistence, err)
		m.logger.Warn("turn: persist failed",
			"role", role,
			"turn_id", turn.ID,
			"err", err,
		)
		m.metrics.RecordPersistenceError(ctx, "write")
		return false
	}

	m.metrics.RecordTurnPersisted(ctx, role)
	m.bus.Publish(bus.TurnPersisted, turn)
	return true
}
