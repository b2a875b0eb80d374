// Package mock provides an in-memory test double for [memory.TurnStore].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent use
// via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.TurnStore{}
//	store.HistoryResult = []memory.ConversationTurn{{UserTranscript: "hello"}}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("GetConversationHistory"); got != 1 {
//	    t.Errorf("expected 1 GetConversationHistory call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/duplex/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// TurnStore is a configurable test double for [memory.TurnStore].
// All exported *Err fields default to nil (success).
type TurnStore struct {
	mu sync.Mutex

	calls []Call
	added []memory.ConversationTurn

	// AddErr is returned by [TurnStore.AddConversationTurn] when non-nil.
	// Failed adds are not recorded in [TurnStore.Added].
	AddErr error

	// HistoryResult is returned by [TurnStore.GetConversationHistory].
	// When nil, an empty non-nil slice is returned.
	HistoryResult []memory.ConversationTurn

	// HistoryErr is returned by [TurnStore.GetConversationHistory] when non-nil.
	HistoryErr error

	// ConversationIDResult is returned by [TurnStore.CurrentConversationID].
	ConversationIDResult string

	// ConversationIDErr is returned by [TurnStore.CurrentConversationID] when non-nil.
	ConversationIDErr error

	// PingErr is returned by [TurnStore.Ping].
	PingErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *TurnStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *TurnStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Added returns a copy of every successfully added turn, in order.
func (m *TurnStore) Added() []memory.ConversationTurn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]memory.ConversationTurn, len(m.added))
	copy(out, m.added)
	return out
}

// SetAddErr changes AddErr under the mock's lock.
func (m *TurnStore) SetAddErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AddErr = err
}

// Reset clears all recorded calls and added turns without altering response
// configuration.
func (m *TurnStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.added = nil
}

// AddConversationTurn implements [memory.TurnStore].
func (m *TurnStore) AddConversationTurn(_ context.Context, turn memory.ConversationTurn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "AddConversationTurn", Args: []any{turn}})
	if m.AddErr != nil {
		return m.AddErr
	}
	m.added = append(m.added, turn)
	return nil
}

// GetConversationHistory implements [memory.TurnStore].
func (m *TurnStore) GetConversationHistory(_ context.Context, conversationID string) ([]memory.ConversationTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetConversationHistory", Args: []any{conversationID}})
	if m.HistoryErr != nil {
		return nil, m.HistoryErr
	}
	out := make([]memory.ConversationTurn, len(m.HistoryResult))
	copy(out, m.HistoryResult)
	return out, nil
}

// CurrentConversationID implements [memory.TurnStore].
func (m *TurnStore) CurrentConversationID(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "CurrentConversationID"})
	return m.ConversationIDResult, m.ConversationIDErr
}

// Ping implements [memory.Pinger].
func (m *TurnStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Ping"})
	return m.PingErr
}

var (
	_ memory.TurnStore = (*TurnStore)(nil)
	_ memory.Pinger    = (*TurnStore)(nil)
)
