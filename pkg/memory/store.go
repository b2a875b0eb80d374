// Package memory defines the conversation turn persistence collaborator.
//
// A [TurnStore] holds the immutable [ConversationTurn] records that make up a
// conversation. Turns are appended once and read back in chronological order,
// using [ConversationTurn.Seq] as a tie-breaker when timestamps coincide.
//
// All interfaces are public so that external packages can supply alternative
// storage backends (Postgres, in-memory, …) without depending on duplex
// internals.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateTurn is returned by [TurnStore.AddConversationTurn] when a turn
// with the same ID already exists.
var ErrDuplicateTurn = errors.New("memory: duplicate turn")

// Role identifies which side of the conversation a turn records.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationTurn is one persisted user or assistant utterance. It is
// immutable once persisted.
type ConversationTurn struct {
	// ID uniquely identifies the turn.
	ID string

	// ConversationID groups turns into a conversation. Empty means the
	// default conversation.
	ConversationID string

	// Timestamp is when the utterance was finalized.
	Timestamp time.Time

	// Seq is a process-monotonic counter breaking ties between turns with
	// identical timestamps.
	Seq int64

	// UserTranscript is the user's utterance. Empty for assistant turns.
	UserTranscript string

	// AssistantResponse is the assistant's reply. Empty for user turns.
	AssistantResponse string
}

// Role reports whether the turn is a user or assistant turn. A turn carrying
// both texts is reported as a user turn.
func (t ConversationTurn) Role() Role {
	if t.UserTranscript == "" && t.AssistantResponse != "" {
		return RoleAssistant
	}
	return RoleUser
}

// Text returns the non-empty utterance of the turn.
func (t ConversationTurn) Text() string {
	if t.Role() == RoleAssistant {
		return t.AssistantResponse
	}
	return t.UserTranscript
}

// Before reports whether t sorts before other in chronological order.
func (t ConversationTurn) Before(other ConversationTurn) bool {
	if !t.Timestamp.Equal(other.Timestamp) {
		return t.Timestamp.Before(other.Timestamp)
	}
	return t.Seq < other.Seq
}

// TurnStore persists conversation turns.
//
// Implementations must be safe for concurrent use.
type TurnStore interface {
	// AddConversationTurn appends turn. Returns an error wrapping
	// [ErrDuplicateTurn] if a turn with the same ID was already stored.
	AddConversationTurn(ctx context.Context, turn ConversationTurn) error

	// GetConversationHistory returns every turn of conversationID ordered by
	// (Timestamp, Seq), oldest first. Returns an empty non-nil slice when the
	// conversation has no turns.
	GetConversationHistory(ctx context.Context, conversationID string) ([]ConversationTurn, error)

	// CurrentConversationID resolves the conversation new turns belong to.
	CurrentConversationID(ctx context.Context) (string, error)
}

// Pinger is implemented by stores that can report backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
