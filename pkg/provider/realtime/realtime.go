// Package realtime defines the remote conversational session collaborator.
//
// A [Provider] opens a [SessionHandle]: a long-lived, bidirectional session
// that accepts microphone audio and text and emits [Event] values describing
// voice activity, transcripts, and streamed replies. Sessions are hydrated at
// connect time with prior conversation items so the remote model starts with
// the same context the user sees.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"errors"

	"github.com/MrWong99/duplex/pkg/provider/token"
)

// ErrClosed is returned by [SessionHandle] methods after Close.
var ErrClosed = errors.New("realtime: session closed")

// EventType names a remote session event.
type EventType string

const (
	// EventSpeechStarted reports that server-side voice activity detection
	// heard speech begin.
	EventSpeechStarted EventType = "speech-start"

	// EventSpeechStopped reports that server-side voice activity detection
	// heard speech end.
	EventSpeechStopped EventType = "speech-stop"

	// EventTranscriptDelta carries a partial user transcript. Text is
	// cumulative for the item.
	EventTranscriptDelta EventType = "transcript-delta"

	// EventTranscriptCompleted carries the final user transcript of an item.
	EventTranscriptCompleted EventType = "transcript-completed"

	// EventResponseTextDelta carries an increment of the assistant reply.
	EventResponseTextDelta EventType = "response-text-delta"

	// EventResponseDone marks the end of an assistant reply. Text holds the
	// full reply when known.
	EventResponseDone EventType = "response-done"

	// EventItemAdded reports a new conversation item.
	EventItemAdded EventType = "item-added"

	// EventItemDone reports a completed conversation item with its text.
	EventItemDone EventType = "item-done"

	// EventError carries a non-fatal error reported by the remote side.
	EventError EventType = "error"
)

// Event is a single remote session event.
type Event struct {
	Type EventType

	// ItemID identifies the conversation item the event belongs to, if any.
	ItemID string

	// Role is "user" or "assistant" for item events.
	Role string

	// Text is the event payload text; see the EventType docs for its meaning.
	Text string

	// Err is set for [EventError].
	Err error
}

// HistoryItem is a prior conversation message used to hydrate a new session.
type HistoryItem struct {
	// ID is a stable identifier for the item.
	ID string

	// PreviousItemID links the item to its predecessor. Empty for the first
	// item.
	PreviousItemID string

	// Role is "user" or "assistant".
	Role string

	// Text is the message content.
	Text string
}

// AgentConfig describes the assistant persona of a session.
type AgentConfig struct {
	// Instructions is the system prompt.
	Instructions string

	// Voice is the provider voice ID used for spoken replies.
	Voice string

	// TextOnly disables spoken replies.
	TextOnly bool
}

// SessionConfig is the configuration for a new session.
type SessionConfig struct {
	// Tokens provides the bearer credential used to authenticate the session.
	Tokens token.Source

	// Agent configures the assistant.
	Agent AgentConfig

	// History is sent to the session in order, before any live input.
	History []HistoryItem
}

// SessionHandle is an open realtime session.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio appends a PCM16 mono 24 kHz chunk to the input buffer.
	SendAudio(chunk []byte) error

	// CommitAudio commits the pending input buffer as a user turn. Used when
	// push-to-talk is released without server-side VAD.
	CommitAudio() error

	// SendText sends a user text message and requests a response.
	SendText(ctx context.Context, text string) error

	// Events returns the channel of remote events. It is closed when the
	// session ends; check Err afterwards.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil if it ended
	// cleanly or is still open.
	Err() error

	// Close terminates the session. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider opens realtime sessions.
type Provider interface {
	// Connect establishes a new session. The returned handle has already
	// applied cfg.Agent and sent cfg.History.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
