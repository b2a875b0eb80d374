// Package interaction owns the single truth about whether the assistant is in
// voice or text mode and, in voice mode, whether the microphone is armed and
// whether hands-free capture is enabled.
//
// Every mutating operation computes the complete next [State] and publishes
// exactly one [bus.StateChanged] event carrying a [Changed] payload. Invalid
// requests for the current mode are logged and ignored; none of the
// operations can fail.
package interaction

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/duplex/internal/bus"
	"github.com/MrWong99/duplex/internal/observe"
)

// Mode is the active input mode.
type Mode int

const (
	// ModeVoice is the voice input mode. Armed and HandsFree are meaningful.
	ModeVoice Mode = iota

	// ModeText is the text input mode. Voice is never armed in text mode.
	ModeText
)

// String returns the human-readable name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeVoice:
		return "voice"
	case ModeText:
		return "text"
	default:
		return "unknown"
	}
}

// State is the tagged interaction state. In [ModeText] both Armed and
// HandsFree are always false.
type State struct {
	Mode      Mode
	Armed     bool
	HandsFree bool
}

// Voice returns a voice-mode state.
func Voice(armed, handsFree bool) State {
	return State{Mode: ModeVoice, Armed: armed, HandsFree: handsFree}
}

// Text returns the text-mode state.
func Text() State {
	return State{Mode: ModeText}
}

// IsVoice reports whether s is a voice-mode state.
func (s State) IsVoice() bool { return s.Mode == ModeVoice }

// String renders the state as VoiceArmed(handsFree=…), VoiceMuted(…) or Text.
func (s State) String() string {
	switch {
	case s.Mode == ModeText:
		return "Text"
	case s.Armed && s.HandsFree:
		return "VoiceArmed(handsFree=true)"
	case s.Armed:
		return "VoiceArmed(handsFree=false)"
	case s.HandsFree:
		return "VoiceMuted(handsFree=true)"
	default:
		return "VoiceMuted(handsFree=false)"
	}
}

// label is the low-cardinality metric label for s.
func (s State) label() string {
	switch {
	case s.Mode == ModeText:
		return "text"
	case s.Armed:
		return "voice_armed"
	default:
		return "voice_muted"
	}
}

// Changed is the payload of [bus.StateChanged].
type Changed struct {
	From      State
	To        State
	Timestamp time.Time
}

// Machine is the interaction state machine. Construct with [New]. All methods
// are safe for concurrent use.
type Machine struct {
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	mu    sync.Mutex
	state State
	// outbox holds committed changes not yet published. Exactly one caller
	// drains it at a time, so subscribers see changes in commit order.
	outbox   []Changed
	draining bool
}

// Option configures a [Machine].
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Machine) { m.metrics = met }
}

// WithInitialState overrides the initial VoiceMuted(handsFree=false) state.
func WithInitialState(s State) Option {
	return func(m *Machine) { m.state = normalise(s) }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New returns a machine in the VoiceMuted(handsFree=false) state publishing on
// b.
func New(b *bus.Bus, opts ...Option) *Machine {
	m := &Machine{
		bus:    b,
		logger: slog.Default(),
		now:    time.Now,
		state:  Voice(false, false),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// TransitionToVoice enters voice mode with the given sub-state. Hands-free is
// not remembered across a text-mode round trip; callers pass it explicitly.
// Returns false if the machine already is in exactly that state.
func (m *Machine) TransitionToVoice(armed, handsFree bool) bool {
	return m.apply("transition_to_voice", func(State) (State, bool) {
		return Voice(armed, handsFree), true
	})
}

// TransitionToText enters text mode. Mode change and mute are a single
// transition: no separate mute event precedes the mode change.
func (m *Machine) TransitionToText() bool {
	return m.apply("transition_to_text", func(State) (State, bool) {
		return Text(), true
	})
}

// ArmVoice arms the microphone. No-op unless in voice mode and muted.
func (m *Machine) ArmVoice() bool {
	return m.apply("arm_voice", func(cur State) (State, bool) {
		if !cur.IsVoice() {
			return cur, false
		}
		return Voice(true, cur.HandsFree), true
	})
}

// MuteVoice mutes the microphone. No-op unless in voice mode and armed.
// Hands-free stays enabled; the state becomes VoiceMuted(handsFree=true).
func (m *Machine) MuteVoice() bool {
	return m.apply("mute_voice", func(cur State) (State, bool) {
		if !cur.IsVoice() {
			return cur, false
		}
		return Voice(false, cur.HandsFree), true
	})
}

// SetHandsFree enables or disables hands-free capture. Enabling arms the
// microphone; disabling returns to the muted push-to-talk-ready state.
// Ignored in text mode.
func (m *Machine) SetHandsFree(enabled bool) bool {
	return m.apply("set_hands_free", func(cur State) (State, bool) {
		if !cur.IsVoice() {
			return cur, false
		}
		return Voice(enabled, enabled), true
	})
}

// ToggleHandsFree flips hands-free capture. Ignored in text mode.
func (m *Machine) ToggleHandsFree() bool {
	return m.apply("toggle_hands_free", func(cur State) (State, bool) {
		if !cur.IsVoice() {
			return cur, false
		}
		enabled := !cur.HandsFree
		return Voice(enabled, enabled), true
	})
}

// apply computes the next state under the lock and queues one event for it.
// valid=false means the request is invalid for the current mode.
//
// Events are published in commit order. When another caller is already
// publishing, including a subscriber calling back in from its handler, the
// event is left for that caller and apply returns before it is delivered.
func (m *Machine) apply(op string, next func(cur State) (State, bool)) bool {
	m.mu.Lock()
	from := m.state
	to, valid := next(from)
	if !valid {
		m.mu.Unlock()
		m.logger.Debug("interaction: request ignored in current mode",
			"op", op,
			"state", from.String(),
		)
		return false
	}
	to = normalise(to)
	if to == from {
		m.mu.Unlock()
		return false
	}
	m.state = to
	m.outbox = append(m.outbox, Changed{From: from, To: to, Timestamp: m.now()})
	drain := !m.draining
	m.draining = true
	m.mu.Unlock()

	m.logger.Debug("interaction: state changed",
		"op", op,
		"from", from.String(),
		"to", to.String(),
	)
	m.metrics.RecordStateTransition(context.Background(), to.label())
	if drain {
		m.drain()
	}
	return true
}

// drain publishes queued changes until the outbox is empty.
func (m *Machine) drain() {
	for {
		m.mu.Lock()
		if len(m.outbox) == 0 {
			m.draining = false
			m.mu.Unlock()
			return
		}
		c := m.outbox[0]
		m.outbox = m.outbox[1:]
		m.mu.Unlock()
		m.bus.Publish(bus.StateChanged, c)
	}
}

// normalise enforces the text-mode invariant.
func normalise(s State) State {
	if s.Mode != ModeVoice {
		return Text()
	}
	return s
}
