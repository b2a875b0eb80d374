// Package voice implements the voice channel gate: the single owner of the
// microphone capture handle and of the transcript admission policy.
//
// The gate follows the interaction state machine. It subscribes to
// [bus.StateChanged] and arms or mutes capture to match the new state. No
// other component may enable or disable the capture track.
//
// Admission rule: a partial transcript is forwarded only while the channel is
// armed or hands-free. A final transcript is always forwarded, because the
// remote side only finalizes an utterance after capture has already stopped.
package voice

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/duplex/internal/bus"
	"github.com/MrWong99/duplex/internal/fault"
	"github.com/MrWong99/duplex/internal/interaction"
	"github.com/MrWong99/duplex/internal/observe"
	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/provider/realtime"
)

// SessionFormat is the PCM format realtime sessions accept.
var SessionFormat = audio.Format{SampleRate: 24000, Channels: 1}

// Mode describes how capture is currently driven.
type Mode int

const (
	// ModeOff means no microphone is acquired.
	ModeOff Mode = iota
	// ModePTT means capture follows push-to-talk gestures.
	ModePTT
	// ModeVAD means capture is continuous and turns are delimited by remote
	// voice activity detection.
	ModeVAD
)

// String returns "off", "ptt" or "vad".
func (m Mode) String() string {
	switch m {
	case ModePTT:
		return "ptt"
	case ModeVAD:
		return "vad"
	default:
		return "off"
	}
}

// TurnState is a snapshot of the gate. It is also the payload of the
// armed, muted, mic_ready and speaking events.
type TurnState struct {
	Mode      Mode
	Active    bool
	Armed     bool
	HandsFree bool
	Speaking  bool

	PartialTranscript string
	FinalTranscript   string
}

// Transcript is the payload of [bus.VoiceTranscript].
type Transcript struct {
	Text      string
	IsFinal   bool
	Timestamp time.Time
}

// Option configures a [Gate].
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithCommitOnRelease makes [Gate.Mute] commit the session's input buffer
// when audio was sent since arming. Use it when the session has no server
// VAD.
func WithCommitOnRelease(enabled bool) Option {
	return func(g *Gate) { g.commitOnRelease = enabled }
}

// Gate is the voice channel gate. Construct with [New]; call [Gate.Close] when
// done. All methods are safe for concurrent use.
type Gate struct {
	bus             *bus.Bus
	device          audio.Device
	logger          *slog.Logger
	metrics         *observe.Metrics
	now             func() time.Time
	commitOnRelease bool
	unsubscribe     func()

	// acquireMu serialises RequestMicrophone and Release.
	acquireMu sync.Mutex

	mu        sync.Mutex
	capture   audio.Capture
	armed     bool
	handsFree bool
	speaking  bool
	partial   string
	final     string

	session      realtime.SessionHandle
	sentSinceArm bool
	pumpCancel   context.CancelFunc
	pumpDone     chan struct{}
}

// New creates a gate for dev and subscribes it to interaction state changes
// on b. The gate starts muted with no microphone acquired. A nil dev makes
// every microphone request fail with [audio.ErrNoDevice].
func New(b *bus.Bus, dev audio.Device, opts ...Option) *Gate {
	g := &Gate{
		bus:    b,
		device: dev,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	g.unsubscribe = b.Subscribe(bus.StateChanged, g.onStateChanged)
	return g
}

// onStateChanged mirrors the interaction state onto the gate.
func (g *Gate) onStateChanged(evt bus.Event) {
	c, ok := evt.Payload.(interaction.Changed)
	if !ok {
		return
	}
	to := c.To
	if !to.IsVoice() {
		g.SetHandsFree(false)
		g.Mute()
		return
	}
	g.mu.Lock()
	g.handsFree = to.HandsFree
	g.applyEnabledLocked()
	g.mu.Unlock()
	if to.Armed {
		g.Arm()
	} else {
		g.Mute()
	}
}

// RequestMicrophone acquires the capture device. It is idempotent and returns
// the existing handle if one is held. On failure it publishes
// [bus.VoiceError] with an error wrapping [fault.ErrDevice] and returns that
// error.
func (g *Gate) RequestMicrophone(ctx context.Context) (audio.Capture, error) {
	g.acquireMu.Lock()
	defer g.acquireMu.Unlock()

	g.mu.Lock()
	if g.capture != nil {
		c := g.capture
		g.mu.Unlock()
		return c, nil
	}
	g.mu.Unlock()

	var (
		c   audio.Capture
		err = audio.ErrNoDevice
	)
	if g.device != nil {
		c, err = g.device.Acquire(ctx)
	}
	if err != nil {
		err = fault.Wrap(fault.ErrDevice, err)
		g.logger.Warn("voice: microphone unavailable", "err", err)
		g.bus.Publish(bus.VoiceError, err)
		return nil, err
	}

	g.mu.Lock()
	g.capture = c
	g.applyEnabledLocked()
	if g.session != nil {
		g.startPumpLocked()
	}
	snap := g.snapshotLocked()
	g.mu.Unlock()

	g.logger.Info("voice: microphone ready", "format", c.Format())
	g.bus.Publish(bus.VoiceMicReady, snap)
	return c, nil
}

// Release closes the capture handle. It is idempotent and never fails.
func (g *Gate) Release() {
	g.acquireMu.Lock()
	defer g.acquireMu.Unlock()

	g.mu.Lock()
	c := g.capture
	g.capture = nil
	cancel, done := g.detachPumpLocked()
	g.mu.Unlock()

	stopPump(cancel, done)
	if c == nil {
		return
	}
	c.SetEnabled(false)
	if err := c.Close(); err != nil {
		g.logger.Debug("voice: close capture", "err", err)
	}
	g.logger.Info("voice: microphone released")
}

// Arm makes the channel hot. It publishes [bus.VoiceArmed] once per real
// transition and reports whether one happened.
func (g *Gate) Arm() bool {
	g.mu.Lock()
	if g.armed {
		g.mu.Unlock()
		return false
	}
	g.armed = true
	g.sentSinceArm = false
	g.applyEnabledLocked()
	snap := g.snapshotLocked()
	g.mu.Unlock()

	g.bus.Publish(bus.VoiceArmed, snap)
	return true
}

// Mute makes the channel cold. It publishes [bus.VoiceMuted] once per real
// transition and reports whether one happened.
func (g *Gate) Mute() bool {
	g.mu.Lock()
	if !g.armed {
		g.mu.Unlock()
		return false
	}
	g.armed = false
	g.speaking = false
	g.applyEnabledLocked()
	var commit realtime.SessionHandle
	if g.commitOnRelease && g.sentSinceArm && !g.handsFree {
		commit = g.session
	}
	g.sentSinceArm = false
	snap := g.snapshotLocked()
	g.mu.Unlock()

	if commit != nil {
		if err := commit.CommitAudio(); err != nil {
			g.logger.Debug("voice: commit on release", "err", err)
		}
	}
	g.bus.Publish(bus.VoiceMuted, snap)
	return true
}

// SetHandsFree enables or disables continuous capture. Enabling arms the
// channel if it is not armed; disabling returns it to the muted push-to-talk
// ready state. Reports whether anything changed.
func (g *Gate) SetHandsFree(enabled bool) bool {
	g.mu.Lock()
	changed := g.handsFree != enabled
	g.handsFree = enabled
	g.applyEnabledLocked()
	g.mu.Unlock()

	if enabled {
		return g.Arm() || changed
	}
	return g.Mute() || changed
}

// HandleSpeechStart forwards a remote voice-activity start. It is ignored
// unless the channel is armed or hands-free.
func (g *Gate) HandleSpeechStart() bool {
	return g.setSpeaking(true, bus.VoiceSpeakingStarted)
}

// HandleSpeechStop forwards a remote voice-activity stop. It is ignored
// unless the channel is armed or hands-free.
func (g *Gate) HandleSpeechStop() bool {
	return g.setSpeaking(false, bus.VoiceSpeakingStopped)
}

func (g *Gate) setSpeaking(speaking bool, topic bus.Topic) bool {
	g.mu.Lock()
	if !g.hotLocked() {
		g.mu.Unlock()
		return false
	}
	g.speaking = speaking
	snap := g.snapshotLocked()
	g.mu.Unlock()

	g.bus.Publish(topic, snap)
	return true
}

// HandleTranscript is the single entry point for transcript text. Partials
// are dropped unless the channel is armed or hands-free; finals are always
// forwarded. Reports whether the transcript was forwarded.
func (g *Gate) HandleTranscript(text string, isFinal bool) bool {
	g.mu.Lock()
	if !isFinal && !g.hotLocked() {
		g.mu.Unlock()
		g.metrics.RecordTranscript(context.Background(), false, false)
		g.logger.Debug("voice: partial transcript dropped while muted", "len", len(text))
		return false
	}
	if isFinal {
		g.final = text
		g.partial = ""
	} else {
		g.partial = text
	}
	g.mu.Unlock()

	g.metrics.RecordTranscript(context.Background(), isFinal, true)
	g.bus.Publish(bus.VoiceTranscript, Transcript{Text: text, IsFinal: isFinal, Timestamp: g.now()})
	return true
}

// TurnState returns a snapshot of the gate.
func (g *Gate) TurnState() TurnState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

// AttachSession starts streaming captured audio into sess while the channel is
// hot. Any previously attached session is detached first.
func (g *Gate) AttachSession(sess realtime.SessionHandle) {
	g.mu.Lock()
	cancel, done := g.detachPumpLocked()
	g.session = sess
	if g.capture != nil {
		g.startPumpLocked()
	}
	g.mu.Unlock()

	stopPump(cancel, done)
}

// DetachSession stops streaming audio and forgets the session.
func (g *Gate) DetachSession() {
	g.mu.Lock()
	cancel, done := g.detachPumpLocked()
	g.session = nil
	g.mu.Unlock()

	stopPump(cancel, done)
}

// Close unsubscribes from the bus, detaches the session and releases the
// microphone.
func (g *Gate) Close() {
	g.unsubscribe()
	g.DetachSession()
	g.Release()
}

// hotLocked reports whether audio and partial transcripts are trusted.
func (g *Gate) hotLocked() bool { return g.armed || g.handsFree }

// applyEnabledLocked syncs the capture track with the gate.
func (g *Gate) applyEnabledLocked() {
	if g.capture == nil {
		return
	}
	if want := g.hotLocked(); g.capture.Enabled() != want {
		g.capture.SetEnabled(want)
	}
}

func (g *Gate) snapshotLocked() TurnState {
	mode := ModeOff
	switch {
	case g.capture == nil:
	case g.handsFree:
		mode = ModeVAD
	default:
		mode = ModePTT
	}
	return TurnState{
		Mode:              mode,
		Active:            g.capture != nil && g.hotLocked(),
		Armed:             g.armed,
		HandsFree:         g.handsFree,
		Speaking:          g.speaking,
		PartialTranscript: g.partial,
		FinalTranscript:   g.final,
	}
}
