package textchan_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/duplex/internal/bus"
	"github.com/MrWong99/duplex/internal/fault"
	"github.com/MrWong99/duplex/internal/interaction"
	"github.com/MrWong99/duplex/internal/observe"
	"github.com/MrWong99/duplex/internal/textchan"
	"github.com/MrWong99/duplex/pkg/provider/realtime"
	realtimemock "github.com/MrWong99/duplex/pkg/provider/realtime/mock"
)

// ── Test doubles ─────────────────────────────────────────────────────────────

type fakeSessions struct {
	mu           sync.Mutex
	active       realtime.SessionHandle
	connectCalls int
	connectErr   error

	// onConnect, when set, becomes the active session after Connect.
	onConnect realtime.SessionHandle
}

func (f *fakeSessions) ActiveSession() realtime.SessionHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeSessions) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectErr != nil {
		return f.connectErr
	}
	if f.onConnect != nil {
		f.active = f.onConnect
	}
	return nil
}

func (f *fakeSessions) connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

type fakeVoice struct {
	mu    sync.Mutex
	mutes int
}

func (f *fakeVoice) Mute() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutes++
	return true
}

type fakeRecorder struct {
	mu    sync.Mutex
	turns []string
}

func (f *fakeRecorder) AddUserTurn(_ context.Context, transcript string, _ time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, transcript)
	return true
}

func (f *fakeRecorder) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.turns)
}

// ── Fixture ──────────────────────────────────────────────────────────────────

type fixture struct {
	bus      *bus.Bus
	machine  *interaction.Machine
	sessions *fakeSessions
	session  *realtimemock.Session
	voice    *fakeVoice
	recorder *fakeRecorder
	queue    *textchan.Queue

	mu     sync.Mutex
	events []bus.Event
}

func newFixture(t *testing.T, initial interaction.State, connected bool, opts ...textchan.Option) *fixture {
	t.Helper()
	f := &fixture{
		bus:      bus.New(),
		sessions: &fakeSessions{},
		session:  realtimemock.NewSession(),
		voice:    &fakeVoice{},
		recorder: &fakeRecorder{},
	}
	f.bus.SubscribeAll(func(e bus.Event) {
		f.mu.Lock()
		f.events = append(f.events, e)
		f.mu.Unlock()
	})
	if connected {
		f.sessions.active = f.session
	}
	f.machine = interaction.New(f.bus, interaction.WithInitialState(initial))

	opts = append([]textchan.Option{
		textchan.WithVoiceChannel(f.voice),
		textchan.WithRecorder(f.recorder),
		textchan.WithRetryPolicy(3, time.Millisecond),
	}, opts...)
	f.queue = textchan.New(f.bus, f.machine, f.sessions, opts...)
	t.Cleanup(f.queue.Close)
	return f
}

func (f *fixture) count(topic bus.Topic) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Topic == topic {
			n++
		}
	}
	return n
}

func (f *fixture) last(topic bus.Topic) (bus.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].Topic == topic {
			return f.events[i], true
		}
	}
	return bus.Event{}, false
}

func (f *fixture) topics() []bus.Topic {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bus.Topic, len(f.events))
	for i, e := range f.events {
		out[i] = e.Topic
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestSendText_RejectsEmpty(t *testing.T) {
	t.Parallel()
	f := newFixture(t, interaction.Text(), true)

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := f.queue.SendText(text)
		if !errors.Is(err, fault.ErrInvalidInput) {
			t.Errorf("SendText(%q) error = %v, want ErrInvalidInput", text, err)
		}
	}
	if n := len(f.queue.Pending()); n != 0 {
		t.Errorf("Pending = %d, want 0", n)
	}
}

func TestSendText_Delivers(t *testing.T) {
	t.Parallel()
	f := newFixture(t, interaction.Text(), true)

	msg, err := f.queue.SendText("hello")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if msg.Status != textchan.StatusPending || msg.ID == "" {
		t.Errorf("queued message = %+v", msg)
	}

	waitFor(t, "text sent", func() bool { return f.count(bus.TextSent) == 1 })

	if got := f.session.SentText(); !slices.Equal(got, []string{"hello"}) {
		t.Errorf("SentText = %v, want [hello]", got)
	}
	evt, _ := f.last(bus.TextSent)
	sent := evt.Payload.(textchan.Message)
	if sent.ID != msg.ID || sent.Status != textchan.StatusSent {
		t.Errorf("sent payload = %+v", sent)
	}
	if got := f.recorder.recorded(); !slices.Equal(got, []string{"hello"}) {
		t.Errorf("recorded turns = %v, want [hello]", got)
	}
	if n := len(f.queue.Pending()); n != 0 {
		t.Errorf("Pending = %d after delivery, want 0", n)
	}
}

func TestSendText_SwitchesToTextAndMutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, interaction.Voice(true, false), true)

	if _, err := f.queue.SendText("typed"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	waitFor(t, "text sent", func() bool { return f.count(bus.TextSent) == 1 })

	if st := f.machine.State(); st != interaction.Text() {
		t.Errorf("state = %v, want text", st)
	}
	f.voice.mu.Lock()
	mutes := f.voice.mutes
	f.voice.mu.Unlock()
	if mutes == 0 {
		t.Error("voice channel was not muted before delivery")
	}

	topics := f.topics()
	changed := slices.Index(topics, bus.StateChanged)
	sent := slices.Index(topics, bus.TextSent)
	if changed < 0 || changed > sent {
		t.Errorf("events = %v, want state change before text sent", topics)
	}
}

func TestSendText_RetryBound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, interaction.Text(), true)
	sendErr := errors.New("socket reset")
	f.session.SendTextErr = sendErr

	if _, err := f.queue.SendText("doomed"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	waitFor(t, "text error", func() bool { return f.count(bus.TextError) == 1 })

	if got := len(f.session.SentText()); got != 4 {
		t.Errorf("attempts = %d, want maxRetries+1 = 4", got)
	}
	if n := f.count(bus.TextSending); n != 4 {
		t.Errorf("TextSending events = %d, want 4", n)
	}
	if n := f.count(bus.TextSent); n != 0 {
		t.Errorf("TextSent events = %d, want 0", n)
	}

	evt, _ := f.last(bus.TextError)
	failure := evt.Payload.(textchan.Failure)
	if !errors.Is(failure.Err, sendErr) {
		t.Errorf("failure error = %v, want %v", failure.Err, sendErr)
	}
	if failure.Message.RetryCount != 3 || failure.Message.Status != textchan.StatusError {
		t.Errorf("failed message = %+v", failure.Message)
	}
	if n := len(f.queue.Pending()); n != 0 {
		t.Errorf("Pending = %d after drop, want 0", n)
	}
	if got := f.recorder.recorded(); len(got) != 0 {
		t.Errorf("recorded turns = %v, want none", got)
	}
}

func TestSendText_RecoversAfterRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t, interaction.Text(), true)
	f.session.SendTextErrs = []error{errors.New("transient")}

	if _, err := f.queue.SendText("eventually"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	waitFor(t, "text sent", func() bool { return f.count(bus.TextSent) == 1 })

	if got := len(f.session.SentText()); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	evt, _ := f.last(bus.TextSent)
	if rc := evt.Payload.(textchan.Message).RetryCount; rc != 1 {
		t.Errorf("RetryCount = %d, want 1", rc)
	}
}

func TestSendText_FIFO(t *testing.T) {
	t.Parallel()
	f := newFixture(t, interaction.Text(), true)

	for _, text := range []string{"a", "b", "c"} {
		if _, err := f.queue.SendText(text); err != nil {
			t.Fatalf("SendText(%q): %v", text, err)
		}
	}
	waitFor(t, "all sent", func() bool { return f.count(bus.TextSent) == 3 })

	if got := f.session.SentText(); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("SentText = %v, want [a b c]", got)
	}
}

func TestSendText_NoSession(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		autoConnect bool
		connectErr  error
		wantConnect int
	}{
		{name: "auto-connect disabled", autoConnect: false, wantConnect: 0},
		{name: "auto-connect fails", autoConnect: true, connectErr: errors.New("dial"), wantConnect: 1},
		{name: "session never settles", autoConnect: true, wantConnect: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, interaction.Text(), false,
				textchan.WithRetryPolicy(0, 0),
				textchan.WithAutoConnect(tt.autoConnect, 20*time.Millisecond),
			)
			f.sessions.connectErr = tt.connectErr

			if _, err := f.queue.SendText("hello?"); err != nil {
				t.Fatalf("SendText: %v", err)
			}
			waitFor(t, "text error", func() bool { return f.count(bus.TextError) == 1 })

			evt, _ := f.last(bus.TextError)
			if err := evt.Payload.(textchan.Failure).Err; !errors.Is(err, fault.ErrNoSession) {
				t.Errorf("failure error = %v, want ErrNoSession", err)
			}
			if got := f.sessions.connects(); got != tt.wantConnect {
				t.Errorf("Connect calls = %d, want %d", got, tt.wantConnect)
			}
		})
	}
}

func TestSendText_AutoConnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t, interaction.Text(), false,
		textchan.WithAutoConnect(true, time.Second),
	)
	f.sessions.onConnect = f.session

	if _, err := f.queue.SendText("wake up"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	waitFor(t, "text sent", func() bool { return f.count(bus.TextSent) == 1 })

	if got := f.sessions.connects(); got != 1 {
		t.Errorf("Connect calls = %d, want 1", got)
	}
	if got := f.session.SentText(); !slices.Equal(got, []string{"wake up"}) {
		t.Errorf("SentText = %v, want [wake up]", got)
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t, interaction.Text(), true)

	f.queue.Close()
	f.queue.Close()

	if _, err := f.queue.SendText("late"); err == nil {
		t.Error("SendText after Close returned nil error")
	}
}

func TestClose_DiscardsPendingAndResetsDepth(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	// The head message waits out a long retry delay, so the rest stay queued.
	f := newFixture(t, interaction.Text(), true,
		textchan.WithRetryPolicy(5, time.Hour),
		textchan.WithMetrics(m),
	)
	f.session.SendTextErr = errors.New("socket reset")
	for _, text := range []string{"one", "two", "three"} {
		if _, err := f.queue.SendText(text); err != nil {
			t.Fatalf("SendText(%q): %v", text, err)
		}
	}
	waitFor(t, "first attempt", func() bool { return len(f.session.SentText()) == 1 })

	f.queue.Close()
	f.queue.Close()

	if n := len(f.queue.Pending()); n != 0 {
		t.Errorf("Pending = %d after Close, want 0", n)
	}
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(t.Context(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var depth int64
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "duplex.text.queue_depth" {
				continue
			}
			found = true
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				depth += dp.Value
			}
		}
	}
	if !found || depth != 0 {
		t.Errorf("queue depth = %d (recorded %v), want 0", depth, found)
	}
}
