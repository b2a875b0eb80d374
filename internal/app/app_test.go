package app_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/duplex/internal/app"
	"github.com/MrWong99/duplex/internal/bus"
	"github.com/MrWong99/duplex/internal/config"
	"github.com/MrWong99/duplex/internal/fault"
	"github.com/MrWong99/duplex/internal/interaction"
	"github.com/MrWong99/duplex/internal/voice"
	"github.com/MrWong99/duplex/pkg/audio"
	audiomock "github.com/MrWong99/duplex/pkg/audio/mock"
	"github.com/MrWong99/duplex/pkg/memory"
	memorymock "github.com/MrWong99/duplex/pkg/memory/mock"
	"github.com/MrWong99/duplex/pkg/provider/realtime"
	realtimemock "github.com/MrWong99/duplex/pkg/provider/realtime/mock"
)

// testConfig returns a defaulted config with short timings.
func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Memory.ConversationID = "conv-1"
	cfg.Voice.ReconnectDelay = config.Duration(20 * time.Millisecond)
	cfg.Text.RetryDelay = config.Duration(5 * time.Millisecond)
	cfg.Text.ConnectSettle = config.Duration(200 * time.Millisecond)
	config.ApplyDefaults(cfg)
	return cfg
}

type fixture struct {
	app   *app.App
	rt    *realtimemock.Provider
	dev   *audiomock.Device
	store *memorymock.TurnStore
	rec   *recorder
}

func newFixture(t *testing.T, cfg *config.Config, mutate func(*fixture)) *fixture {
	t.Helper()
	f := &fixture{
		rt:    &realtimemock.Provider{},
		dev:   &audiomock.Device{},
		store: &memorymock.TurnStore{ConversationIDResult: "conv-1"},
	}
	if mutate != nil {
		mutate(f)
	}
	b := bus.New()
	f.rec = record(b)

	a, err := app.New(t.Context(), cfg, &app.Providers{Realtime: f.rt, Audio: f.dev},
		app.WithTurnStore(f.store),
		app.WithBus(b),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	f.app = a
	return f
}

// recorder captures every bus event.
type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func record(b *bus.Bus) *recorder {
	r := &recorder{}
	b.SubscribeAll(func(evt bus.Event) {
		r.mu.Lock()
		r.events = append(r.events, evt)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) payloads(topic bus.Topic) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, evt := range r.events {
		if evt.Topic == topic {
			out = append(out, evt.Payload)
		}
	}
	return out
}

func (r *recorder) transcripts() []string {
	var out []string
	for _, p := range r.payloads(bus.VoiceTranscript) {
		out = append(out, p.(voice.Transcript).Text)
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
		time.Sleep(5 * time.Millisecond)
	}
}

func userTurns(s *memorymock.TurnStore) []string {
	var out []string
	for _, turn := range s.Added() {
		if turn.Role() == memory.RoleUser {
			out = append(out, turn.UserTranscript)
		}
	}
	return out
}

func assistantTurns(s *memorymock.TurnStore) []string {
	var out []string
	for _, turn := range s.Added() {
		if turn.Role() == memory.RoleAssistant {
			out = append(out, turn.AssistantResponse)
		}
	}
	return out
}

// ─── Construction ────────────────────────────────────────────────────────────

func TestNew_RequiresRealtimeProvider(t *testing.T) {
	t.Parallel()

	_, err := app.New(t.Context(), testConfig(), &app.Providers{})
	if err == nil {
		t.Fatal("New() without realtime provider: want error")
	}
}

func TestHealthCheckers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)
	var names []string
	for _, c := range f.app.HealthCheckers() {
		names = append(names, c.Name)
	}
	if !slices.Equal(names, []string{"session", "memory"}) {
		t.Errorf("checker names = %v, want [session memory]", names)
	}
}

// ─── Connect ─────────────────────────────────────────────────────────────────

func TestConnect_HydratesAndAnnounces(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), func(f *fixture) {
		f.store.HistoryResult = []memory.ConversationTurn{
			{ID: "t1", UserTranscript: "hi"},
			{ID: "t2", AssistantResponse: "hello"},
		}
	})

	if err := f.app.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if !f.app.Connected() {
		t.Fatal("Connected() = false after Connect")
	}

	info, ok := f.app.Info()
	if !ok || info.ConversationID != "conv-1" || info.HistoryTurns != 2 || info.HydratedItemCount != 2 {
		t.Errorf("Info() = %+v, %v", info, ok)
	}
	if got := f.store.CallCount("GetConversationHistory"); got != 1 {
		t.Errorf("history reads = %d, want 1", got)
	}
	calls := f.rt.Calls()
	if len(calls) != 1 || len(calls[0].Cfg.History) != 2 {
		t.Fatalf("connect calls = %+v, want one with 2 history items", calls)
	}

	loaded := f.rec.payloads(bus.HistoryLoaded)
	if len(loaded) != 1 || len(loaded[0].([]memory.ConversationTurn)) != 2 {
		t.Errorf("history:loaded payloads = %v", loaded)
	}
	if got := len(f.rec.payloads(bus.SessionConnected)); got != 1 {
		t.Errorf("session:connected events = %d, want 1", got)
	}

	// Text start mode never touches the microphone.
	if got := f.dev.AcquireCalls(); got != 0 {
		t.Errorf("Acquire calls = %d, want 0", got)
	}
	if f.app.State() != interaction.Text() {
		t.Errorf("State() = %v, want text", f.app.State())
	}

	// Connecting again is a no-op.
	if err := f.app.Connect(t.Context()); err != nil {
		t.Fatalf("second Connect() error: %v", err)
	}
	if got := len(f.rt.Calls()); got != 1 {
		t.Errorf("connect calls after second Connect = %d, want 1", got)
	}
}

func TestConnect_VoiceStart(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Voice.StartMode = config.StartVoice
	f := newFixture(t, cfg, nil)

	if err := f.app.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if got := f.app.State(); got != interaction.Voice(false, false) {
		t.Errorf("State() = %v, want voice muted", got)
	}
	if got := f.dev.AcquireCalls(); got != 1 {
		t.Errorf("Acquire calls = %d, want 1", got)
	}
	if ts := f.app.TurnState(); ts.Mode != voice.ModePTT || ts.Armed {
		t.Errorf("TurnState() = %+v, want ptt muted", ts)
	}
}

func TestConnect_VoiceStartWithoutAudioDeviceStartsInText(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Voice.StartMode = config.StartVoice
	a, err := app.New(t.Context(), cfg, &app.Providers{Realtime: &realtimemock.Provider{}},
		app.WithTurnStore(&memorymock.TurnStore{ConversationIDResult: "conv-1"}),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	if got := a.State(); got != interaction.Voice(false, false) {
		t.Fatalf("State() before Connect = %v, want the initial voice muted", got)
	}
	if err := a.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if got := a.State(); got != interaction.Text() {
		t.Errorf("State() = %v, want text", got)
	}
}

func TestConnect_MicrophoneFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Voice.StartMode = config.StartVoice
	f := newFixture(t, cfg, func(f *fixture) {
		f.dev.AcquireErr = audio.ErrPermissionDenied
	})

	if err := f.app.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if !f.app.Connected() {
		t.Error("Connected() = false, want session despite mic failure")
	}
	if f.app.State() != interaction.Text() {
		t.Errorf("State() = %v, want text", f.app.State())
	}
	errs := f.rec.payloads(bus.VoiceError)
	if len(errs) != 1 || !errors.Is(errs[0].(error), fault.ErrDevice) {
		t.Errorf("voice errors = %v, want one device error", errs)
	}
}

func TestConnect_BootstrapFailureReleasesMicrophone(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Voice.StartMode = config.StartVoice
	f := newFixture(t, cfg, func(f *fixture) {
		f.rt.ConnectErr = errors.New("dial refused")
	})

	err := f.app.Connect(t.Context())
	if !errors.Is(err, fault.ErrConnect) {
		t.Fatalf("Connect() error = %v, want ErrConnect", err)
	}
	if f.app.Connected() {
		t.Error("Connected() = true after failed connect")
	}
	for i, c := range f.dev.Acquired {
		if !c.Closed() {
			t.Errorf("capture %d not released", i)
		}
	}
	if got := len(f.rec.payloads(bus.SessionError)); got != 1 {
		t.Errorf("session:error events = %d, want 1", got)
	}
}

// ─── Voice round trip ────────────────────────────────────────────────────────

func TestPushToTalkRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)
	if err := f.app.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	sess := f.rt.LastSession()

	if err := f.app.ArmVoice(t.Context()); err != nil {
		t.Fatalf("ArmVoice() error: %v", err)
	}
	if got := f.app.State(); got != interaction.Voice(true, false) {
		t.Fatalf("State() = %v, want voice armed", got)
	}

	sess.Emit(realtime.Event{Type: realtime.EventTranscriptDelta, ItemID: "u1", Text: "hel"})
	waitFor(t, "partial transcript", func() bool { return len(f.rec.transcripts()) == 1 })

	f.app.MuteVoice()
	if got := f.app.State(); got != interaction.Voice(false, false) {
		t.Fatalf("State() = %v, want voice muted", got)
	}

	sess.Emit(realtime.Event{Type: realtime.EventTranscriptDelta, ItemID: "u1", Text: "hello wo"})
	sess.Emit(realtime.Event{Type: realtime.EventTranscriptCompleted, ItemID: "u1", Text: "hello world"})
	waitFor(t, "user turn", func() bool { return len(userTurns(f.store)) == 1 })

	if got := f.rec.transcripts(); !slices.Equal(got, []string{"hel", "hello world"}) {
		t.Errorf("forwarded transcripts = %q, want [hel hello world]", got)
	}
	if got := userTurns(f.store); got[0] != "hello world" {
		t.Errorf("persisted user turn = %q", got[0])
	}
}

func TestStreamingReplyIsPersistedOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)
	if err := f.app.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	sess := f.rt.LastSession()

	sess.Emit(realtime.Event{Type: realtime.EventResponseTextDelta, ItemID: "a1", Text: "Hi"})
	sess.Emit(realtime.Event{Type: realtime.EventResponseTextDelta, ItemID: "a1", Text: " there"})
	waitFor(t, "streaming text", func() bool { return f.app.StreamingText() == "Hi there" })

	sess.Emit(realtime.Event{Type: realtime.EventResponseDone, ItemID: "a1", Text: "Hi there"})
	sess.Emit(realtime.Event{Type: realtime.EventItemDone, ItemID: "a1", Role: "assistant", Text: "Hi there"})
	waitFor(t, "assistant turn", func() bool { return len(assistantTurns(f.store)) == 1 })

	// Let the item-done event drain, then make sure nothing else was written.
	sess.Emit(realtime.Event{Type: realtime.EventItemAdded, ItemID: "marker"})
	time.Sleep(20 * time.Millisecond)

	if got := assistantTurns(f.store); !slices.Equal(got, []string{"Hi there"}) {
		t.Errorf("assistant turns = %q, want [Hi there]", got)
	}
	if f.app.StreamingText() != "" {
		t.Errorf("StreamingText() = %q after finalize, want empty", f.app.StreamingText())
	}
	if got := len(f.rec.payloads(bus.StreamingStopped)); got != 1 {
		t.Errorf("streaming:stopped events = %d, want 1", got)
	}
}

// ─── Text channel ────────────────────────────────────────────────────────────

func TestSendText_SwitchesToTextAndPersists(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)
	if err := f.app.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if err := f.app.ArmVoice(t.Context()); err != nil {
		t.Fatalf("ArmVoice() error: %v", err)
	}
	sess := f.rt.LastSession()

	if _, err := f.app.SendText("what time is it"); err != nil {
		t.Fatalf("SendText() error: %v", err)
	}
	waitFor(t, "text sent", func() bool { return len(f.rec.payloads(bus.TextSent)) == 1 })

	if got := sess.SentText(); !slices.Equal(got, []string{"what time is it"}) {
		t.Errorf("sent text = %q", got)
	}
	if f.app.State() != interaction.Text() {
		t.Errorf("State() = %v, want text", f.app.State())
	}
	if f.app.TurnState().Armed {
		t.Error("voice channel still armed after text send")
	}
	waitFor(t, "user turn", func() bool { return len(userTurns(f.store)) == 1 })
}

func TestSendText_RejectsBlank(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)
	if _, err := f.app.SendText("   "); !errors.Is(err, fault.ErrInvalidInput) {
		t.Errorf("SendText(blank) error = %v, want ErrInvalidInput", err)
	}
}

// ─── Disconnect & reconnect ──────────────────────────────────────────────────

func TestDisconnect_DoesNotReconnect(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Voice.StartMode = config.StartVoice
	f := newFixture(t, cfg, nil)
	if err := f.app.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	sess := f.rt.LastSession()

	if err := f.app.Disconnect(t.Context()); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	if f.app.Connected() {
		t.Error("Connected() = true after Disconnect")
	}
	if sess.CloseCount() != 1 {
		t.Errorf("session close count = %d, want 1", sess.CloseCount())
	}
	if !f.dev.Acquired[0].Closed() {
		t.Error("microphone not released")
	}
	if f.app.State() != interaction.Text() {
		t.Errorf("State() = %v, want text", f.app.State())
	}

	time.Sleep(100 * time.Millisecond)
	if got := len(f.rt.Calls()); got != 1 {
		t.Errorf("connect calls = %d, want 1 (no reconnect)", got)
	}
	disc := f.rec.payloads(bus.SessionDisconnect)
	if len(disc) != 1 || disc[0].(app.Disconnected).Err != nil {
		t.Errorf("session:disconnected payloads = %v, want one intentional", disc)
	}
}

func TestUnexpectedLoss_ReconnectsOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)
	if err := f.app.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	first := f.rt.LastSession()

	first.Fail(errors.New("connection reset"))
	waitFor(t, "reconnect", func() bool {
		return len(f.rt.Calls()) == 2 && f.app.Connected()
	})

	if f.app.ActiveSession() == first {
		t.Error("ActiveSession() is still the lost session")
	}
	disc := f.rec.payloads(bus.SessionDisconnect)
	if len(disc) != 1 || disc[0].(app.Disconnected).Err == nil {
		t.Errorf("session:disconnected payloads = %v, want one with cause", disc)
	}
	if got := len(f.rec.payloads(bus.SessionConnected)); got != 2 {
		t.Errorf("session:connected events = %d, want 2", got)
	}
}

func TestReconnectAfterDisconnectIsAllowed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), nil)
	if err := f.app.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if err := f.app.Disconnect(t.Context()); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	if err := f.app.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() after Disconnect error: %v", err)
	}

	// A later loss must still trigger a reconnect.
	f.rt.LastSession().Fail(errors.New("gone"))
	waitFor(t, "reconnect", func() bool {
		return len(f.rt.Calls()) == 3 && f.app.Connected()
	})
}

func TestApplyConfig_HistoryLimit(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	f := newFixture(t, cfg, func(f *fixture) {
		for i := range 6 {
			f.store.HistoryResult = append(f.store.HistoryResult,
				memory.ConversationTurn{ID: string(rune('a' + i)), UserTranscript: "q"})
		}
	})

	next := testConfig()
	next.History.TurnLimitForRemote = 2
	f.app.ApplyConfig(config.Diff(cfg, next), next)

	if err := f.app.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	calls := f.rt.Calls()
	if got := len(calls[0].Cfg.History); got != 2 {
		t.Errorf("hydrated items = %d, want 2", got)
	}
}
