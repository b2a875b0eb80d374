// Package bus is the typed publish/subscribe hub that decouples the
// coordination components from each other and from the UI layer.
//
// Every event carries a [Topic] tag and a payload owned by the publishing
// package (for example interaction.Changed or voice.Transcript). Delivery is
// synchronous and in subscription order on the publisher's goroutine, so
// events from one component are observed in the order its operations ran.
// Publishers must not hold their own locks while calling [Bus.Publish]; a
// subscriber may call back into the publisher.
//
// Each handler runs behind its own recover boundary: a panicking subscriber is
// logged and counted, and delivery continues with the next handler.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/duplex/internal/observe"
)

// Topic names an event kind. The string values are the names the UI layer
// subscribes to.
type Topic string

// Topics published by the coordination core.
const (
	StateChanged Topic = "state:changed"

	VoiceArmed           Topic = "voice_channel:armed"
	VoiceMuted           Topic = "voice_channel:muted"
	VoiceTranscript      Topic = "voice_channel:transcript"
	VoiceSpeakingStarted Topic = "voice_channel:speaking_started"
	VoiceSpeakingStopped Topic = "voice_channel:speaking_stopped"
	VoiceMicReady        Topic = "voice_channel:mic_ready"
	VoiceError           Topic = "voice_channel:error"

	TextSending Topic = "text_channel:sending"
	TextSent    Topic = "text_channel:sent"
	TextError   Topic = "text_channel:error"

	StreamingUpdated Topic = "streaming:updated"
	StreamingStopped Topic = "streaming:stopped"
	TurnPersisted    Topic = "turn:persisted"

	HistoryLoaded     Topic = "history:loaded"
	SessionConnected  Topic = "session:connected"
	SessionDisconnect Topic = "session:disconnected"
	SessionError      Topic = "session:error"
)

// Event is a single published occurrence.
type Event struct {
	Topic   Topic
	Payload any
	Time    time.Time
}

// Handler receives events. Handlers must return quickly.
type Handler func(Event)

type subscription struct {
	id      uint64
	topic   Topic // empty for wildcard subscriptions
	handler Handler
}

// Bus is a synchronous, in-process event hub. The zero value is not usable;
// construct with [New]. All methods are safe for concurrent use.
type Bus struct {
	logger  *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

// Option configures a [Bus].
type Option func(*Bus)

// WithLogger sets the logger used to report recovered handler panics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithClock overrides the timestamp source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New creates an empty [Bus].
func New(opts ...Option) *Bus {
	b := &Bus{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b
}

// Subscribe registers h for events tagged with topic and returns a function
// that removes the subscription. The returned function is idempotent.
func (b *Bus) Subscribe(topic Topic, h Handler) (unsubscribe func()) {
	return b.add(topic, h)
}

// SubscribeAll registers h for every topic.
func (b *Bus) SubscribeAll(h Handler) (unsubscribe func()) {
	return b.add("", h)
}

func (b *Bus) add(topic Topic, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, topic: topic, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers an event tagged with topic to every matching subscriber
// in subscription order. It returns after all handlers have run.
func (b *Bus) Publish(topic Topic, payload any) {
	evt := Event{Topic: topic, Payload: payload, Time: b.now()}

	b.mu.RLock()
	targets := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.topic == "" || s.topic == topic {
			targets = append(targets, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		b.deliver(h, evt)
	}
}

// SubscriberCount returns the number of handlers that would receive an event
// tagged with topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.subs {
		if s.topic == "" || s.topic == topic {
			n++
		}
	}
	return n
}

func (b *Bus) deliver(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"topic", string(evt.Topic),
				"panic", fmt.Sprint(r),
			)
			b.metrics.RecordHandlerPanic(context.Background(), string(evt.Topic))
		}
	}()
	h(evt)
}
