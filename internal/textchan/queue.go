// Package textchan delivers typed user messages to the remote session.
//
// Messages are processed strictly in FIFO order with at most one in flight.
// Before each delivery the queue switches the interaction to text mode and
// mutes the voice channel, so the remote model never receives text and live
// microphone input for the same turn. Failed deliveries are retried a
// bounded number of times with a fixed delay.
package textchan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/duplex/internal/bus"
	"github.com/MrWong99/duplex/internal/fault"
	"github.com/MrWong99/duplex/internal/interaction"
	"github.com/MrWong99/duplex/internal/observe"
	"github.com/MrWong99/duplex/pkg/provider/realtime"
)

// Status is the delivery state of a [Message].
type Status string

const (
	// StatusPending marks a message waiting for its turn in the queue.
	StatusPending Status = "pending"
	// StatusSending marks the message currently being delivered.
	StatusSending Status = "sending"
	// StatusSent marks a delivered message.
	StatusSent Status = "sent"
	// StatusError marks a message dropped after its retries ran out.
	StatusError Status = "error"
)

// Message is a typed user message.
type Message struct {
	ID         string
	Text       string
	Timestamp  time.Time
	Status     Status
	RetryCount int
}

// Failure is the payload of [bus.TextError]: the dropped message and the
// error of its last attempt.
type Failure struct {
	Message Message
	Err     error
}

// Modes is the part of the interaction state machine the queue drives.
type Modes interface {
	State() interaction.State
	TransitionToText() bool
}

// VoiceChannel is the part of the voice gate the queue drives.
type VoiceChannel interface {
	Mute() bool
}

// Sessions gives the queue access to the live remote session.
type Sessions interface {
	// ActiveSession returns the connected session, or nil.
	ActiveSession() realtime.SessionHandle

	// Connect establishes a session. It is only called with auto-connect
	// enabled.
	Connect(ctx context.Context) error
}

// Recorder persists delivered messages as user turns.
type Recorder interface {
	AddUserTurn(ctx context.Context, transcript string, replayedAt time.Time) bool
}

const (
	defaultMaxRetries    = 3
	defaultRetryDelay    = time.Second
	defaultConnectSettle = 2 * time.Second
	settlePollInterval   = 25 * time.Millisecond
)

// Option configures a [Queue].
type Option func(*Queue)

// WithRetryPolicy sets how many times a failed delivery is retried and how
// long to wait between attempts. A message is attempted at most
// maxRetries+1 times.
func WithRetryPolicy(maxRetries int, delay time.Duration) Option {
	return func(q *Queue) {
		q.maxRetries = max(maxRetries, 0)
		q.retryDelay = delay
	}
}

// WithAutoConnect enables connecting on demand when a message is sent
// without a session. settle bounds how long the queue waits for the session
// to appear after Connect returns.
func WithAutoConnect(enabled bool, settle time.Duration) Option {
	return func(q *Queue) {
		q.autoConnect = enabled
		if settle > 0 {
			q.connectSettle = settle
		}
	}
}

// WithVoiceChannel sets the voice channel muted before each delivery.
func WithVoiceChannel(v VoiceChannel) Option {
	return func(q *Queue) { q.voice = v }
}

// WithRecorder persists delivered messages through r.
func WithRecorder(r Recorder) Option {
	return func(q *Queue) { q.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue is the text channel. Create with [New] and stop with [Queue.Close].
type Queue struct {
	bus      *bus.Bus
	modes    Modes
	sessions Sessions
	voice    VoiceChannel
	recorder Recorder
	logger   *slog.Logger
	metrics  *observe.Metrics
	now      func() time.Time

	autoConnect   bool
	connectSettle time.Duration

	mu         sync.Mutex
	pending    []*Message
	closed     bool
	maxRetries int
	retryDelay time.Duration

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a queue and starts its worker.
func New(b *bus.Bus, modes Modes, sessions Sessions, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		bus:           b,
		modes:         modes,
		sessions:      sessions,
		logger:        slog.Default(),
		now:           time.Now,
		maxRetries:    defaultMaxRetries,
		retryDelay:    defaultRetryDelay,
		connectSettle: defaultConnectSettle,
		wake:          make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	if q.metrics == nil {
		q.metrics = observe.DefaultMetrics()
	}
	go q.run()
	return q
}

// SendText enqueues text for delivery and returns the queued message.
// Empty or whitespace-only text is rejected with [fault.ErrInvalidInput].
func (q *Queue) SendText(text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, fault.Wrap(fault.ErrInvalidInput, errors.New("textchan: empty message"))
	}

	msg := &Message{
		ID:        uuid.NewString(),
		Text:      text,
		Timestamp: q.now(),
		Status:    StatusPending,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Message{}, errors.New("textchan: queue closed")
	}
	q.pending = append(q.pending, msg)
	snap := *msg
	q.mu.Unlock()

	q.metrics.TextQueueDepth.Add(context.Background(), 1)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return snap, nil
}

// SetRetryPolicy replaces the retry bound and delay. Messages already in
// flight pick up the new values at their next failure.
func (q *Queue) SetRetryPolicy(maxRetries int, delay time.Duration) {
	q.mu.Lock()
	q.maxRetries = max(maxRetries, 0)
	q.retryDelay = delay
	q.mu.Unlock()
}

func (q *Queue) policy() (int, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxRetries, q.retryDelay
}

// Pending returns the messages not yet delivered or dropped, oldest first.
// The message in flight, if any, is first.
func (q *Queue) Pending() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.pending))
	for i, m := range q.pending {
		out[i] = *m
	}
	return out
}

// Close stops the worker. Undelivered messages are discarded. It is safe to
// call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	<-q.done

	q.mu.Lock()
	dropped := len(q.pending)
	q.pending = nil
	q.mu.Unlock()
	if dropped > 0 {
		q.logger.Info("textchan: discarded undelivered messages", "count", dropped)
		q.metrics.TextQueueDepth.Add(context.Background(), -int64(dropped))
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		msg := q.head()
		if msg == nil {
			select {
			case <-q.ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		if !q.deliver(q.ctx, msg) && q.ctx.Err() != nil {
			return
		}
	}
}

func (q *Queue) head() *Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	return q.pending[0]
}

// deliver runs the attempt loop for msg and removes it from the queue.
// It reports whether the message was sent.
func (q *Queue) deliver(ctx context.Context, msg *Message) (sent bool) {
	start := q.now()
	ctx, span := observe.StartSpan(ctx, "textchan.deliver")
	var lastErr error
	defer func() {
		observe.EndSpan(span, lastErr)
		q.metrics.TextDeliveryDuration.Record(ctx, q.now().Sub(start).Seconds())
	}()

	for attempt := 0; ; attempt++ {
		q.update(msg, func(m *Message) {
			m.Status = StatusSending
			m.RetryCount = attempt
		})
		q.bus.Publish(bus.TextSending, q.snapshot(msg))

		lastErr = q.attempt(ctx, msg.Text)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			q.remove(msg)
			return false
		}

		q.logger.Warn("textchan: send failed",
			"message_id", msg.ID,
			"attempt", attempt+1,
			"err", lastErr,
		)
		maxRetries, delay := q.policy()
		if attempt >= maxRetries {
			q.update(msg, func(m *Message) { m.Status = StatusError })
			snap := q.snapshot(msg)
			q.remove(msg)
			q.metrics.RecordTextMessage(ctx, "error")
			q.bus.Publish(bus.TextError, Failure{Message: snap, Err: lastErr})
			return false
		}

		q.metrics.TextRetries.Add(ctx, 1)
		select {
		case <-ctx.Done():
			q.remove(msg)
			return false
		case <-time.After(delay):
		}
	}

	q.update(msg, func(m *Message) { m.Status = StatusSent })
	snap := q.snapshot(msg)
	q.remove(msg)
	q.metrics.RecordTextMessage(ctx, "sent")
	if q.recorder != nil {
		q.recorder.AddUserTurn(ctx, snap.Text, time.Time{})
	}
	q.bus.Publish(bus.TextSent, snap)
	return true
}

// attempt performs one delivery: switch to text, mute, find or create a
// session, send.
func (q *Queue) attempt(ctx context.Context, text string) error {
	if q.modes.State().IsVoice() {
		q.modes.TransitionToText()
	}
	if q.voice != nil {
		q.voice.Mute()
	}

	sess, err := q.session(ctx)
	if err != nil {
		return err
	}
	if err := sess.SendText(ctx, text); err != nil {
		return fmt.Errorf("textchan: send: %w", err)
	}
	return nil
}

func (q *Queue) session(ctx context.Context) (realtime.SessionHandle, error) {
	if sess := q.sessions.ActiveSession(); sess != nil {
		return sess, nil
	}
	if !q.autoConnect {
		return nil, fault.Wrap(fault.ErrNoSession, errors.New("textchan: not connected"))
	}

	if err := q.sessions.Connect(ctx); err != nil {
		return nil, fault.Wrap(fault.ErrNoSession, fmt.Errorf("textchan: auto-connect: %w", err))
	}

	deadline := time.NewTimer(q.connectSettle)
	defer deadline.Stop()
	tick := time.NewTicker(settlePollInterval)
	defer tick.Stop()
	for {
		if sess := q.sessions.ActiveSession(); sess != nil {
			return sess, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fault.Wrap(fault.ErrNoSession, errors.New("textchan: session did not settle"))
		case <-tick.C:
		}
	}
}

func (q *Queue) update(msg *Message, fn func(*Message)) {
	q.mu.Lock()
	fn(msg)
	q.mu.Unlock()
}

func (q *Queue) snapshot(msg *Message) Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *msg
}

func (q *Queue) remove(msg *Message) {
	q.mu.Lock()
	i := slices.Index(q.pending, msg)
	if i >= 0 {
		q.pending = slices.Delete(q.pending, i, i+1)
	}
	q.mu.Unlock()
	if i >= 0 {
		q.metrics.TextQueueDepth.Add(context.Background(), -1)
	}
}
