// Package openai implements the realtime.Provider interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 chunks. Server events are
// translated into [realtime.Event] values; partial user transcripts are
// accumulated per item so consumers always see the running text.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/duplex/pkg/provider/realtime"
)

// Compile-time assertions that Provider and session satisfy the realtime
// interfaces.
var (
	_ realtime.Provider      = (*Provider)(nil)
	_ realtime.SessionHandle = (*session)(nil)
)

const (
	defaultModel              = "gpt-4o-realtime-preview"
	defaultBaseURL            = "wss://api.openai.com/v1/realtime"
	defaultTranscriptionModel = "whisper-1"
)

// TurnDetection selects how the server decides a user turn has ended.
type TurnDetection string

const (
	// TurnDetectionServerVAD lets the server commit the input buffer when it
	// detects silence.
	TurnDetectionServerVAD TurnDetection = "server_vad"

	// TurnDetectionNone leaves commits to the client (push-to-talk).
	TurnDetectionNone TurnDetection = "none"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithTurnDetection selects server VAD or client commits.
func WithTurnDetection(td TurnDetection) Option {
	return func(p *Provider) { p.turnDetection = td }
}

// WithTranscriptionModel sets the model used to transcribe user audio.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) { p.transcriptionModel = model }
}

// WithLogger sets the logger for protocol diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	model              string
	baseURL            string
	turnDetection      TurnDetection
	transcriptionModel string
	log                *slog.Logger
}

// New creates a new OpenAI Realtime Provider. Credentials are supplied per
// session through [realtime.SessionConfig.Tokens].
func New(opts ...Option) *Provider {
	p := &Provider{
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		turnDetection:      TurnDetectionServerVAD,
		transcriptionModel: defaultTranscriptionModel,
		log:                slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect fetches a credential, dials the Realtime endpoint, applies the agent
// configuration and sends the hydration history. The returned handle is ready
// to accept audio immediately.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("openai realtime: no token source configured")
	}
	cred, err := cfg.Tokens.FetchToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("openai realtime: fetch token: %w", err)
	}

	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + cred.Value},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai realtime: dial: %w", err)
	}
	conn.SetReadLimit(1 << 22)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:        conn,
		log:         p.log,
		events:      make(chan realtime.Event, 64),
		transcripts: make(map[string]string),
		ctx:         sessCtx,
		cancel:      sessCancel,
	}

	if err := sess.writeJSON(p.sessionUpdate(cfg.Agent)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai realtime: session update: %w", err)
	}
	for _, item := range cfg.History {
		if err := sess.writeJSON(hydrationMessage(item)); err != nil {
			sessCancel()
			conn.Close(websocket.StatusInternalError, "hydration failed")
			return nil, fmt.Errorf("openai realtime: hydrate item %s: %w", item.ID, err)
		}
	}

	go sess.receiveLoop()

	return sess, nil
}

func (p *Provider) sessionUpdate(agent realtime.AgentConfig) sessionUpdateMessage {
	params := sessionParams{
		Modalities:              []string{"text", "audio"},
		Voice:                   agent.Voice,
		Instructions:            agent.Instructions,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &transcriptionParams{Model: p.transcriptionModel},
	}
	if agent.TextOnly {
		params.Modalities = []string{"text"}
	}
	if p.turnDetection == TurnDetectionServerVAD {
		params.TurnDetection = &turnDetectionParams{Type: string(TurnDetectionServerVAD)}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

func hydrationMessage(item realtime.HistoryItem) createConversationItemMessage {
	role, partType := "user", "input_text"
	if item.Role == "assistant" {
		role, partType = "assistant", "text"
	}
	return createConversationItemMessage{
		Type:           "conversation.item.create",
		PreviousItemID: item.PreviousItemID,
		Item: conversationItem{
			ID:      item.ID,
			Type:    "message",
			Role:    role,
			Content: []conversationPart{{Type: partType, Text: item.Text}},
		},
	}
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetectionParams `json:"turn_detection"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetectionParams struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type           string           `json:"type"`
	PreviousItemID string           `json:"previous_item_id,omitempty"`
	Item           conversationItem `json:"item"`
}

type conversationItem struct {
	ID      string             `json:"id,omitempty"`
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// input_audio_buffer.* / conversation.item.input_audio_transcription.*
	ItemID string `json:"item_id,omitempty"`

	// response.text.delta / response.audio_transcript.delta /
	// conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// conversation.item.created / response.output_item.done
	Item *conversationItem `json:"item,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	log    *slog.Logger
	events chan realtime.Event

	mu     sync.Mutex
	errVal error
	closed bool

	// transcripts accumulates partial user transcripts per item ID until the
	// completed event arrives.
	transcripts map[string]string

	// reply accumulates assistant text deltas until response.done.
	reply string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai realtime: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeEvents()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(fmt.Errorf("openai realtime: read: %w", err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.log.Debug("openai realtime: undecodable server event", "err", err)
			continue
		}

		if out, ok := s.translate(&evt); ok {
			select {
			case s.events <- out:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// translate maps a server event to a realtime.Event. Events with no realtime
// counterpart report false.
func (s *session) translate(evt *serverEvent) (realtime.Event, bool) {
	switch evt.Type {
	case "input_audio_buffer.speech_started":
		return realtime.Event{Type: realtime.EventSpeechStarted, ItemID: evt.ItemID}, true

	case "input_audio_buffer.speech_stopped":
		return realtime.Event{Type: realtime.EventSpeechStopped, ItemID: evt.ItemID}, true

	case "conversation.item.input_audio_transcription.delta":
		if evt.Delta == "" {
			return realtime.Event{}, false
		}
		s.mu.Lock()
		text := s.transcripts[evt.ItemID] + evt.Delta
		s.transcripts[evt.ItemID] = text
		s.mu.Unlock()
		return realtime.Event{Type: realtime.EventTranscriptDelta, ItemID: evt.ItemID, Role: "user", Text: text}, true

	case "conversation.item.input_audio_transcription.completed":
		s.mu.Lock()
		delete(s.transcripts, evt.ItemID)
		s.mu.Unlock()
		return realtime.Event{Type: realtime.EventTranscriptCompleted, ItemID: evt.ItemID, Role: "user", Text: evt.Transcript}, true

	case "response.text.delta", "response.audio_transcript.delta":
		if evt.Delta == "" {
			return realtime.Event{}, false
		}
		s.mu.Lock()
		s.reply += evt.Delta
		s.mu.Unlock()
		return realtime.Event{Type: realtime.EventResponseTextDelta, ItemID: evt.ItemID, Role: "assistant", Text: evt.Delta}, true

	case "response.done":
		s.mu.Lock()
		text := s.reply
		s.reply = ""
		s.mu.Unlock()
		return realtime.Event{Type: realtime.EventResponseDone, Role: "assistant", Text: text}, true

	case "conversation.item.created":
		if evt.Item == nil {
			return realtime.Event{}, false
		}
		return realtime.Event{Type: realtime.EventItemAdded, ItemID: evt.Item.ID, Role: evt.Item.Role, Text: itemText(evt.Item)}, true

	case "response.output_item.done":
		if evt.Item == nil {
			return realtime.Event{}, false
		}
		return realtime.Event{Type: realtime.EventItemDone, ItemID: evt.Item.ID, Role: evt.Item.Role, Text: itemText(evt.Item)}, true

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		return realtime.Event{Type: realtime.EventError, Err: fmt.Errorf("openai realtime: %s", msg)}, true
	}
	return realtime.Event{}, false
}

// itemText concatenates the text and audio transcripts of an item's content.
func itemText(item *conversationItem) string {
	var out string
	for _, part := range item.Content {
		switch {
		case part.Text != "":
			out += part.Text
		case part.Transcript != "":
			out += part.Transcript
		}
	}
	return out
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeEvents() {
	s.closeOnce.Do(func() { close(s.events) })
}

func (s *session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrClosed
	}
	return nil
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers a raw PCM16 audio chunk to the model.
func (s *session) SendAudio(chunk []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// CommitAudio commits the input buffer and requests a response.
func (s *session) CommitAudio() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.writeJSON(map[string]string{"type": "input_audio_buffer.commit"}); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// SendText creates a user text item and requests a response.
func (s *session) SendText(ctx context.Context, text string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []conversationPart{{Type: "input_text", Text: text}},
		},
	}
	if err := s.writeJSON(msg); err != nil {
		return fmt.Errorf("openai realtime: send text: %w", err)
	}
	if err := s.writeJSON(map[string]string{"type": "response.create"}); err != nil {
		return fmt.Errorf("openai realtime: request response: %w", err)
	}
	return nil
}

// Events returns the channel on which translated server events arrive.
func (s *session) Events() <-chan realtime.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	err := s.conn.Close(websocket.StatusNormalClosure, "session closed")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debug("openai realtime: close", "err", err)
	}
	return nil
}
