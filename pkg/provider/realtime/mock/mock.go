// Package mock provides test doubles for the realtime package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to inject remote events and inspect what the system under test
// sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(realtime.Event{Type: realtime.EventSpeechStarted})
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/duplex/pkg/provider/realtime"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg realtime.SessionConfig
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the handle returned by Connect. If nil, Connect returns a
	// fresh [Session] each call.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectHook, if set, runs at the start of Connect. A non-nil result is
	// returned as the Connect error.
	ConnectHook func(ctx context.Context) error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Sessions holds every session handed out, in order.
	Sessions []*Session
}

// Connect records the call, fetches a credential when cfg.Tokens is set, and
// returns Session or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	hook := p.ConnectHook
	p.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	if cfg.Tokens != nil {
		if _, err := cfg.Tokens.FetchToken(ctx); err != nil {
			return nil, fmt.Errorf("mock realtime: fetch token: %w", err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	sess := p.Session
	if sess == nil {
		sess = NewSession()
	}
	p.Sessions = append(p.Sessions, sess)
	return sess, nil
}

// Calls returns a copy of the recorded Connect calls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// SetConnectErr changes ConnectErr under the mock's lock.
func (p *Provider) SetConnectErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectErr = err
}

// LastSession returns the most recently handed-out session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

var _ realtime.Provider = (*Provider)(nil)

// Session is a mock implementation of realtime.SessionHandle.
type Session struct {
	mu     sync.Mutex
	events chan realtime.Event
	done   bool
	err    error

	// SendTextErrs is consumed in order by SendText; once exhausted,
	// SendTextErr is returned.
	SendTextErrs []error

	// SendTextErr is returned by SendText after SendTextErrs is exhausted.
	SendTextErr error

	// SendAudioErr is returned by SendAudio when non-nil.
	SendAudioErr error

	sentText    []string
	sentAudio   [][]byte
	commitCount int
	closeCount  int
}

// NewSession returns an open session with a buffered events channel.
func NewSession() *Session {
	return &Session{events: make(chan realtime.Event, 64)}
}

// Emit delivers evt on the events channel. It is a no-op after the session
// has ended.
func (s *Session) Emit(evt realtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.events <- evt
}

// Fail ends the session as if the transport dropped with err.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.err = err
	s.done = true
	close(s.events)
}

// SendAudio implements realtime.SessionHandle.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return realtime.ErrClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.sentAudio = append(s.sentAudio, append([]byte(nil), chunk...))
	return nil
}

// CommitAudio implements realtime.SessionHandle.
func (s *Session) CommitAudio() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return realtime.ErrClosed
	}
	s.commitCount++
	return nil
}

// SendText implements realtime.SessionHandle. Every attempt is recorded,
// including failed ones.
func (s *Session) SendText(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentText = append(s.sentText, text)
	if s.done {
		return realtime.ErrClosed
	}
	if len(s.SendTextErrs) > 0 {
		err := s.SendTextErrs[0]
		s.SendTextErrs = s.SendTextErrs[1:]
		return err
	}
	return s.SendTextErr
}

// Events implements realtime.SessionHandle.
func (s *Session) Events() <-chan realtime.Event { return s.events }

// Err implements realtime.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements realtime.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	if !s.done {
		s.done = true
		close(s.events)
	}
	return nil
}

// SentText returns a copy of every text passed to SendText.
func (s *Session) SentText() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sentText...)
}

// SentAudio returns a copy of every chunk passed to SendAudio.
func (s *Session) SentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sentAudio))
	copy(out, s.sentAudio)
	return out
}

// CommitCount returns the number of CommitAudio calls.
func (s *Session) CommitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitCount
}

// CloseCount returns the number of Close calls.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

var _ realtime.SessionHandle = (*Session)(nil)
