package app

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/duplex/internal/bootstrap"
	"github.com/MrWong99/duplex/internal/bus"
	"github.com/MrWong99/duplex/internal/config"
	"github.com/MrWong99/duplex/internal/observe"
	"github.com/MrWong99/duplex/pkg/provider/realtime"
)

// Connect opens a hydrated remote session. When voice is the configured
// start mode, the microphone is acquired in parallel with the bootstrap; a
// microphone failure is reported and leaves the App in text mode, while a
// bootstrap failure releases the microphone and is returned. Connecting
// while connected is a no-op.
func (a *App) Connect(ctx context.Context) error {
	return a.connect(ctx, false)
}

// connect implements Connect. restoring marks a reconnect after an
// unexpected loss, which keeps the current interaction mode and microphone.
func (a *App) connect(ctx context.Context, restoring bool) (err error) {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()

	if a.ActiveSession() != nil {
		return nil
	}
	if restoring && a.reconnector.TearingDown() {
		return nil
	}
	if !restoring {
		a.reconnector.Resume()
	}

	ctx, span := observe.StartSpan(ctx, "app.connect")
	defer func() { observe.EndSpan(span, err) }()

	wantVoice := !restoring && a.cfg.Voice.StartMode == config.StartVoice && a.providers.Audio != nil

	a.mu.Lock()
	limit := a.historyLimit
	a.mu.Unlock()

	var micErr error
	g, gctx := errgroup.WithContext(ctx)
	if wantVoice {
		g.Go(func() error {
			// Non-fatal: reported on the bus by the gate.
			_, micErr = a.gate.RequestMicrophone(gctx)
			return nil
		})
	}
	var res bootstrap.Result
	g.Go(func() error {
		r, err := a.boot.Bootstrap(gctx, a.store, limit)
		res = r
		return err
	})
	if err := g.Wait(); err != nil {
		if !restoring {
			a.gate.Release()
		}
		a.logger.Error("app: connect failed", "err", err)
		a.bus.Publish(bus.SessionError, err)
		return err
	}

	sess := res.Session
	info := SessionInfo{
		ConversationID:    res.ConversationID,
		ConnectedAt:       time.Now(),
		HistoryTurns:      len(res.FullHistory),
		HydratedItemCount: res.HydratedItemCount,
	}
	done := make(chan struct{})

	a.mu.Lock()
	a.sess = sess
	a.loopDone = done
	a.info = info
	a.mu.Unlock()

	a.turns.SetConversationID(res.ConversationID)
	a.gate.AttachSession(sess)
	a.metrics.ActiveSessions.Add(ctx, 1)
	go a.eventLoop(sess, done)

	a.logger.Info("app: session connected",
		"conversation_id", info.ConversationID,
		"history_turns", info.HistoryTurns,
		"hydrated_items", info.HydratedItemCount,
		"restoring", restoring,
	)
	a.bus.Publish(bus.HistoryLoaded, res.FullHistory)
	a.bus.Publish(bus.SessionConnected, info)

	switch {
	case restoring:
	case micErr != nil:
		a.logger.Warn("app: starting in text mode, microphone unavailable", "err", micErr)
		a.machine.TransitionToText()
	case !wantVoice:
		a.machine.TransitionToText()
	default:
		a.machine.TransitionToVoice(false, a.cfg.Voice.HandsFree)
	}
	return nil
}

// Disconnect ends the session intentionally: no reconnect is attempted, the
// open streaming reply is finalized, and the microphone is released.
// Disconnecting while disconnected only releases the microphone.
func (a *App) Disconnect(ctx context.Context) error {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()

	a.reconnector.BeginTeardown()

	a.mu.Lock()
	sess, done := a.sess, a.loopDone
	a.sess, a.loopDone = nil, nil
	a.mu.Unlock()

	if sess == nil {
		a.gate.Release()
		return nil
	}

	a.gate.DetachSession()
	err := sess.Close()
	<-done
	a.turns.FinalizeStreaming(ctx)
	a.gate.Release()
	a.machine.TransitionToText()
	a.metrics.ActiveSessions.Add(ctx, -1)

	a.logger.Info("app: session disconnected")
	a.bus.Publish(bus.SessionDisconnect, Disconnected{})
	return err
}

// eventLoop dispatches remote events until the session ends.
func (a *App) eventLoop(sess realtime.SessionHandle, done chan struct{}) {
	defer close(done)
	ctx := context.Background()

	for evt := range sess.Events() {
		a.dispatch(ctx, evt)
	}

	// Intentional disconnects clear a.sess before closing; anything else is
	// an unexpected loss.
	a.mu.Lock()
	lost := a.sess == sess
	if lost {
		a.sess, a.loopDone = nil, nil
	}
	a.mu.Unlock()
	if !lost {
		return
	}

	cause := sess.Err()
	if cause == nil {
		cause = errors.New("app: session ended")
	}
	a.gate.DetachSession()
	a.turns.FinalizeStreaming(ctx)
	a.metrics.ActiveSessions.Add(ctx, -1)
	a.logger.Warn("app: session lost", "err", cause)
	a.bus.Publish(bus.SessionDisconnect, Disconnected{Err: cause})
	a.reconnector.NotifyDisconnect()
}

// dispatch routes one remote event to the owning component.
func (a *App) dispatch(ctx context.Context, evt realtime.Event) {
	switch evt.Type {
	case realtime.EventSpeechStarted:
		a.gate.HandleSpeechStart()

	case realtime.EventSpeechStopped:
		a.gate.HandleSpeechStop()

	case realtime.EventTranscriptDelta:
		a.gate.HandleTranscript(evt.Text, false)

	case realtime.EventTranscriptCompleted:
		a.gate.HandleTranscript(evt.Text, true)
		a.turns.AddUserTurn(ctx, evt.Text, time.Time{})

	case realtime.EventResponseTextDelta:
		a.turns.AppendStreaming(evt.Text)

	case realtime.EventResponseDone:
		if !a.turns.FinalizeStreaming(ctx) && evt.Text != "" {
			// Reply arrived without deltas.
			a.turns.CompleteItem(ctx, evt.ItemID, evt.Text)
		}

	case realtime.EventItemDone:
		if evt.Role == "assistant" {
			a.turns.CompleteItem(ctx, evt.ItemID, evt.Text)
		}

	case realtime.EventItemAdded:
		a.logger.Debug("app: item added", "item_id", evt.ItemID, "role", evt.Role)

	case realtime.EventError:
		a.logger.Warn("app: remote error", "err", evt.Err)
		a.bus.Publish(bus.SessionError, evt.Err)

	default:
		a.logger.Debug("app: unhandled event", "type", evt.Type)
	}
}
