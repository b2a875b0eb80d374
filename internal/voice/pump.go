package voice

import (
	"context"

	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/provider/realtime"
)

// startPumpLocked launches the goroutine that forwards captured frames to the
// attached session. Must be called with g.mu held, a capture acquired and a
// session attached, and with no pump running.
func (g *Gate) startPumpLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	g.pumpCancel = cancel
	g.pumpDone = done
	go g.pump(ctx, done, g.capture, g.session)
}

// detachPumpLocked hands back the running pump's cancel func and done channel
// and clears them. The caller stops the pump after releasing g.mu.
func (g *Gate) detachPumpLocked() (context.CancelFunc, chan struct{}) {
	cancel, done := g.pumpCancel, g.pumpDone
	g.pumpCancel, g.pumpDone = nil, nil
	return cancel, done
}

func stopPump(cancel context.CancelFunc, done chan struct{}) {
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// pump forwards frames while the channel is hot. Frames that arrive while the
// channel is cold are discarded so no audio leaks after a mute.
func (g *Gate) pump(ctx context.Context, done chan struct{}, c audio.Capture, sess realtime.SessionHandle) {
	defer close(done)

	conv := audio.NewConverter(SessionFormat.SampleRate)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.Frames():
			if !ok {
				return
			}
			g.mu.Lock()
			hot := g.hotLocked()
			if hot {
				g.sentSinceArm = true
			}
			g.mu.Unlock()
			if !hot {
				continue
			}

			pcm, err := conv.Convert(frame)
			if err != nil {
				g.logger.Debug("voice: drop frame", "err", err)
				continue
			}
			if len(pcm) == 0 {
				continue
			}
			if err := sess.SendAudio(pcm); err != nil {
				g.logger.Debug("voice: send audio", "err", err)
			}
		}
	}
}
