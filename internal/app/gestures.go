package app

import (
	"context"

	"github.com/MrWong99/duplex/internal/textchan"
)

// ─── User gestures ───────────────────────────────────────────────────────────

// ArmVoice handles a push-to-talk press. It acquires the microphone if
// needed and switches to voice mode when the App is in text mode. A
// microphone failure is returned and leaves the state unchanged.
func (a *App) ArmVoice(ctx context.Context) error {
	if _, err := a.gate.RequestMicrophone(ctx); err != nil {
		return err
	}
	if !a.machine.State().IsVoice() {
		a.machine.TransitionToVoice(true, false)
		return nil
	}
	a.machine.ArmVoice()
	return nil
}

// MuteVoice handles a push-to-talk release.
func (a *App) MuteVoice() {
	a.machine.MuteVoice()
}

// ToggleHandsFree flips continuous listening. Enabling it from text mode
// switches to voice mode.
func (a *App) ToggleHandsFree(ctx context.Context) error {
	st := a.machine.State()
	if !st.IsVoice() {
		return a.SwitchToVoice(ctx, true)
	}
	if !st.HandsFree {
		if _, err := a.gate.RequestMicrophone(ctx); err != nil {
			return err
		}
	}
	a.machine.ToggleHandsFree()
	return nil
}

// SwitchToVoice enters voice mode, muted unless handsFree is set.
func (a *App) SwitchToVoice(ctx context.Context, handsFree bool) error {
	if _, err := a.gate.RequestMicrophone(ctx); err != nil {
		return err
	}
	a.machine.TransitionToVoice(false, handsFree)
	return nil
}

// SwitchToText enters text mode. The microphone stays acquired but muted.
func (a *App) SwitchToText() {
	a.machine.TransitionToText()
}

// SendText enqueues a typed message for delivery.
func (a *App) SendText(text string) (textchan.Message, error) {
	return a.text.SendText(text)
}
