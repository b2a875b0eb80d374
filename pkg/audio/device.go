// Package audio defines the microphone collaborator consumed by the voice
// channel gate.
//
// The two abstractions are:
//
//   - [Device] acquires exclusive access to a capture source and returns a
//     [Capture] handle.
//   - [Capture] is the live capture handle. Its track can be enabled or
//     disabled; disabled tracks produce no frames.
//
// Only the voice channel gate may call [Capture.SetEnabled]. Sharing that
// control between components causes double-control races where capture is
// re-enabled after the user released push-to-talk.
//
// Implementations live in sub-packages (audio/file, audio/mock).
package audio

import (
	"context"
	"errors"
)

// ErrPermissionDenied is returned by [Device.Acquire] when the platform
// refuses access to the capture source.
var ErrPermissionDenied = errors.New("audio: permission denied")

// ErrNoDevice is returned by [Device.Acquire] when no capture source exists.
var ErrNoDevice = errors.New("audio: no capture device")

// Capture is an acquired microphone.
//
// Implementations must be safe for concurrent use.
type Capture interface {
	// Frames returns the channel on which captured frames are delivered
	// while the track is enabled. It is closed by Close.
	Frames() <-chan AudioFrame

	// SetEnabled enables or disables the capture track.
	SetEnabled(enabled bool)

	// Enabled reports whether the capture track is enabled.
	Enabled() bool

	// Format returns the format of the frames delivered on Frames.
	Format() Format

	// Close stops capture and releases the device. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Device is a source of microphone captures.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Acquire opens the capture source. The returned Capture starts with its
	// track disabled. Returns an error wrapping [ErrPermissionDenied] or
	// [ErrNoDevice] when capture is unavailable.
	Acquire(ctx context.Context) (Capture, error)
}
