// Package mock provides in-memory mock implementations of the [audio.Device]
// and [audio.Capture] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	capture := mock.NewCapture(audio.Format{SampleRate: 24000, Channels: 1})
//	dev := &mock.Device{AcquireResult: capture}
//	got, err := dev.Acquire(ctx)
//	capture.Push(audio.AudioFrame{Data: pcm})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/duplex/pkg/audio"
)

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu sync.Mutex

	// AcquireResult is returned by [Device.Acquire]. When nil and AcquireErr is
	// nil, a fresh mono 24 kHz [Capture] is created on each call.
	AcquireResult *Capture

	// AcquireErr is returned by [Device.Acquire] when non-nil.
	AcquireErr error

	// CallCountAcquire records how many times Acquire was called.
	CallCountAcquire int

	// Acquired holds every capture handed out, in order.
	Acquired []*Capture
}

// Acquire implements [audio.Device].
func (d *Device) Acquire(_ context.Context) (audio.Capture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountAcquire++
	if d.AcquireErr != nil {
		return nil, d.AcquireErr
	}
	c := d.AcquireResult
	if c == nil {
		c = NewCapture(audio.Format{SampleRate: 24000, Channels: 1})
	}
	d.Acquired = append(d.Acquired, c)
	return c, nil
}

// AcquireCalls returns the number of Acquire invocations.
func (d *Device) AcquireCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountAcquire
}

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock implementation of [audio.Capture]. Frames are injected by
// the test with [Capture.Push].
type Capture struct {
	mu      sync.Mutex
	format  audio.Format
	frames  chan audio.AudioFrame
	enabled bool
	closed  bool

	// EnabledHistory records every value passed to SetEnabled, in order.
	EnabledHistory []bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewCapture returns a disabled capture with a buffered frame channel.
func NewCapture(format audio.Format) *Capture {
	return &Capture{
		format: format,
		frames: make(chan audio.AudioFrame, 64),
	}
}

// Frames implements [audio.Capture].
func (c *Capture) Frames() <-chan audio.AudioFrame { return c.frames }

// Format implements [audio.Capture].
func (c *Capture) Format() audio.Format { return c.format }

// SetEnabled implements [audio.Capture].
func (c *Capture) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
	c.EnabledHistory = append(c.EnabledHistory, enabled)
}

// Enabled implements [audio.Capture].
func (c *Capture) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Close implements [audio.Capture]. Closes the frame channel once.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	if !c.closed {
		c.closed = true
		close(c.frames)
	}
	return nil
}

// Push delivers a frame if the track is enabled and the capture is open.
// Reports whether the frame was delivered.
func (c *Capture) Push(frame audio.AudioFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.enabled {
		return false
	}
	select {
	case c.frames <- frame:
		return true
	default:
		return false
	}
}

// Closed reports whether Close has been called.
func (c *Capture) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// EnabledCalls returns a copy of EnabledHistory.
func (c *Capture) EnabledCalls() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.EnabledHistory...)
}
