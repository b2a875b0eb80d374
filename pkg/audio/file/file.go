// Package file implements [audio.Device] over a raw little-endian PCM16 file.
//
// The capture streams the file in fixed-size chunks at real-time pace and
// loops at EOF. Chunks are only emitted while the track is enabled, so a
// muted capture reads nothing and sends nothing.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/duplex/pkg/audio"
)

var _ audio.Device = (*Device)(nil)

// Option configures a [Device].
type Option func(*Device)

// WithFormat sets the PCM format of the file. Default: 24 kHz mono.
func WithFormat(f audio.Format) Option {
	return func(d *Device) { d.format = f }
}

// WithChunk sets the duration of each emitted frame. Default: 20ms.
func WithChunk(chunk time.Duration) Option {
	return func(d *Device) { d.chunk = chunk }
}

// WithLoop controls whether the capture restarts at EOF. Default: true.
func WithLoop(loop bool) Option {
	return func(d *Device) { d.loop = loop }
}

// Device acquires captures backed by a PCM file.
type Device struct {
	path   string
	format audio.Format
	chunk  time.Duration
	loop   bool
}

// New creates a file device for path.
func New(path string, opts ...Option) *Device {
	d := &Device{
		path:   path,
		format: audio.Format{SampleRate: 24000, Channels: 1},
		chunk:  20 * time.Millisecond,
		loop:   true,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Acquire opens the file and starts the capture goroutine.
func (d *Device) Acquire(ctx context.Context) (audio.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(d.path)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("audio/file: open %s: %w", d.path, audio.ErrNoDevice)
		case errors.Is(err, os.ErrPermission):
			return nil, fmt.Errorf("audio/file: open %s: %w", d.path, audio.ErrPermissionDenied)
		}
		return nil, fmt.Errorf("audio/file: open %s: %w", d.path, err)
	}

	bytesPerChunk := int(d.chunk.Seconds()*float64(d.format.SampleRate)) * 2 * d.format.Channels
	if bytesPerChunk <= 0 {
		f.Close()
		return nil, fmt.Errorf("audio/file: chunk %s too small for %d Hz", d.chunk, d.format.SampleRate)
	}

	c := &capture{
		file:   f,
		format: d.format,
		chunk:  d.chunk,
		size:   bytesPerChunk,
		loop:   d.loop,
		frames: make(chan audio.AudioFrame, 16),
		done:   make(chan struct{}),
	}
	go c.run()
	return c, nil
}

type capture struct {
	file   *os.File
	format audio.Format
	chunk  time.Duration
	size   int
	loop   bool

	mu      sync.Mutex
	enabled bool

	frames    chan audio.AudioFrame
	done      chan struct{}
	closeOnce sync.Once
}

func (c *capture) Frames() <-chan audio.AudioFrame { return c.frames }
func (c *capture) Format() audio.Format             { return c.format }

func (c *capture) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
}

func (c *capture) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *capture) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *capture) run() {
	defer close(c.frames)
	defer c.file.Close()

	ticker := time.NewTicker(c.chunk)
	defer ticker.Stop()

	var elapsed time.Duration
	buf := make([]byte, c.size)
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		if !c.Enabled() {
			continue
		}

		n, err := io.ReadFull(c.file, buf)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if !c.loop {
				if n == 0 {
					return
				}
			} else if _, serr := c.file.Seek(0, io.SeekStart); serr != nil {
				slog.Warn("audio/file: rewind failed", "err", serr)
				return
			}
		} else if err != nil {
			slog.Warn("audio/file: read failed", "err", err)
			return
		}
		if n == 0 {
			continue
		}
		n -= n % 2

		frame := audio.AudioFrame{
			Data:       append([]byte(nil), buf[:n]...),
			SampleRate: c.format.SampleRate,
			Channels:   c.format.Channels,
			Timestamp:  elapsed,
		}
		elapsed += frame.Duration()

		select {
		case c.frames <- frame:
		case <-c.done:
			return
		}
	}
}
