package audio

import "time"

// AudioFrame is a single chunk of captured PCM audio.
type AudioFrame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (24000 for realtime session input).
	SampleRate int

	// Channels is 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame, or zero when the format
// is unknown.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
