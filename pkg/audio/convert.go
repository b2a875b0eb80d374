package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMisaligned reports a PCM payload that does not hold a whole number of
// interleaved sample frames.
var ErrMisaligned = errors.New("audio: misaligned pcm")

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// Converter turns captured frames of any layout into mono PCM16 at a fixed
// rate. The resampler position and the last input sample carry over between
// calls, so consecutive chunks of one stream join without seams.
//
// A Converter serves a single stream and is not safe for concurrent use.
type Converter struct {
	rate int

	srcRate int
	pos     float64
	prev    int16
	hasPrev bool
}

// NewConverter returns a Converter producing mono PCM16 at rate Hz.
func NewConverter(rate int) *Converter {
	return &Converter{rate: rate}
}

// Convert downmixes and resamples frame and returns little-endian mono PCM16.
// A frame with a non-positive sample rate is taken to be at the target rate.
// The result may be empty when the resampler needs more input.
func (c *Converter) Convert(frame AudioFrame) ([]byte, error) {
	ch := max(frame.Channels, 1)
	if len(frame.Data)%(2*ch) != 0 {
		return nil, fmt.Errorf("%w: %d bytes for %d channels", ErrMisaligned, len(frame.Data), ch)
	}
	mono := Downmix(frame.Data, ch)
	if frame.SampleRate <= 0 || frame.SampleRate == c.rate || c.rate <= 0 {
		return encode(mono), nil
	}
	if frame.SampleRate != c.srcRate {
		c.srcRate = frame.SampleRate
		c.pos, c.prev, c.hasPrev = 0, 0, false
	}
	return encode(c.resample(mono)), nil
}

// resample linearly interpolates in at the configured ratio. Index 0 of the
// working buffer is the previous call's last sample when one exists.
func (c *Converter) resample(in []int16) []int16 {
	if c.hasPrev {
		in = append([]int16{c.prev}, in...)
	}
	if len(in) == 0 {
		return nil
	}
	step := float64(c.srcRate) / float64(c.rate)
	out := make([]int16, 0, int(float64(len(in))/step)+1)
	for {
		i := int(c.pos)
		if i+1 >= len(in) {
			break
		}
		frac := c.pos - float64(i)
		s := float64(in[i])*(1-frac) + float64(in[i+1])*frac
		out = append(out, int16(s))
		c.pos += step
	}
	c.pos -= float64(len(in) - 1)
	c.prev, c.hasPrev = in[len(in)-1], true
	return out
}

// Downmix averages interleaved PCM16 across channels. Trailing bytes that do
// not form a whole sample frame are ignored.
func Downmix(pcm []byte, channels int) []int16 {
	channels = max(channels, 1)
	n := len(pcm) / (2 * channels)
	out := make([]int16, n)
	for i := range n {
		var sum int32
		base := i * channels * 2
		for c := range channels {
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[base+2*c:])))
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

func encode(samples []int16) []byte {
	b := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
	}
	return b
}
