package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	resampling "github.com/tphakala/go-audio-resampling"
)

// FormatConverter turns frames of any rate and channel count into mono
// samples at [SampleRate]. It logs a warning on the first format mismatch
// and on the first misaligned frame. Create one per stream; it keeps
// resampler state and is not safe for concurrent use.
type FormatConverter struct {
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once

	resampler *Resampler
	srcRate   int
}

// Convert returns the frame as mono [SampleRate] samples. Frames with an odd
// byte count or a non-positive format are dropped and yield nil.
func (c *FormatConverter) Convert(frame AudioFrame) ([]int16, error) {
	if len(frame.Data)%2 != 0 {
		c.warnCorrupt(len(frame.Data), frame.SampleRate, frame.Channels)
		return nil, nil
	}
	return c.ConvertSamples(BytesToSamples(frame.Data), Format{SampleRate: frame.SampleRate, Channels: frame.Channels})
}

// ConvertSamples converts interleaved samples in format f to mono
// [SampleRate].
func (c *FormatConverter) ConvertSamples(samples []int16, f Format) ([]int16, error) {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		c.warnCorrupt(len(samples)*2, f.SampleRate, f.Channels)
		return nil, nil
	}
	if f == Mono16k {
		return samples, nil
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(f.SampleRate, f.Channels),
			"to", formatString(SampleRate, 1),
		)
	})

	// Downmix first so only one channel is resampled.
	mono := Downmix(samples, f.Channels)
	if f.SampleRate == SampleRate {
		return mono, nil
	}
	if c.resampler == nil || c.srcRate != f.SampleRate {
		r, err := NewResampler(f.SampleRate, SampleRate)
		if err != nil {
			return nil, err
		}
		c.resampler, c.srcRate = r, f.SampleRate
	}
	return c.resampler.Process(mono)
}

func (c *FormatConverter) warnCorrupt(bytes, rate, channels int) {
	c.warnedCorrupt.Do(func() {
		slog.Warn("audio format converter: malformed PCM frame, dropping",
			"bytes", bytes,
			"sample_rate", rate,
			"channels", channels,
		)
	})
}

// Resampler converts a mono int16 stream between sample rates. It keeps
// filter state across calls, so feed one stream through one Resampler.
type Resampler struct {
	r        resampling.Resampler
	from, to int
	in       []float64
}

// NewResampler returns a high-quality resampler from one rate to another.
func NewResampler(from, to int) (*Resampler, error) {
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("audio: resample %d Hz to %d Hz: rates must be positive", from, to)
	}
	rs := &Resampler{from: from, to: to}
	if from == to {
		return rs, nil
	}
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audio: create resampler %d Hz to %d Hz: %w", from, to, err)
	}
	rs.r = r
	return rs, nil
}

// Process resamples the next block of the stream. The output length varies
// with the filter delay; over a whole stream it approaches len*to/from.
func (r *Resampler) Process(samples []int16) ([]int16, error) {
	if r.r == nil {
		return samples, nil
	}
	r.in = Int16ToFloat(samples, r.in[:0])
	out, err := r.r.Process(r.in)
	if err != nil {
		return nil, fmt.Errorf("audio: resample: %w", err)
	}
	return FloatToInt16(out, nil), nil
}

// BytesToSamples decodes little-endian int16 PCM. A trailing odd byte is
// ignored.
func BytesToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// SamplesToBytes encodes samples as little-endian int16 PCM.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Downmix averages interleaved channels into mono. Mono input is returned
// as is.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int16, frames)
	for i := range frames {
		var sum int32
		for ch := range channels {
			sum += int32(samples[i*channels+ch])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// Int16ToFloat appends samples scaled to [-1, 1) to dst.
func Int16ToFloat(samples []int16, dst []float64) []float64 {
	for _, s := range samples {
		dst = append(dst, float64(s)/32768)
	}
	return dst
}

// FloatToInt16 appends samples in [-1, 1] to dst as int16, rounding and
// clamping out-of-range values.
func FloatToInt16(samples []float64, dst []int16) []int16 {
	for _, f := range samples {
		v := math.Round(f * 32768)
		dst = append(dst, int16(min(max(v, math.MinInt16), math.MaxInt16)))
	}
	return dst
}

// ScaleToInt16 converts an integer sample of the given bit depth to int16.
func ScaleToInt16(v, bitDepth int) int16 {
	switch {
	case bitDepth == 8:
		// 8-bit WAV is unsigned.
		return int16((v - 128) << 8)
	case bitDepth < 16:
		return int16(v << (16 - bitDepth))
	case bitDepth == 16:
		return int16(v)
	default:
		return int16(v >> (bitDepth - 16))
	}
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
