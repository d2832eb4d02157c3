// Package audio supplies 16-bit mono PCM to the wake-word classifiers.
//
// The central abstraction is [Source]: anything that yields mono samples at
// [SampleRate]. Implementations convert whatever they read (WAV files, raw
// PCM streams, Opus packets from a websocket, a microphone) to that format
// with a [FormatConverter], so classifiers never see another rate or layout.
package audio

import (
	"context"
	"time"
)

// SampleRate is the rate every [Source] delivers, in Hz.
const SampleRate = 16000

// ChunkSamples is the conventional chunk size: 10 ms at [SampleRate].
const ChunkSamples = 160

// Source yields mono 16-bit PCM at [SampleRate].
type Source interface {
	// Read fills buf with up to len(buf) samples and returns how many were
	// written. It blocks until at least one sample is available, the
	// source ends (io.EOF) or ctx is done.
	Read(ctx context.Context, buf []int16) (int, error)

	// Close releases the source. A blocked Read returns.
	Close() error
}

// AudioFrame is a block of interleaved little-endian int16 PCM in its
// native format, as received before conversion.
type AudioFrame struct {
	Data []byte

	// SampleRate in Hz (e.g. 48000 for Opus, 16000 for the classifiers).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono16k is the format every [Source] delivers.
var Mono16k = Format{SampleRate: SampleRate, Channels: 1}

// Duration returns how long n samples last at [SampleRate].
func Duration(n int) time.Duration {
	return time.Duration(n) * time.Second / SampleRate
}
