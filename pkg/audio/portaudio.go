//go:build portaudio

package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// MicrophoneAvailable reports whether this build can capture from a
// microphone.
const MicrophoneAvailable = true

// Microphone captures mono [SampleRate] audio from the default input
// device. Build with -tags portaudio.
type Microphone struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	in     []int16
	closed bool
}

var _ Source = (*Microphone)(nil)

// OpenMicrophone initialises PortAudio and starts the default input stream
// with a buffer of bufSamples (one [ChunkSamples] chunk when <= 0).
func OpenMicrophone(bufSamples int) (*Microphone, error) {
	if bufSamples <= 0 {
		bufSamples = ChunkSamples
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("audio: portaudio init: %w", err)
	}
	m := &Microphone{in: make([]int16, bufSamples)}
	stream, err := portaudio.OpenDefaultStream(1, 0, SampleRate, len(m.in), m.in)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("audio: open microphone: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("audio: start microphone: %w", err)
	}
	m.stream = stream
	return m, nil
}

// Read implements [Source]. It blocks for one device buffer.
func (m *Microphone) Read(ctx context.Context, buf []int16) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, fmt.Errorf("audio: microphone closed")
	}
	if err := m.stream.Read(); err != nil {
		return 0, fmt.Errorf("audio: read microphone: %w", err)
	}
	return copy(buf, m.in), nil
}

// Close implements [Source].
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	err := m.stream.Stop()
	if cerr := m.stream.Close(); err == nil {
		err = cerr
	}
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	return err
}
