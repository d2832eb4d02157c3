// Package mock provides an in-memory implementation of [audio.Source] for
// use in unit tests.
//
// The mock is safe for concurrent use. It records every call so tests can
// assert on call counts, and exposes exported fields that control what it
// returns.
//
// Typical usage:
//
//	src := &mock.Source{Chunks: [][]int16{make([]int16, 160)}}
//	n, err := src.Read(ctx, buf) // 160, nil
//	n, err = src.Read(ctx, buf)  // 0, io.EOF
package mock

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/MrWong99/wakeword/pkg/audio"
)

// ErrClosed is returned by [Source.Read] after Close.
var ErrClosed = errors.New("mock: source closed")

var _ audio.Source = (*Source)(nil)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source]. Each Read returns at
// most one entry of Chunks (split when buf is shorter). Once Chunks is
// drained, Read returns ReadErr, or io.EOF when ReadErr is nil, unless Block
// is set, in which case it blocks until ctx is done or Close is called.
type Source struct {
	mu   sync.Mutex
	once sync.Once
	done chan struct{}

	// Chunks are returned in order by Read.
	Chunks [][]int16

	// ReadErr is returned once Chunks is drained.
	ReadErr error

	// Block makes Read wait for cancellation after Chunks is drained.
	Block bool

	// CloseErr is returned by Close.
	CloseErr error

	// ReadCalls records how many times Read was called.
	ReadCalls int

	// CloseCalls records how many times Close was called.
	CloseCalls int
}

func (s *Source) doneCh() chan struct{} {
	s.once.Do(func() { s.done = make(chan struct{}) })
	return s.done
}

// Read implements [audio.Source].
func (s *Source) Read(ctx context.Context, buf []int16) (int, error) {
	done := s.doneCh()
	s.mu.Lock()
	s.ReadCalls++
	if s.CloseCalls > 0 {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	if len(s.Chunks) > 0 {
		n := copy(buf, s.Chunks[0])
		if n < len(s.Chunks[0]) {
			s.Chunks[0] = s.Chunks[0][n:]
		} else {
			s.Chunks = s.Chunks[1:]
		}
		s.mu.Unlock()
		return n, nil
	}
	err, block := s.ReadErr, s.Block
	s.mu.Unlock()

	if block {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-done:
			return 0, ErrClosed
		}
	}
	if err == nil {
		err = io.EOF
	}
	return 0, err
}

// Close implements [audio.Source].
func (s *Source) Close() error {
	done := s.doneCh()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	if s.CloseCalls == 1 {
		close(done)
	}
	return s.CloseErr
}

// ReadCallCount returns the number of Read calls.
func (s *Source) ReadCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ReadCalls
}

// CloseCallCount returns the number of Close calls.
func (s *Source) CloseCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCalls
}
