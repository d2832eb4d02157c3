package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// FileSink appends detections as JSON lines to a file. The file is opened
// per write, so it may be rotated externally.
type FileSink struct {
	mu     sync.Mutex
	fs     afero.Fs
	path   string
	closed bool
}

var _ Sink = (*FileSink)(nil)

// NewFileSink appends to path on fs (the OS filesystem when nil). The file
// and its directory are created on the first write.
func NewFileSink(fs afero.Fs, path string) *FileSink {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileSink{fs: fs, path: path}
}

// Record implements [Sink].
func (s *FileSink) Record(_ context.Context, d Detection) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("events: marshal detection: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("events: create directory for %s: %w", s.path, err)
	}
	f, err := s.fs.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("events: open %s: %w", s.path, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("events: write %s: %w", s.path, err)
	}
	return nil
}

// Close implements [Sink].
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
