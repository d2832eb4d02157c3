package app

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/wakeword/internal/listener"
)

// StreamInfo holds metadata about an active stream.
type StreamInfo struct {
	// StreamID is the unique identifier for this stream.
	StreamID string

	// StartedAt is when the stream was registered.
	StartedAt time.Time
}

type stream struct {
	info     StreamInfo
	listener *listener.Listener
}

// StreamManager tracks the listeners of all active streams.
// All exported methods are safe for concurrent use.
type StreamManager struct {
	mu      sync.Mutex
	streams map[string]stream
}

// NewStreamManager returns an empty manager.
func NewStreamManager() *StreamManager {
	return &StreamManager{streams: make(map[string]stream)}
}

// Add registers l under id. Returns an error if id is already active.
func (sm *StreamManager) Add(id string, l *listener.Listener) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.streams[id]; ok {
		return fmt.Errorf("app: stream %q is already active", id)
	}
	sm.streams[id] = stream{
		info:     StreamInfo{StreamID: id, StartedAt: time.Now().UTC()},
		listener: l,
	}
	slog.Info("stream started", "stream", id, "active", len(sm.streams))
	return nil
}

// Remove forgets id. It does not stop the listener.
func (sm *StreamManager) Remove(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.streams[id]; !ok {
		return
	}
	delete(sm.streams, id)
	slog.Info("stream ended", "stream", id, "active", len(sm.streams))
}

// Stop stops the listener of id. Returns an error if id is not active.
func (sm *StreamManager) Stop(id string) error {
	sm.mu.Lock()
	s, ok := sm.streams[id]
	sm.mu.Unlock()
	if !ok {
		return fmt.Errorf("app: no active stream %q", id)
	}
	s.listener.Stop()
	return nil
}

// StopAll stops every active listener and waits for each to finish.
func (sm *StreamManager) StopAll() {
	sm.mu.Lock()
	listeners := make([]*listener.Listener, 0, len(sm.streams))
	for _, s := range sm.streams {
		listeners = append(listeners, s.listener)
	}
	sm.mu.Unlock()

	var wg sync.WaitGroup
	for _, l := range listeners {
		wg.Go(l.Stop)
	}
	wg.Wait()
}

// Count returns the number of active streams.
func (sm *StreamManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.streams)
}

// LoadedModels returns the number of open classifiers across all streams.
func (sm *StreamManager) LoadedModels() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	n := 0
	for _, s := range sm.streams {
		n += s.listener.LoadedModels()
	}
	return n
}

// Active returns metadata about every active stream, sorted by id.
func (sm *StreamManager) Active() []StreamInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]StreamInfo, 0, len(sm.streams))
	for _, id := range slices.Sorted(maps.Keys(sm.streams)) {
		out = append(out, sm.streams[id].info)
	}
	return out
}
