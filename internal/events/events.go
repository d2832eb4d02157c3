// Package events records wake-word detections.
//
// A [Sink] receives one [Detection] per reported wake word. Sinks are
// composed: a [FallbackSink] writes to Postgres while its circuit breaker is
// closed and falls back to a JSON-lines file or the log otherwise, and a
// [MultiSink] fans a detection out to several sinks.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Detection is a single reported wake word.
type Detection struct {
	ID uuid.UUID `json:"id"`

	// StreamID identifies the audio stream the wake word was heard on.
	StreamID string `json:"stream_id"`

	// Model is the catalog id of the classifier that fired.
	Model    string `json:"model"`
	WakeWord string `json:"wake_word"`

	// Probability is the smoothed score that crossed the cutoff.
	Probability float64   `json:"probability"`
	At          time.Time `json:"at"`

	// TraceID links the detection to the stream's trace. Empty when tracing
	// is off.
	TraceID string `json:"trace_id,omitempty"`
}

// NewDetection fills in a fresh ID for d and stamps At when it is zero.
func NewDetection(d Detection) Detection {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
	return d
}

// Sink persists detections. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, d Detection) error
	Close() error
}

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("events: sink closed")

// Discard drops every detection.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(context.Context, Detection) error { return nil }
func (discard) Close() error                            { return nil }

// MultiSink records each detection in every sink. All sinks are tried even
// when one fails; the errors are joined.
type MultiSink []Sink

var _ Sink = MultiSink(nil)

// Record implements [Sink].
func (m MultiSink) Record(ctx context.Context, d Detection) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements [Sink].
func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
