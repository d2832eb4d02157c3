package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/wakeword/internal/resilience"
)

// NamedSink pairs a sink with the name used in logs, metrics and breaker
// state.
type NamedSink struct {
	Name string
	Sink Sink
}

// FallbackSink records into the first healthy sink of an ordered list.
// Each sink has its own circuit breaker.
type FallbackSink struct {
	group *resilience.FallbackGroup[Sink]
}

var _ Sink = (*FallbackSink)(nil)

// NewFallbackSink tries primary first, then each fallback in order. cb
// configures every per-sink breaker.
func NewFallbackSink(primary NamedSink, cb resilience.CircuitBreakerConfig, fallbacks ...NamedSink) *FallbackSink {
	g := resilience.NewFallbackGroup(primary.Sink, primary.Name, resilience.FallbackConfig{CircuitBreaker: cb})
	for _, f := range fallbacks {
		g.AddFallback(f.Name, f.Sink)
	}
	return &FallbackSink{group: g}
}

// Record implements [Sink].
func (s *FallbackSink) Record(ctx context.Context, d Detection) error {
	err := s.group.Execute(func(sink Sink) error {
		return sink.Record(ctx, d)
	})
	if err != nil {
		return fmt.Errorf("events: record %s: %w", d.ID, err)
	}
	return nil
}

// States reports the breaker state of each sink, primary first.
func (s *FallbackSink) States() []resilience.EntryState {
	return s.group.States()
}

// ErrPrimaryDown is reported by [FallbackSink.Check] while the primary
// sink's breaker is not closed.
var ErrPrimaryDown = errors.New("events: primary sink unavailable")

// Check returns [ErrPrimaryDown] unless the primary breaker is closed.
// Detections are still recorded by the fallbacks meanwhile.
func (s *FallbackSink) Check(context.Context) error {
	states := s.group.States()
	if len(states) > 0 && states[0].State != resilience.StateClosed {
		return fmt.Errorf("%w: %s is %s", ErrPrimaryDown, states[0].Name, states[0].State)
	}
	return nil
}

// Close implements [Sink]. It closes every sink.
func (s *FallbackSink) Close() error {
	var errs []error
	s.group.Each(func(name string, sink Sink) {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("events: close %s: %w", name, err))
		}
	})
	return errors.Join(errs...)
}
