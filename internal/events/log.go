package events

import (
	"context"
	"log/slog"
)

// LogSink writes each detection as a structured log line.
type LogSink struct {
	log *slog.Logger
}

var _ Sink = (*LogSink)(nil)

// NewLogSink logs to l, or the default logger when l is nil.
func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = slog.Default()
	}
	return &LogSink{log: l}
}

// Record implements [Sink].
func (s *LogSink) Record(ctx context.Context, d Detection) error {
	attrs := []slog.Attr{
		slog.String("id", d.ID.String()),
		slog.String("stream", d.StreamID),
		slog.String("model", d.Model),
		slog.String("wake_word", d.WakeWord),
		slog.Float64("probability", d.Probability),
		slog.Time("at", d.At),
	}
	if d.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", d.TraceID))
	}
	s.log.LogAttrs(ctx, slog.LevelInfo, "wake word detected", attrs...)
	return nil
}

// Close implements [Sink].
func (s *LogSink) Close() error { return nil }
