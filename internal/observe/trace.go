package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/wakeword"

// Span names and attribute keys for listener traces.
const (
	StreamSpanName    = "listener.stream"
	DetectedEventName = "wake_word.detected"

	AttrStreamID = attribute.Key("wakeword.stream.id")
	AttrModels   = attribute.Key("wakeword.models")
	AttrModel    = attribute.Key("wakeword.model")
	AttrScore    = attribute.Key("wakeword.score")
)

// StartSpan starts a span on the global tracer provider. The caller must
// end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// StartStreamSpan starts the span that covers one listener run. Every
// detection recorded with [RecordDetection] under the returned context
// shares its trace ID.
func StartStreamSpan(ctx context.Context, streamID string, models []string) (context.Context, trace.Span) {
	return StartSpan(ctx, StreamSpanName, trace.WithAttributes(
		AttrStreamID.String(streamID),
		AttrModels.StringSlice(models),
	))
}

// RecordDetection adds a [DetectedEventName] event to the span in ctx and
// returns the trace ID the detection event should carry. Without a span it
// does nothing and returns "".
func RecordDetection(ctx context.Context, model string, score float64) string {
	trace.SpanFromContext(ctx).AddEvent(DetectedEventName, trace.WithAttributes(
		AttrModel.String(model),
		AttrScore.Float64(score),
	))
	return CorrelationID(ctx)
}

// CorrelationID returns the trace ID of the span in ctx as hex, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
