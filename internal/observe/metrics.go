// Package observe provides application-wide observability primitives for
// wakeword: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/wakeword/pkg/classifier"
)

// meterName is the instrumentation scope name used for all wakeword metrics.
const meterName = "github.com/MrWong99/wakeword"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Classifier ---

	// FramesProcessed counts feature frames. Attribute: model.
	FramesProcessed metric.Int64Counter

	// Inferences counts model runs. Attributes: model, status (ok|error).
	Inferences metric.Int64Counter

	// InferenceDuration tracks the latency of a single model run. Attribute: model.
	InferenceDuration metric.Float64Histogram

	// Detections counts fired detections. Attribute: model.
	Detections metric.Int64Counter

	// DetectionScore records the score that crossed the cutoff. Attribute: model.
	DetectionScore metric.Float64Histogram

	// --- Errors ---

	// ModelLoadErrors counts classifiers that failed to open. Attribute: model.
	ModelLoadErrors metric.Int64Counter

	// CatalogRejections counts rejected manifests. Attribute: entry.
	CatalogRejections metric.Int64Counter

	// SinkErrors counts failed event writes. Attribute: sink.
	SinkErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks the number of running listeners.
	ActiveStreams metric.Int64UpDownCounter

	// LoadedModels tracks the number of open classifiers.
	LoadedModels metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// inferenceBuckets are histogram boundaries in seconds for on-device model
// runs, which take well under a frame (10 ms).
var inferenceBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025,
}

// scoreBuckets cover detection scores in [0, 1].
var scoreBuckets = []float64{0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 0.99, 1}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesProcessed, err = m.Int64Counter("wakeword.frames",
		metric.WithDescription("Feature frames produced by model."),
	); err != nil {
		return nil, err
	}
	if met.Inferences, err = m.Int64Counter("wakeword.inferences",
		metric.WithDescription("Model runs by model and status."),
	); err != nil {
		return nil, err
	}
	if met.Detections, err = m.Int64Counter("wakeword.detections",
		metric.WithDescription("Wake-word detections by model."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.InferenceDuration, err = m.Float64Histogram("wakeword.inference.duration",
		metric.WithDescription("Latency of a single model run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(inferenceBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DetectionScore, err = m.Float64Histogram("wakeword.detection.score",
		metric.WithDescription("Score that triggered a detection."),
		metric.WithExplicitBucketBoundaries(scoreBuckets...),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ModelLoadErrors, err = m.Int64Counter("wakeword.model_load.errors",
		metric.WithDescription("Classifiers that failed to load by model."),
	); err != nil {
		return nil, err
	}
	if met.CatalogRejections, err = m.Int64Counter("wakeword.catalog.rejections",
		metric.WithDescription("Catalog manifests rejected during validation."),
	); err != nil {
		return nil, err
	}
	if met.SinkErrors, err = m.Int64Counter("wakeword.events.errors",
		metric.WithDescription("Detection events that could not be recorded, by sink."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreams, err = m.Int64UpDownCounter("wakeword.active_streams",
		metric.WithDescription("Number of running audio listeners."),
	); err != nil {
		return nil, err
	}
	if met.LoadedModels, err = m.Int64UpDownCounter("wakeword.loaded_models",
		metric.WithDescription("Number of open classifiers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("wakeword.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordModelLoadError records a classifier that failed to open.
func (m *Metrics) RecordModelLoadError(ctx context.Context, model string) {
	m.ModelLoadErrors.Add(ctx, 1, metric.WithAttributes(Attr("model", model)))
}

// RecordCatalogRejection records a rejected manifest.
func (m *Metrics) RecordCatalogRejection(ctx context.Context, entry string) {
	m.CatalogRejections.Add(ctx, 1, metric.WithAttributes(Attr("entry", entry)))
}

// RecordSinkError records a failed event write.
func (m *Metrics) RecordSinkError(ctx context.Context, sink string) {
	m.SinkErrors.Add(ctx, 1, metric.WithAttributes(Attr("sink", sink)))
}

// Observer returns a [classifier.Observer] that records into m. ctx is used
// for every measurement; pass a long-lived context such as the stream's.
func (m *Metrics) Observer(ctx context.Context) classifier.Observer {
	return &classifierObserver{ctx: ctx, m: m}
}

type classifierObserver struct {
	ctx context.Context
	m   *Metrics
}

func (o *classifierObserver) FramesProcessed(model string, n int) {
	if n == 0 {
		return
	}
	o.m.FramesProcessed.Add(o.ctx, int64(n), metric.WithAttributes(Attr("model", model)))
}

func (o *classifierObserver) InferenceCompleted(model string, took time.Duration, _ float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.m.Inferences.Add(o.ctx, 1, metric.WithAttributes(Attr("model", model), Attr("status", status)))
	o.m.InferenceDuration.Record(o.ctx, took.Seconds(), metric.WithAttributes(Attr("model", model)))
}

func (o *classifierObserver) Detected(model string, score float64) {
	attrs := metric.WithAttributes(Attr("model", model))
	o.m.Detections.Add(o.ctx, 1, attrs)
	o.m.DetectionScore.Record(o.ctx, score, attrs)
}
