package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the value of the int64 sum data point whose attributes
// contain key=value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestObserver(t *testing.T) {
	m, reader := newTestMetrics(t)
	obs := m.Observer(context.Background())

	obs.FramesProcessed("okay_nabu", 3)
	obs.FramesProcessed("okay_nabu", 0)
	obs.FramesProcessed("hey_jarvis", 1)
	obs.InferenceCompleted("okay_nabu", 200*time.Microsecond, 0.1, nil)
	obs.InferenceCompleted("okay_nabu", 300*time.Microsecond, 0, errors.New("boom"))
	obs.InferenceCompleted("okay_nabu", 100*time.Microsecond, 0.9, nil)
	obs.Detected("okay_nabu", 0.92)

	rm := collect(t, reader)

	if got := sumFor(t, rm, "wakeword.frames", "model", "okay_nabu"); got != 3 {
		t.Errorf("frames{okay_nabu} = %d, want 3", got)
	}
	if got := sumFor(t, rm, "wakeword.frames", "model", "hey_jarvis"); got != 1 {
		t.Errorf("frames{hey_jarvis} = %d, want 1", got)
	}
	if got := sumFor(t, rm, "wakeword.inferences", "status", "ok"); got != 2 {
		t.Errorf("inferences{ok} = %d, want 2", got)
	}
	if got := sumFor(t, rm, "wakeword.inferences", "status", "error"); got != 1 {
		t.Errorf("inferences{error} = %d, want 1", got)
	}
	if got := sumFor(t, rm, "wakeword.detections", "model", "okay_nabu"); got != 1 {
		t.Errorf("detections = %d, want 1", got)
	}

	for name, want := range map[string]uint64{"wakeword.inference.duration": 3, "wakeword.detection.score": 1} {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("metric %q not found", name)
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok || len(hist.DataPoints) == 0 {
			t.Fatalf("metric %q is not a populated histogram", name)
		}
		if got := hist.DataPoints[0].Count; got != want {
			t.Errorf("%s count = %d, want %d", name, got, want)
		}
	}
}

func TestErrorCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordModelLoadError(ctx, "broken")
	m.RecordModelLoadError(ctx, "broken")
	m.RecordCatalogRejection(ctx, "bad_cutoff")
	m.RecordSinkError(ctx, "postgres")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "wakeword.model_load.errors", "model", "broken"); got != 2 {
		t.Errorf("model load errors = %d, want 2", got)
	}
	if got := sumFor(t, rm, "wakeword.catalog.rejections", "entry", "bad_cutoff"); got != 1 {
		t.Errorf("catalog rejections = %d, want 1", got)
	}
	if got := sumFor(t, rm, "wakeword.events.errors", "sink", "postgres"); got != 1 {
		t.Errorf("sink errors = %d, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive, so we simulate Set(2) as Add(2).
	m.ActiveStreams.Add(ctx, 1)
	m.ActiveStreams.Add(ctx, 1)
	m.LoadedModels.Add(ctx, 3)
	m.LoadedModels.Add(ctx, -1)

	rm := collect(t, reader)

	gauges := []struct {
		name string
		want int64
	}{
		{"wakeword.active_streams", 2},
		{"wakeword.loaded_models", 2},
	}
	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "wakeword.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
