package listener_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/wakeword/internal/events"
	eventsmock "github.com/MrWong99/wakeword/internal/events/mock"
	"github.com/MrWong99/wakeword/internal/listener"
	"github.com/MrWong99/wakeword/internal/observe"
	audiomock "github.com/MrWong99/wakeword/pkg/audio/mock"
	"github.com/MrWong99/wakeword/pkg/catalog"
	"github.com/MrWong99/wakeword/pkg/classifier"
	"github.com/MrWong99/wakeword/pkg/inference"
	"github.com/MrWong99/wakeword/pkg/inference/mock"
)

var errBoom = errors.New("boom")

func descriptor(id string) catalog.Descriptor {
	return catalog.Descriptor{
		ID:               id,
		Type:             catalog.ModelTypeMicro,
		WakeWord:         "Okay " + id,
		Author:           "tests",
		Website:          "https://example.com",
		Model:            "model.bin",
		ModelPath:        "/models/model.bin",
		TrainedLanguages: []string{"en"},
		Version:          1,
		Micro: catalog.Micro{
			ProbabilityCutoff: 0.5,
			SlidingWindowSize: 1,
			FeatureStepSize:   10,
		},
	}
}

// alwaysOn is a model that scores every window 0.99.
func alwaysOn() *mock.Model {
	return &mock.Model{
		InputInfo:     inference.TensorInfo{Shape: []int{1, 1, 40}, DType: inference.Int8, Scale: 0.1, ZeroPoint: -128},
		Probabilities: []float64{0.99},
	}
}

func modelOptions(t *testing.T) func(catalog.Descriptor) []classifier.Option {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/models/model.bin", []byte("weights"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return func(catalog.Descriptor) []classifier.Option {
		return []classifier.Option{classifier.WithFS(fs)}
	}
}

// noiseChunks returns n chunks of 160 random samples.
func noiseChunks(n int) [][]int16 {
	r := rand.New(rand.NewPCG(7, 8))
	out := make([][]int16, n)
	for i := range out {
		out[i] = make([]int16, 160)
		for j := range out[i] {
			out[i][j] = int16(r.IntN(16000) - 8000)
		}
	}
	return out
}

// recorder collects callback invocations.
type recorder struct {
	mu       sync.Mutex
	ready    [][]catalog.Descriptor
	detected []events.Detection
	stopped  int
	failed   []error
}

func (r *recorder) hook(cfg *listener.Config) {
	cfg.OnReady = func(m []catalog.Descriptor) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.ready = append(r.ready, m)
	}
	cfg.OnDetected = func(d events.Detection) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.detected = append(r.detected, d)
	}
	cfg.OnStopped = func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.stopped++
	}
	cfg.OnFailed = func(err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.failed = append(r.failed, err)
	}
}

func (r *recorder) snapshot() (ready int, detected []events.Detection, stopped int, failed []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ready), slices.Clone(r.detected), r.stopped, slices.Clone(r.failed)
}

// steppingClock advances by step on every call.
type steppingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func newClock(step time.Duration) *steppingClock {
	return &steppingClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC), step: step}
}

func TestListener_DetectsAndRecords(t *testing.T) {
	t.Parallel()

	model := alwaysOn()
	sink := &eventsmock.Sink{}
	src := &audiomock.Source{Chunks: noiseChunks(50)}
	var rec recorder
	cfg := listener.Config{
		StreamID: "stream-1",
		Models:   []catalog.Descriptor{descriptor("nabu")},
		Backend:  &mock.Backend{Model: model},
		Options:  modelOptions(t),
		Sink:     sink,
		Now:      newClock(0).Now,
	}
	rec.hook(&cfg)
	l := listener.New(cfg)

	if err := l.Run(context.Background(), src); err != nil {
		t.Fatalf("Run: %v", err)
	}

	ready, detected, stopped, failed := rec.snapshot()
	if ready != 1 || stopped != 1 || len(failed) != 0 {
		t.Errorf("callbacks ready=%d stopped=%d failed=%v, want 1/1/none", ready, stopped, failed)
	}
	// The clock never advances, so the debounce lets only the first through.
	if len(detected) != 1 {
		t.Fatalf("detections = %d, want 1", len(detected))
	}
	d := detected[0]
	if d.StreamID != "stream-1" || d.Model != "nabu" || d.WakeWord != "Okay nabu" {
		t.Errorf("detection = %+v", d)
	}
	if d.Probability < 0.9 {
		t.Errorf("probability = %v, want >= 0.9", d.Probability)
	}
	if got := sink.Recorded(); len(got) != 1 || got[0] != d {
		t.Errorf("sink recorded %v, want [%v]", got, d)
	}
	if model.RunCallCount() < 2 {
		t.Errorf("model ran %d times; the classifier should keep running after a detection", model.RunCallCount())
	}
	if !model.Closed() {
		t.Error("classifier model not closed")
	}
	if src.CloseCallCount() != 1 {
		t.Errorf("source closed %d times, want 1", src.CloseCallCount())
	}
	if l.IsListening() || l.LoadedModels() != 0 {
		t.Error("listener still listening after the source ended")
	}
}

func TestListener_DebounceWindow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		step     time.Duration
		debounce time.Duration
		many     bool
	}{
		{name: "clock past debounce", step: 3 * time.Second, debounce: 2 * time.Second, many: true},
		{name: "clock inside debounce", step: time.Second, debounce: time.Hour, many: false},
		{name: "debounce disabled", step: 0, debounce: -1, many: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var rec recorder
			cfg := listener.Config{
				Models:   []catalog.Descriptor{descriptor("nabu")},
				Backend:  &mock.Backend{Model: alwaysOn()},
				Options:  modelOptions(t),
				Debounce: tt.debounce,
				Now:      newClock(tt.step).Now,
			}
			rec.hook(&cfg)
			if err := listener.New(cfg).Run(context.Background(), &audiomock.Source{Chunks: noiseChunks(50)}); err != nil {
				t.Fatalf("Run: %v", err)
			}
			_, detected, _, _ := rec.snapshot()
			if tt.many && len(detected) < 2 {
				t.Errorf("detections = %d, want several", len(detected))
			}
			if !tt.many && len(detected) != 1 {
				t.Errorf("detections = %d, want 1", len(detected))
			}
			for i := 1; i < len(detected); i++ {
				if !detected[i].At.After(detected[i-1].At) && tt.step > 0 {
					t.Errorf("detection %d at %v is not after %v", i, detected[i].At, detected[i-1].At)
				}
			}
		})
	}
}

func TestListener_KeepsPolicyCooldown(t *testing.T) {
	t.Parallel()

	policy := classifier.DefaultPolicy()
	policy.CooldownFrames = 50
	desc := descriptor("nabu")
	chunks := noiseChunks(100)
	base := modelOptions(t)
	opts := func(d catalog.Descriptor) []classifier.Option {
		return append(base(d), classifier.WithPolicy(policy))
	}

	c, err := classifier.New(context.Background(), desc, &mock.Backend{Model: alwaysOn()}, opts(desc)...)
	if err != nil {
		t.Fatalf("classifier.New: %v", err)
	}
	var want int
	for _, chunk := range chunks {
		hit, err := c.ProcessAudio(chunk)
		if err != nil {
			t.Fatalf("ProcessAudio: %v", err)
		}
		if hit {
			want++
		}
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if want < 2 {
		t.Fatalf("classifier detections = %d, want at least 2", want)
	}

	var rec recorder
	cfg := listener.Config{
		Models:   []catalog.Descriptor{desc},
		Backend:  &mock.Backend{Model: alwaysOn()},
		Options:  opts,
		Debounce: -1,
	}
	rec.hook(&cfg)
	if err := listener.New(cfg).Run(context.Background(), &audiomock.Source{Chunks: chunks}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	_, detected, _, _ := rec.snapshot()
	if len(detected) != want {
		t.Errorf("listener detections = %d, want %d (same as the classifier with a %d frame cooldown)", len(detected), want, policy.CooldownFrames)
	}
}

func TestListener_TracesStream(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})

	sink := &eventsmock.Sink{}
	var rec recorder
	cfg := listener.Config{
		StreamID: "traced",
		Models:   []catalog.Descriptor{descriptor("nabu"), descriptor("jarvis")},
		Backend:  &mock.Backend{Model: alwaysOn()},
		Options:  modelOptions(t),
		Sink:     sink,
		Debounce: -1,
	}
	rec.hook(&cfg)
	if err := listener.New(cfg).Run(context.Background(), &audiomock.Source{Chunks: noiseChunks(20)}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	_, detected, _, _ := rec.snapshot()
	if len(detected) == 0 {
		t.Fatal("no detections")
	}

	var stream []tracetest.SpanStub
	for _, s := range exp.GetSpans() {
		if s.Name == observe.StreamSpanName {
			stream = append(stream, s)
		}
	}
	if len(stream) != 1 {
		t.Fatalf("%s spans = %d, want 1", observe.StreamSpanName, len(stream))
	}
	span := stream[0]
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes {
		attrs[kv.Key] = kv.Value
	}
	if got := attrs[observe.AttrStreamID].AsString(); got != "traced" {
		t.Errorf("stream id attribute = %q, want traced", got)
	}
	if got := attrs[observe.AttrModels].AsStringSlice(); !slices.Equal(got, []string{"nabu", "jarvis"}) {
		t.Errorf("models attribute = %v", got)
	}

	traceID := span.SpanContext.TraceID().String()
	for i, d := range detected {
		if d.TraceID != traceID {
			t.Errorf("detection %d trace ID = %q, want the stream span's %q", i, d.TraceID, traceID)
		}
	}
	recorded := sink.Recorded()
	if len(recorded) != len(detected) {
		t.Errorf("sink recorded %d detections, want %d", len(recorded), len(detected))
	}
	for i, d := range recorded {
		if d.TraceID != traceID {
			t.Errorf("recorded detection %d trace ID = %q, want %q", i, d.TraceID, traceID)
		}
	}
	var hits int
	for _, ev := range span.Events {
		if ev.Name == observe.DetectedEventName {
			hits++
		}
	}
	if hits != len(detected) {
		t.Errorf("%s events = %d, want one per reported detection (%d)", observe.DetectedEventName, hits, len(detected))
	}
}

func TestListener_MultipleModels(t *testing.T) {
	t.Parallel()

	var rec recorder
	cfg := listener.Config{
		Models:   []catalog.Descriptor{descriptor("nabu"), descriptor("jarvis")},
		Backend:  &mock.Backend{Model: alwaysOn()},
		Options:  modelOptions(t),
		Debounce: -1,
	}
	rec.hook(&cfg)
	if err := listener.New(cfg).Run(context.Background(), &audiomock.Source{Chunks: noiseChunks(30)}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	_, detected, _, _ := rec.snapshot()
	seen := map[string]bool{}
	for _, d := range detected {
		seen[d.Model] = true
	}
	if !seen["nabu"] || !seen["jarvis"] {
		t.Errorf("models that fired = %v, want both", seen)
	}
}

func TestListener_OpenFailureClosesEverything(t *testing.T) {
	t.Parallel()

	model := alwaysOn()
	bad := descriptor("broken")
	bad.ModelPath = "/models/missing.bin"
	src := &audiomock.Source{Block: true}
	var rec recorder
	cfg := listener.Config{
		Models:  []catalog.Descriptor{descriptor("nabu"), bad},
		Backend: &mock.Backend{Model: model},
		Options: modelOptions(t),
	}
	rec.hook(&cfg)
	l := listener.New(cfg)

	err := l.Start(context.Background(), src)
	if !errors.Is(err, classifier.ErrModelLoad) {
		t.Fatalf("Start err = %v, want ErrModelLoad", err)
	}
	ready, _, stopped, failed := rec.snapshot()
	if ready != 0 || stopped != 0 || len(failed) != 1 {
		t.Errorf("callbacks ready=%d stopped=%d failed=%d, want 0/0/1", ready, stopped, len(failed))
	}
	if !model.Closed() {
		t.Error("the classifier opened before the failure was not closed")
	}
	if src.CloseCallCount() != 1 {
		t.Errorf("source closed %d times, want 1", src.CloseCallCount())
	}
	if l.IsListening() {
		t.Error("IsListening after failed Start")
	}
}

func TestListener_NoModels(t *testing.T) {
	t.Parallel()

	l := listener.New(listener.Config{Backend: &mock.Backend{}})
	if err := l.Start(context.Background(), &audiomock.Source{}); !errors.Is(err, listener.ErrNoModels) {
		t.Errorf("Start err = %v, want ErrNoModels", err)
	}
}

func TestListener_Stop(t *testing.T) {
	t.Parallel()

	src := &audiomock.Source{Block: true}
	var rec recorder
	cfg := listener.Config{
		Models:  []catalog.Descriptor{descriptor("nabu")},
		Backend: &mock.Backend{Model: alwaysOn()},
		Options: modelOptions(t),
	}
	rec.hook(&cfg)
	l := listener.New(cfg)

	// Stop before Start is a no-op.
	l.Stop()
	if _, _, stopped, _ := rec.snapshot(); stopped != 0 {
		t.Fatal("Stop on an idle listener reported a stop")
	}

	if err := l.Start(context.Background(), src); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !l.IsListening() || l.LoadedModels() != 1 {
		t.Fatalf("IsListening=%v LoadedModels=%d after Start", l.IsListening(), l.LoadedModels())
	}

	l.Stop()
	if err := l.Wait(); err != nil {
		t.Errorf("Wait after Stop = %v, want nil", err)
	}
	if _, _, stopped, failed := rec.snapshot(); stopped != 1 || len(failed) != 0 {
		t.Errorf("stopped=%d failed=%v, want 1/none", stopped, failed)
	}
	if l.IsListening() {
		t.Error("still listening after Stop")
	}
	if src.CloseCallCount() != 1 {
		t.Errorf("source closed %d times, want 1", src.CloseCallCount())
	}
}

func TestListener_ParentContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	l := listener.New(listener.Config{
		Models:  []catalog.Descriptor{descriptor("nabu")},
		Backend: &mock.Backend{Model: alwaysOn()},
		Options: modelOptions(t),
	})
	if err := l.Start(ctx, &audiomock.Source{Block: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	if err := l.Wait(); err != nil {
		t.Errorf("Wait = %v, want nil", err)
	}
}

func TestListener_RestartStopsPrevious(t *testing.T) {
	t.Parallel()

	backend := &mock.Backend{Model: alwaysOn()}
	var rec recorder
	cfg := listener.Config{
		Models:  []catalog.Descriptor{descriptor("nabu")},
		Backend: backend,
		Options: modelOptions(t),
	}
	rec.hook(&cfg)
	l := listener.New(cfg)

	first, second := &audiomock.Source{Block: true}, &audiomock.Source{Block: true}
	if err := l.Start(context.Background(), first); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := l.Start(context.Background(), second); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if first.CloseCallCount() != 1 {
		t.Error("first source not closed by the restart")
	}
	if backend.LoadCallCount() != 2 {
		t.Errorf("models loaded %d times, want 2", backend.LoadCallCount())
	}
	l.Stop()
	if ready, _, stopped, _ := rec.snapshot(); ready != 2 || stopped != 2 {
		t.Errorf("ready=%d stopped=%d, want 2/2", ready, stopped)
	}
}

func TestListener_ReadError(t *testing.T) {
	t.Parallel()

	var rec recorder
	cfg := listener.Config{
		Models:  []catalog.Descriptor{descriptor("nabu")},
		Backend: &mock.Backend{Model: alwaysOn()},
		Options: modelOptions(t),
	}
	rec.hook(&cfg)
	src := &audiomock.Source{Chunks: noiseChunks(2), ReadErr: errBoom}

	err := listener.New(cfg).Run(context.Background(), src)
	if !errors.Is(err, errBoom) {
		t.Fatalf("Run err = %v, want errBoom", err)
	}
	_, _, stopped, failed := rec.snapshot()
	if stopped != 0 || len(failed) != 1 || !errors.Is(failed[0], errBoom) {
		t.Errorf("stopped=%d failed=%v, want 0/[errBoom]", stopped, failed)
	}
	if src.CloseCallCount() != 1 {
		t.Errorf("source closed %d times, want 1", src.CloseCallCount())
	}
}

func TestListener_SinkFailureDoesNotStop(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	var rec recorder
	cfg := listener.Config{
		Models:   []catalog.Descriptor{descriptor("nabu")},
		Backend:  &mock.Backend{Model: alwaysOn()},
		Options:  modelOptions(t),
		Sink:     &eventsmock.Sink{RecordErr: errBoom},
		Metrics:  m,
		Debounce: -1,
	}
	rec.hook(&cfg)
	if err := listener.New(cfg).Run(context.Background(), &audiomock.Source{Chunks: noiseChunks(30)}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	_, detected, stopped, _ := rec.snapshot()
	if len(detected) == 0 || stopped != 1 {
		t.Fatalf("detected=%d stopped=%d; a failing sink must not stop the listener", len(detected), stopped)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if s, ok := met.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					sums[met.Name] += dp.Value
				}
			}
		}
	}
	if sums["wakeword.detections"] != int64(len(detected)) {
		t.Errorf("wakeword.detections = %d, want %d", sums["wakeword.detections"], len(detected))
	}
	if sums["wakeword.events.errors"] != int64(len(detected)) {
		t.Errorf("wakeword.events.errors = %d, want %d", sums["wakeword.events.errors"], len(detected))
	}
	if sums["wakeword.active_streams"] != 0 || sums["wakeword.loaded_models"] != 0 {
		t.Errorf("gauges after stop: streams=%d models=%d, want 0/0", sums["wakeword.active_streams"], sums["wakeword.loaded_models"])
	}
	if sums["wakeword.frames"] == 0 {
		t.Error("wakeword.frames not recorded")
	}
}
