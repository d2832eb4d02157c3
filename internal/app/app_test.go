package app_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/wakeword/internal/app"
	"github.com/MrWong99/wakeword/internal/config"
	"github.com/MrWong99/wakeword/internal/events"
	eventsmock "github.com/MrWong99/wakeword/internal/events/mock"
	"github.com/MrWong99/wakeword/internal/observe"
	"github.com/MrWong99/wakeword/pkg/audio"
	audiomock "github.com/MrWong99/wakeword/pkg/audio/mock"
	"github.com/MrWong99/wakeword/pkg/catalog"
	"github.com/MrWong99/wakeword/pkg/inference"
	"github.com/MrWong99/wakeword/pkg/inference/mock"
)

func manifest(name, wakeWord string) catalog.Manifest {
	return catalog.Manifest{
		Name: name + ".json",
		Dir:  "/models",
		Data: []byte(`{
  "type": "micro",
  "wake_word": "` + wakeWord + `",
  "author": "tests",
  "website": "https://example.com",
  "model": "model.bin",
  "trained_languages": ["en"],
  "version": 1,
  "micro": {"probability_cutoff": 0.5, "sliding_window_size": 1, "feature_step_size": 10}
}`),
	}
}

var testCatalog = catalog.StaticSource{
	manifest("okay_nabu", "Okay Nabu"),
	manifest("hey_jarvis", "Hey Jarvis"),
	{Name: "broken.json", Data: []byte(`{"type": "micro"}`)},
}

// testConfig returns a config running okay_nabu without debounce.
func testConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Catalog.Selected = "okay_nabu"
	cfg.Detection.Debounce = -1
	return cfg
}

func modelFS(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/models/model.bin", []byte("weights"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return fs
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func alwaysOn() *mock.Backend {
	return &mock.Backend{Model: &mock.Model{
		InputInfo:     inference.TensorInfo{Shape: []int{1, 1, 40}, DType: inference.Int8, Scale: 0.1, ZeroPoint: -128},
		Probabilities: []float64{0.99},
	}}
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) (*app.App, *eventsmock.Sink) {
	t.Helper()
	sink := &eventsmock.Sink{}
	opts = append([]app.Option{
		app.WithBackend(alwaysOn()),
		app.WithSink(sink),
		app.WithCatalogSource(testCatalog),
		app.WithFS(modelFS(t)),
		app.WithMetrics(testMetrics(t)),
	}, opts...)
	a, err := app.New(context.Background(), cfg, nil, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a, sink
}

func noise(n int) []int16 {
	r := rand.New(rand.NewPCG(11, 12))
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(r.IntN(16000) - 8000)
	}
	return out
}

func modelIDs(ds []catalog.Descriptor) []string {
	ids := make([]string, len(ds))
	for i, d := range ds {
		ids[i] = d.ID
	}
	return ids
}

func TestNew_ResolvesModels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		selected string
		models   []string
		want     []string
		wantErr  string
	}{
		{name: "selected", selected: "hey_jarvis", want: []string{"hey_jarvis"}},
		{name: "selected missing falls back", selected: "nope", want: []string{"hey_jarvis"}},
		{name: "explicit list", models: []string{"okay_nabu", "hey_jarvis"}, want: []string{"okay_nabu", "hey_jarvis"}},
		{name: "explicit unknown suggests", models: []string{"okay_nabo"}, wantErr: "did you mean okay_nabu"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.Catalog.Selected = tt.selected
			cfg.Detection.Models = tt.models

			a, err := app.New(context.Background(), cfg, nil,
				app.WithBackend(alwaysOn()),
				app.WithSink(events.Discard),
				app.WithCatalogSource(testCatalog),
				app.WithFS(modelFS(t)),
				app.WithMetrics(testMetrics(t)),
			)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			got := modelIDs(a.Models())
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("models = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNew_EmptyCatalog(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), testConfig(), nil,
		app.WithBackend(alwaysOn()),
		app.WithSink(events.Discard),
		app.WithCatalogSource(catalog.StaticSource{}),
		app.WithMetrics(testMetrics(t)),
	)
	if !errors.Is(err, app.ErrNoModels) {
		t.Errorf("err = %v, want ErrNoModels", err)
	}
}

func TestNew_BackendFromRegistry(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	backend := alwaysOn()
	reg.RegisterBackend("logistic", func(config.ProviderEntry) (inference.Backend, error) { return backend, nil })

	a, err := app.New(context.Background(), testConfig(), reg,
		app.WithSink(events.Discard),
		app.WithCatalogSource(testCatalog),
		app.WithFS(modelFS(t)),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if err := a.Listen(context.Background(), "s", &audiomock.Source{Chunks: [][]int16{noise(1600)}}, app.Hooks{}); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if backend.LoadCallCount() != 1 {
		t.Errorf("registry backend loaded %d models, want 1", backend.LoadCallCount())
	}

	cfg := testConfig()
	cfg.Detection.Backend.Name = "tflite"
	if _, err := app.New(context.Background(), cfg, reg, app.WithCatalogSource(testCatalog)); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("unknown backend err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestNew_FileEventSink(t *testing.T) {
	t.Parallel()

	fs := modelFS(t)
	cfg := testConfig()
	cfg.Events.Log = false
	cfg.Events.File = "/var/lib/wakeword/detections.jsonl"
	a, err := app.New(context.Background(), cfg, nil,
		app.WithBackend(alwaysOn()),
		app.WithCatalogSource(testCatalog),
		app.WithFS(fs),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if err := a.Listen(context.Background(), "file-stream", &audiomock.Source{Chunks: [][]int16{noise(3200)}}, app.Hooks{}); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	data, err := afero.ReadFile(fs, cfg.Events.File)
	if err != nil {
		t.Fatalf("read events file: %v", err)
	}
	if !strings.Contains(string(data), `"stream_id":"file-stream"`) {
		t.Errorf("events file does not hold the detection:\n%s", data)
	}
}

func TestListen_RecordsDetections(t *testing.T) {
	t.Parallel()

	a, sink := newApp(t, testConfig())
	var readyModels []string
	var detected []events.Detection
	err := a.Listen(context.Background(), "mic", &audiomock.Source{Chunks: [][]int16{noise(8000)}}, app.Hooks{
		OnReady:    func(ms []catalog.Descriptor) { readyModels = modelIDs(ms) },
		OnDetected: func(d events.Detection) { detected = append(detected, d) },
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if len(readyModels) != 1 || readyModels[0] != "okay_nabu" {
		t.Errorf("ready models = %v", readyModels)
	}
	if len(detected) == 0 {
		t.Fatal("no detections")
	}
	if got := sink.Recorded(); len(got) != len(detected) {
		t.Errorf("sink recorded %d, callbacks saw %d", len(got), len(detected))
	}
	if detected[0].StreamID != "mic" || detected[0].WakeWord != "Okay Nabu" {
		t.Errorf("detection = %+v", detected[0])
	}
	if a.Streams().Count() != 0 {
		t.Error("stream still registered after Listen returned")
	}
}

func TestListen_DuplicateStream(t *testing.T) {
	t.Parallel()

	a, _ := newApp(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Listen(ctx, "dup", &audiomock.Source{Block: true}, app.Hooks{}) }()

	deadline := time.Now().Add(5 * time.Second)
	for a.Streams().Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never registered")
		}
		time.Sleep(time.Millisecond)
	}

	second := &audiomock.Source{}
	if err := a.Listen(context.Background(), "dup", second, app.Hooks{}); err == nil {
		t.Error("second stream with the same id was accepted")
	}
	if second.CloseCallCount() != 1 {
		t.Error("rejected source not closed")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("first Listen: %v", err)
	}
}

func TestDetect(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Detection.Models = []string{"okay_nabu", "hey_jarvis"}
	a, sink := newApp(t, cfg)

	hits, err := a.Detect(context.Background(), &audiomock.Source{Chunks: [][]int16{noise(16000)}})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	byModel := map[string]int{}
	for i, h := range hits {
		byModel[h.Model]++
		if h.Offset <= 0 || h.Offset > time.Second {
			t.Errorf("hit %d offset = %v, want within the 1 s recording", i, h.Offset)
		}
		if i > 0 && hits[i-1].Model == h.Model && h.Offset <= hits[i-1].Offset {
			t.Errorf("hit %d offset %v not after %v", i, h.Offset, hits[i-1].Offset)
		}
	}
	if byModel["okay_nabu"] == 0 || byModel["hey_jarvis"] == 0 {
		t.Errorf("hits per model = %v, want both", byModel)
	}
	if len(sink.Recorded()) != 0 {
		t.Error("offline detection wrote events")
	}
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	a, _ := newApp(t, testConfig())
	srv := httptest.NewServer(a.Handler(prometheus.NewRegistry()))
	t.Cleanup(srv.Close)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestHandler_Stream(t *testing.T) {
	t.Parallel()

	a, sink := newApp(t, testConfig())
	srv := httptest.NewServer(a.Handler(prometheus.NewRegistry()))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + app.StreamPath + "?stream_id=ws-1&sample_rate=16000&channels=1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	var ready app.Message
	if err := wsjson.Read(ctx, conn, &ready); err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if ready.Type != "ready" || ready.StreamID != "ws-1" || len(ready.Models) != 1 {
		t.Fatalf("ready message = %+v", ready)
	}

	if err := conn.Write(ctx, websocket.MessageBinary, audio.SamplesToBytes(noise(3200))); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	var msg app.Message
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read detection: %v", err)
	}
	if msg.Type != "detection" || msg.Detection == nil || msg.Detection.Model != "okay_nabu" {
		t.Fatalf("message = %+v, want a detection", msg)
	}

	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		t.Logf("close: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for a.Streams().Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream still active after the client closed")
		}
		time.Sleep(time.Millisecond)
	}
	if len(sink.Recorded()) == 0 {
		t.Error("no detection recorded")
	}
}

func TestHandler_StreamBadCodec(t *testing.T) {
	t.Parallel()

	a, _ := newApp(t, testConfig())
	srv := httptest.NewServer(a.Handler(prometheus.NewRegistry()))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + app.StreamPath + "?codec=mp3")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	old := testConfig()
	a, _ := newApp(t, old)

	next := testConfig()
	next.Detection.Models = []string{"hey_jarvis"}
	next.Detection.Debounce = time.Second
	next.Server.ListenAddr = ":1"
	diff := config.Diff(old, next)
	if err := a.ApplyConfig(context.Background(), next, diff); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if got := modelIDs(a.Models()); len(got) != 1 || got[0] != "hey_jarvis" {
		t.Errorf("models = %v, want [hey_jarvis]", got)
	}
	if a.Config().Detection.Debounce != time.Second {
		t.Errorf("debounce = %v, want 1s", a.Config().Detection.Debounce)
	}
	if a.Config().Server.ListenAddr != old.Server.ListenAddr {
		t.Error("restart-only listen_addr was applied")
	}

	bad := testConfig()
	bad.Detection.Models = []string{"unknown_model"}
	if err := a.ApplyConfig(context.Background(), bad, config.Diff(next, bad)); err == nil {
		t.Fatal("ApplyConfig accepted an unknown model")
	}
	if got := modelIDs(a.Models()); got[0] != "hey_jarvis" {
		t.Errorf("models after failed reload = %v, want unchanged", got)
	}
}
