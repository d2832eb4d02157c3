// Package app wires the wake-word subsystems into a running application.
//
// The App struct owns the full lifecycle: New resolves the models from the
// catalog, creates the inference backend and the event sinks, Listen and
// Handler run listeners over audio streams, ApplyConfig takes hot-reloaded
// settings and Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithBackend,
// WithSink, WithCatalogSource, WithFS). When an option is not provided, New
// creates the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/MrWong99/wakeword/internal/config"
	"github.com/MrWong99/wakeword/internal/events"
	"github.com/MrWong99/wakeword/internal/health"
	"github.com/MrWong99/wakeword/internal/listener"
	"github.com/MrWong99/wakeword/internal/observe"
	"github.com/MrWong99/wakeword/internal/resilience"
	"github.com/MrWong99/wakeword/pkg/audio"
	"github.com/MrWong99/wakeword/pkg/catalog"
	"github.com/MrWong99/wakeword/pkg/classifier"
	"github.com/MrWong99/wakeword/pkg/inference"
)

// ErrNoModels is returned by [New] when no model can be resolved from the
// catalog.
var ErrNoModels = errors.New("app: no wake-word models available")

// App owns all subsystem lifetimes.
type App struct {
	mu     sync.RWMutex
	cfg    *config.Config
	models []catalog.Descriptor

	reg      *config.Registry
	backend  inference.Backend
	catalog  catalog.Source
	cache    *catalog.Cache
	fs       afero.Fs
	sink     events.Sink
	fallback *events.FallbackSink
	metrics  *observe.Metrics
	health   *health.Handler
	streams  *StreamManager

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBackend injects an inference backend instead of creating one from
// the registry.
func WithBackend(b inference.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithSink injects an event sink instead of building one from config.
func WithSink(s events.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithCatalogSource injects a catalog source instead of reading
// catalog.dir.
func WithCatalogSource(src catalog.Source) Option {
	return func(a *App) { a.catalog = src }
}

// WithFS sets the filesystem for manifests and model files. Defaults to the
// OS filesystem.
func WithFS(fs afero.Fs) Option {
	return func(a *App) { a.fs = fs }
}

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. Backends are created through reg, which may
// be nil when a backend is injected.
//
// New performs all initialisation synchronously: backend creation, catalog
// load and model resolution, and event sink setup (including the Postgres
// migration).
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, reg: reg}
	for _, o := range opts {
		o(a)
	}
	if a.fs == nil {
		a.fs = afero.NewOsFs()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.catalog == nil {
		a.catalog = catalog.DirSource{Fs: a.fs, Dir: cfg.Catalog.Dir}
	}
	a.cache = catalog.NewCache(a.catalog)
	a.streams = NewStreamManager()

	// ── 1. Inference backend ─────────────────────────────────────────────
	if err := a.initBackend(); err != nil {
		return nil, fmt.Errorf("app: init backend: %w", err)
	}

	// ── 2. Catalog + models ──────────────────────────────────────────────
	if err := a.initModels(ctx); err != nil {
		return nil, fmt.Errorf("app: init models: %w", err)
	}

	// ── 3. Event sinks ───────────────────────────────────────────────────
	if err := a.initEvents(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init events: %w", err)
	}

	// ── 4. Health ────────────────────────────────────────────────────────
	a.health = health.New(health.ModelsLoaded(func() int { return len(a.Models()) }))
	if a.fallback != nil {
		a.health.Add(health.EventSink(a.fallback.Check))
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initBackend() error {
	if a.backend != nil {
		return nil
	}
	if a.reg == nil {
		return errors.New("no registry and no injected backend")
	}
	b, err := a.reg.CreateBackend(a.cfg.Detection.Backend)
	if err != nil {
		return err
	}
	a.backend = b
	slog.Info("inference backend created", "name", a.cfg.Detection.Backend.Name)
	return nil
}

// initModels loads the catalog and resolves the configured model ids.
func (a *App) initModels(ctx context.Context) error {
	res, err := a.cache.Load(ctx)
	if err != nil {
		return err
	}
	for _, rej := range res.Rejected {
		slog.Warn("catalog entry rejected", "entry", rej.Entry, "reasons", rej.Fields(), "err", rej.Err)
		a.metrics.RecordCatalogRejection(ctx, rej.Entry)
	}

	models, err := resolveModels(res, a.cfg)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.models = models
	a.mu.Unlock()

	ids := make([]string, len(models))
	for i, d := range models {
		ids[i] = d.ID
	}
	slog.Info("wake-word models resolved", "models", ids, "available", len(res.Models), "rejected", len(res.Rejected))
	return nil
}

// resolveModels maps the configured ids to descriptors. Explicitly listed
// models must exist; the selected model falls back to the first available
// one.
func resolveModels(res *catalog.Result, cfg *config.Config) ([]catalog.Descriptor, error) {
	if len(cfg.Detection.Models) == 0 {
		d, exact, ok := res.Select(cfg.Catalog.Selected)
		if !ok {
			return nil, ErrNoModels
		}
		if !exact && cfg.Catalog.Selected != "" {
			slog.Warn("selected model not in catalog, using first available",
				"selected", cfg.Catalog.Selected, "using", d.ID)
		}
		return []catalog.Descriptor{d}, nil
	}

	out := make([]catalog.Descriptor, 0, len(cfg.Detection.Models))
	var errs []error
	for _, id := range cfg.Detection.Models {
		d, ok := res.Get(id)
		if !ok {
			errs = append(errs, unknownModel(res, id))
			continue
		}
		out = append(out, d)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

func unknownModel(res *catalog.Result, id string) error {
	var names []string
	for _, m := range res.Suggest(id, 3) {
		names = append(names, m.Descriptor.ID)
	}
	if len(names) == 0 {
		return fmt.Errorf("model %q not in catalog", id)
	}
	return fmt.Errorf("model %q not in catalog; did you mean %s?", id, strings.Join(names, ", "))
}

// initEvents builds the sink chain from cfg.Events unless one was injected.
// With a Postgres DSN the database is the primary of a [events.FallbackSink]
// and the file (or log) sink its fallback.
func (a *App) initEvents(ctx context.Context) error {
	if a.sink != nil {
		return nil
	}
	ec := a.cfg.Events

	var local []events.NamedSink
	if ec.File != "" {
		local = append(local, events.NamedSink{Name: "file", Sink: events.NewFileSink(a.fs, ec.File)})
	}
	if ec.Log {
		local = append(local, events.NamedSink{Name: "log", Sink: events.NewLogSink(nil)})
	}

	var sink events.Sink
	switch {
	case ec.PostgresDSN != "":
		pg, err := events.OpenPostgres(ctx, ec.PostgresDSN)
		if err != nil {
			return err
		}
		fallbacks := local
		if len(fallbacks) == 0 {
			fallbacks = []events.NamedSink{{Name: "log", Sink: events.NewLogSink(nil)}}
		}
		a.fallback = events.NewFallbackSink(
			events.NamedSink{Name: "postgres", Sink: pg},
			a.breakerConfig(ctx),
			fallbacks...,
		)
		sink = a.fallback
	case len(local) == 1:
		sink = local[0].Sink
	case len(local) > 1:
		multi := make(events.MultiSink, len(local))
		for i, s := range local {
			multi[i] = s.Sink
		}
		sink = multi
	default:
		sink = events.Discard
	}

	a.sink = sink
	a.closers = append(a.closers, sink.Close)
	return nil
}

func (a *App) breakerConfig(ctx context.Context) resilience.CircuitBreakerConfig {
	bc := a.cfg.Events.Breaker
	return resilience.CircuitBreakerConfig{
		MaxFailures:  bc.MaxFailures,
		ResetTimeout: bc.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("event sink breaker changed state", "sink", name, "from", from.String(), "to", to.String())
			if to == resilience.StateOpen {
				a.metrics.RecordSinkError(ctx, name)
			}
		},
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Models returns the resolved model descriptors.
func (a *App) Models() []catalog.Descriptor {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]catalog.Descriptor(nil), a.models...)
}

// Config returns the active configuration.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Streams returns the manager tracking active listeners.
func (a *App) Streams() *StreamManager { return a.streams }

// Health returns the health handler.
func (a *App) Health() *health.Handler { return a.health }

// ─── Listening ───────────────────────────────────────────────────────────────

// Hooks are optional callbacks for one stream.
type Hooks struct {
	OnReady    func(models []catalog.Descriptor)
	OnDetected func(d events.Detection)
}

// NewListener builds a listener for one stream from the current config.
func (a *App) NewListener(streamID string, hooks Hooks) *listener.Listener {
	a.mu.RLock()
	cfg, models := a.cfg, a.models
	a.mu.RUnlock()

	return listener.New(listener.Config{
		StreamID:     streamID,
		Models:       models,
		Backend:      a.backend,
		Options:      a.classifierOptions(cfg),
		ChunkSamples: cfg.Audio.ChunkSamples,
		Debounce:     cfg.Detection.Debounce,
		Sink:         a.sink,
		Metrics:      a.metrics,
		OnReady:      hooks.OnReady,
		OnDetected:   hooks.OnDetected,
	})
}

// classifierOptions returns the per-model options: the microWakeWord policy
// with the configured overrides, and the model filesystem.
func (a *App) classifierOptions(cfg *config.Config) func(catalog.Descriptor) []classifier.Option {
	return func(desc catalog.Descriptor) []classifier.Option {
		return []classifier.Option{
			classifier.WithFS(a.fs),
			classifier.WithPolicy(cfg.Detection.Policy.Apply(classifier.MicroWakeWordPolicy(desc))),
		}
	}
}

// Listen runs a listener over src until the source ends or ctx is done.
// The stream is tracked by the [StreamManager] while it runs.
func (a *App) Listen(ctx context.Context, streamID string, src audio.Source, hooks Hooks) error {
	l := a.NewListener(streamID, hooks)
	if err := a.streams.Add(streamID, l); err != nil {
		_ = src.Close()
		return err
	}
	defer a.streams.Remove(streamID)
	return l.Run(ctx, src)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops every stream, then runs the closers in order. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "streams", a.streams.Count(), "closers", len(a.closers))
		a.streams.StopAll()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) close() {
	for _, closer := range a.closers {
		_ = closer()
	}
}
