// Package listener runs wake-word classifiers over one audio stream.
//
// A [Listener] opens one [classifier.Classifier] per model, reads chunks
// from an [audio.Source] and hands every chunk to all classifiers, each on
// its own goroutine. Detections pass a time-based debounce shared by all
// models, are written to an [events.Sink] and reported through the
// OnDetected callback.
//
//	audio.Source -> reader -> chunk -> [classifier per model] -> debounce -> Sink
//
// Start may be called again while listening; the previous run is stopped
// first.
package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/wakeword/internal/events"
	"github.com/MrWong99/wakeword/internal/observe"
	"github.com/MrWong99/wakeword/pkg/audio"
	"github.com/MrWong99/wakeword/pkg/catalog"
	"github.com/MrWong99/wakeword/pkg/classifier"
	"github.com/MrWong99/wakeword/pkg/inference"
)

// DefaultDebounce is the minimum time between two reported detections when
// [Config.Debounce] is zero.
const DefaultDebounce = 2 * time.Second

// chunkQueue is the number of chunks buffered per classifier goroutine.
const chunkQueue = 16

// ErrNoModels is returned by [Listener.Start] when [Config.Models] is empty.
var ErrNoModels = errors.New("listener: no models")

// Config holds the dependencies and callbacks of a [Listener].
type Config struct {
	// StreamID is stamped on every detection.
	StreamID string

	Models  []catalog.Descriptor
	Backend inference.Backend

	// Options returns extra classifier options for one model, such as its
	// policy or the filesystem holding the model file. Optional.
	Options func(catalog.Descriptor) []classifier.Option

	// ChunkSamples is the read size. Defaults to [audio.ChunkSamples].
	ChunkSamples int

	// Debounce is the minimum time between two reported detections.
	// Defaults to [DefaultDebounce]; negative disables it.
	Debounce time.Duration

	// Sink records detections. Defaults to [events.Discard].
	Sink events.Sink

	// Metrics, when set, receives classifier and stream measurements.
	Metrics *observe.Metrics

	// Now is the clock used for debounce and detection timestamps.
	Now func() time.Time

	OnReady    func(models []catalog.Descriptor)
	OnDetected func(d events.Detection)
	OnStopped  func()
	OnFailed   func(err error)
}

// Listener runs the classifiers of one stream. All methods are safe for
// concurrent use.
type Listener struct {
	cfg Config

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	loaded  int
	lastHit time.Time
}

// New returns a stopped Listener.
func New(cfg Config) *Listener {
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = audio.ChunkSamples
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Sink == nil {
		cfg.Sink = events.Discard
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Listener{cfg: cfg}
}

// IsListening reports whether a run is in progress.
func (l *Listener) IsListening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// LoadedModels returns the number of open classifiers.
func (l *Listener) LoadedModels() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

// Start opens a classifier per model and starts reading src in the
// background. It stops a previous run first. If any classifier fails to
// open, the ones already open and src are closed, OnFailed is called and
// the error is returned. The listener owns src from here on.
func (l *Listener) Start(ctx context.Context, src audio.Source) error {
	l.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	ids := make([]string, len(l.cfg.Models))
	for i, m := range l.cfg.Models {
		ids[i] = m.ID
	}
	runCtx, span := observe.StartStreamSpan(runCtx, l.cfg.StreamID, ids)

	classifiers, err := l.open(runCtx)
	if err != nil {
		span.RecordError(err)
		span.End()
		cancel()
		_ = src.Close()
		l.fail(err)
		return err
	}

	done := make(chan struct{})
	l.mu.Lock()
	l.cancel = cancel
	l.done = done
	l.err = nil
	l.loaded = len(classifiers)
	l.mu.Unlock()
	l.gauge(runCtx, 1, len(classifiers))

	if l.cfg.OnReady != nil {
		l.cfg.OnReady(l.cfg.Models)
	}

	go func() {
		defer close(done)
		defer span.End()
		err := l.run(runCtx, src, classifiers)
		l.finish(runCtx, src, classifiers, err)
	}()
	return nil
}

// Run is Start followed by Wait.
func (l *Listener) Run(ctx context.Context, src audio.Source) error {
	if err := l.Start(ctx, src); err != nil {
		return err
	}
	return l.Wait()
}

// Wait blocks until the current run ends and returns its error. A run that
// ends because the source is exhausted or Stop was called returns nil.
func (l *Listener) Wait() error {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Stop ends the current run and waits for cleanup. It does nothing when
// not listening.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *Listener) open(ctx context.Context) ([]*classifier.Classifier, error) {
	if len(l.cfg.Models) == 0 {
		return nil, ErrNoModels
	}
	out := make([]*classifier.Classifier, 0, len(l.cfg.Models))
	for _, desc := range l.cfg.Models {
		var opts []classifier.Option
		if l.cfg.Options != nil {
			opts = l.cfg.Options(desc)
		}
		if l.cfg.Metrics != nil {
			opts = append(opts, classifier.WithObserver(l.cfg.Metrics.Observer(ctx)))
		}
		c, err := classifier.New(ctx, desc, l.cfg.Backend, opts...)
		if err != nil {
			if l.cfg.Metrics != nil {
				l.cfg.Metrics.RecordModelLoadError(ctx, desc.ID)
			}
			for _, open := range out {
				_ = open.Close()
			}
			return nil, fmt.Errorf("listener: open %q: %w", desc.ID, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// run reads src until it ends and fans every chunk out to one goroutine
// per classifier.
func (l *Listener) run(ctx context.Context, src audio.Source, classifiers []*classifier.Classifier) error {
	g, gctx := errgroup.WithContext(ctx)

	queues := make([]chan []int16, len(classifiers))
	for i, c := range classifiers {
		q := make(chan []int16, chunkQueue)
		queues[i] = q
		g.Go(func() error { return l.classify(gctx, c, q) })
	}

	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		for {
			buf := make([]int16, l.cfg.ChunkSamples)
			n, err := src.Read(gctx, buf)
			if n > 0 {
				chunk := buf[:n]
				for _, q := range queues {
					select {
					case q <- chunk:
					case <-gctx.Done():
						return gctx.Err()
					}
				}
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("listener: read audio: %w", err)
			}
		}
	})

	return g.Wait()
}

// classify feeds chunks to c. Chunks are shared between classifiers and
// treated as read-only.
func (l *Listener) classify(ctx context.Context, c *classifier.Classifier, chunks <-chan []int16) error {
	for chunk := range chunks {
		detected, err := c.ProcessAudio(chunk)
		if err != nil {
			return fmt.Errorf("listener: model %q: %w", c.Descriptor().ID, err)
		}
		if !detected {
			continue
		}
		// The policy has already applied its cooldown and reset.
		l.report(ctx, c.Descriptor(), c.LastScore())
	}
	return nil
}

// report applies the debounce and records a detection.
func (l *Listener) report(ctx context.Context, desc catalog.Descriptor, score float64) {
	now := l.cfg.Now()
	l.mu.Lock()
	if l.cfg.Debounce > 0 && !l.lastHit.IsZero() && now.Sub(l.lastHit) < l.cfg.Debounce {
		l.mu.Unlock()
		slog.Debug("listener: detection debounced",
			"stream", l.cfg.StreamID,
			"model", desc.ID,
			"since_last", now.Sub(l.lastHit),
		)
		return
	}
	l.lastHit = now
	l.mu.Unlock()

	d := events.NewDetection(events.Detection{
		StreamID:    l.cfg.StreamID,
		Model:       desc.ID,
		WakeWord:    desc.WakeWord,
		Probability: score,
		At:          now.UTC(),
		TraceID:     observe.RecordDetection(ctx, desc.ID, score),
	})
	if err := l.cfg.Sink.Record(ctx, d); err != nil {
		observe.Logger(ctx).Warn("listener: record detection failed",
			"stream", l.cfg.StreamID,
			"model", desc.ID,
			"err", err,
		)
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.RecordSinkError(ctx, "events")
		}
	}
	if l.cfg.OnDetected != nil {
		l.cfg.OnDetected(d)
	}
}

// finish closes everything the run owned and reports how it ended.
func (l *Listener) finish(ctx context.Context, src audio.Source, classifiers []*classifier.Classifier, err error) {
	for _, c := range classifiers {
		if cerr := c.Close(); cerr != nil {
			slog.Warn("listener: close classifier", "stream", l.cfg.StreamID, "err", cerr)
		}
	}
	if cerr := src.Close(); cerr != nil {
		slog.Debug("listener: close source", "stream", l.cfg.StreamID, "err", cerr)
	}
	l.gauge(context.WithoutCancel(ctx), -1, -len(classifiers))

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}

	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.err = err
	l.loaded = 0
	l.mu.Unlock()
	cancel()

	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
		l.fail(err)
		return
	}
	slog.Info("listener stopped", "stream", l.cfg.StreamID)
	if l.cfg.OnStopped != nil {
		l.cfg.OnStopped()
	}
}

func (l *Listener) fail(err error) {
	slog.Error("listener failed", "stream", l.cfg.StreamID, "err", err)
	if l.cfg.OnFailed != nil {
		l.cfg.OnFailed(err)
	}
}

func (l *Listener) gauge(ctx context.Context, streams, models int) {
	if l.cfg.Metrics == nil {
		return
	}
	l.cfg.Metrics.ActiveStreams.Add(ctx, int64(streams))
	l.cfg.Metrics.LoadedModels.Add(ctx, int64(models))
}
