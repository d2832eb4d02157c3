package classifier

import (
	"log/slog"
	"time"

	"github.com/spf13/afero"

	"github.com/MrWong99/wakeword/pkg/frontend"
)

// Observer receives per-classifier measurements. Implementations must be
// cheap; they run on the audio path.
type Observer interface {
	// FramesProcessed is called with the number of feature frames each
	// ProcessAudio call produced.
	FramesProcessed(model string, n int)

	// InferenceCompleted is called after every model run. err is non-nil
	// when the run failed and the probability was taken as zero.
	InferenceCompleted(model string, took time.Duration, probability float64, err error)

	// Detected is called when the policy fires.
	Detected(model string, score float64)
}

// Option configures a [Classifier].
type Option func(*options)

type options struct {
	policy   Policy
	fs       afero.Fs
	log      *slog.Logger
	observer Observer
	frontend frontend.Config
}

func defaultOptions() options {
	return options{
		policy:   DefaultPolicy(),
		fs:       afero.NewOsFs(),
		log:      slog.Default(),
		frontend: frontend.DefaultConfig(),
	}
}

// WithPolicy sets the detection policy. Default: [DefaultPolicy].
func WithPolicy(p Policy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithFS sets the filesystem the model file is read from. Default: the OS
// filesystem.
func WithFS(fs afero.Fs) Option {
	return func(o *options) {
		if fs != nil {
			o.fs = fs
		}
	}
}

// WithLogger sets the logger for load and detection messages.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithObserver registers an [Observer].
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithFrontendConfig overrides the feature extractor configuration. The
// step size is still taken from the descriptor when it sets one.
func WithFrontendConfig(cfg frontend.Config) Option {
	return func(o *options) { o.frontend = cfg }
}
