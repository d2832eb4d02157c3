// Package classifier runs a wake-word model over a live PCM stream.
//
// A [Classifier] owns one feature extractor and one loaded model. Each call
// to [Classifier.ProcessAudio] turns the new samples into feature frames,
// slides them through a window of SlidingWindowSize frames and, once the
// window is full, runs the model and feeds the probability to the detection
// [Policy]:
//
//	samples -> frontend.Extractor -> frame window -> model -> Policy -> bool
//
// A Classifier is single-owner. It keeps mutable streaming state, takes no
// locks and must not be used from more than one goroutine at a time. Run one
// Classifier per model per goroutine; they share nothing.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/afero"

	"github.com/MrWong99/wakeword/pkg/catalog"
	"github.com/MrWong99/wakeword/pkg/frontend"
	"github.com/MrWong99/wakeword/pkg/inference"
)

// Classifier is a streaming wake-word classifier. Create one with [New] or
// scope one with [With].
type Classifier struct {
	desc     catalog.Descriptor
	policy   Policy
	log      *slog.Logger
	observer Observer

	ext   *frontend.Extractor
	model inference.Model
	input inference.TensorInfo
	out   inference.TensorInfo

	step     int
	channels int
	pending  []int16

	// window is a ring of the most recent frames; head is the slot the next
	// frame goes into.
	window [][]float32
	zero   []bool
	head   int
	filled int

	untilInference int
	cooldown       int
	det            *detector

	features []float32
	inBuf    []byte
	outBuf   []byte

	lastScore float64
	closed    bool
}

// New binds a fresh classifier to desc. It reads the model file named by
// desc (ModelPath, else Model), loads it with backend and checks that the
// model takes SlidingWindowSize x channels features and returns one scalar.
// Model problems are reported as [*ModelLoadError]; invalid parameters wrap
// [ErrConfiguration].
func New(ctx context.Context, desc catalog.Descriptor, backend inference.Backend, opts ...Option) (*Classifier, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if backend == nil {
		return nil, fmt.Errorf("%w: nil inference backend", ErrConfiguration)
	}
	if desc.Micro.SlidingWindowSize <= 0 {
		return nil, fmt.Errorf("%w: model %q: sliding window size %d must be positive", ErrConfiguration, desc.ID, desc.Micro.SlidingWindowSize)
	}
	if !(desc.Micro.ProbabilityCutoff >= 0 && desc.Micro.ProbabilityCutoff <= 1) {
		return nil, fmt.Errorf("%w: model %q: probability cutoff %g is outside [0, 1]", ErrConfiguration, desc.ID, desc.Micro.ProbabilityCutoff)
	}
	if err := o.policy.Validate(); err != nil {
		return nil, err
	}

	fcfg := o.frontend
	if desc.Micro.FeatureStepSize > 0 {
		fcfg.WindowStepMs = desc.Micro.FeatureStepSize
	}
	ext, err := frontend.New(fcfg)
	if err != nil {
		return nil, fmt.Errorf("%w: model %q: %w", ErrConfiguration, desc.ID, err)
	}

	model, err := loadModel(ctx, desc, backend, o.fs)
	if err != nil {
		_ = ext.Close()
		return nil, err
	}

	n, channels := desc.Micro.SlidingWindowSize, ext.NumChannels()
	if err := checkShapes(desc, model, n, channels); err != nil {
		_ = model.Close()
		_ = ext.Close()
		return nil, err
	}

	c := &Classifier{
		desc:     desc,
		policy:   o.policy,
		log:      o.log.With("model", desc.ID),
		observer: o.observer,
		ext:      ext,
		model:    model,
		input:    model.Input(),
		out:      model.Output(),
		step:     ext.StepSamples(),
		channels: channels,
		window:   make([][]float32, n),
		zero:     make([]bool, n),
		det:      newDetector(o.policy, desc.Micro.ProbabilityCutoff),
		features: make([]float32, n*channels),
	}
	c.pending = make([]int16, 0, c.step)
	c.inBuf = make([]byte, c.input.Bytes())
	c.outBuf = make([]byte, max(c.out.Bytes(), 4))
	for i := range c.window {
		c.window[i] = make([]float32, channels)
	}
	c.log.Debug("classifier ready",
		"wake_word", desc.WakeWord,
		"input", c.input.String(),
		"output", c.out.String(),
		"policy", string(c.policy.Mode),
	)
	return c, nil
}

// With creates a classifier, passes it to fn and closes it on every return
// path. The close error is joined with fn's.
func With(ctx context.Context, desc catalog.Descriptor, backend inference.Backend, fn func(*Classifier) error, opts ...Option) (err error) {
	c, err := New(ctx, desc, backend, opts...)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, c.Close())
	}()
	return fn(c)
}

func loadModel(ctx context.Context, desc catalog.Descriptor, backend inference.Backend, fs afero.Fs) (inference.Model, error) {
	path := desc.ModelPath
	if path == "" {
		path = desc.Model
	}
	if path == "" {
		return nil, &ModelLoadError{Model: desc.ID, Reason: "descriptor names no model file"}
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, &ModelLoadError{Model: desc.ID, Reason: "read model file", Err: err}
	}
	if len(data) == 0 {
		return nil, &ModelLoadError{Model: desc.ID, Reason: fmt.Sprintf("model file %q is empty", path)}
	}
	model, err := backend.Load(ctx, data)
	if err != nil {
		return nil, &ModelLoadError{Model: desc.ID, Reason: "parse model", Err: err}
	}
	if model == nil {
		return nil, &ModelLoadError{Model: desc.ID, Reason: "backend returned no model"}
	}
	return model, nil
}

func checkShapes(desc catalog.Descriptor, model inference.Model, n, channels int) error {
	in, out := model.Input(), model.Output()
	switch {
	case in.DType.Size() == 0:
		return &ModelLoadError{Model: desc.ID, Reason: fmt.Sprintf("unsupported input type %s", in.DType)}
	case in.Elements() != n*channels || len(in.Shape) == 0 || in.Shape[len(in.Shape)-1] != channels:
		return &ModelLoadError{Model: desc.ID, Reason: fmt.Sprintf("input shape %s, want %d x %d", in, n, channels)}
	case out.DType.Size() == 0:
		return &ModelLoadError{Model: desc.ID, Reason: fmt.Sprintf("unsupported output type %s", out.DType)}
	case out.Elements() != 1:
		return &ModelLoadError{Model: desc.ID, Reason: fmt.Sprintf("output shape %s, want a single scalar", out)}
	}
	return nil
}

// Descriptor returns the model the classifier is bound to.
func (c *Classifier) Descriptor() catalog.Descriptor { return c.desc }

// Policy returns the detection policy in use.
func (c *Classifier) Policy() Policy { return c.policy }

// StepSamples is the number of samples per feature frame.
func (c *Classifier) StepSamples() int { return c.step }

// LastScore is the value the policy compared against the cutoff on the most
// recent inference: the window mean in [ModeAverage], the probability in
// [ModeConsecutive].
func (c *Classifier) LastScore() float64 { return c.lastScore }

// ProcessAudio consumes samples and reports whether the wake word was
// detected. Samples of any length are accepted; a remainder shorter than one
// step is kept for the next call. It returns false while the window is
// filling, when no new frame was produced and when the policy does not fire.
// At most one model run happens per produced frame. Samples following the
// frame that triggered a detection are discarded.
func (c *Classifier) ProcessAudio(samples []int16) (bool, error) {
	if c.closed {
		return false, ErrUseAfterClose
	}

	if len(c.pending) > 0 {
		n := min(c.step-len(c.pending), len(samples))
		c.pending = append(c.pending, samples[:n]...)
		samples = samples[n:]
		if len(c.pending) < c.step {
			return false, nil
		}
		detected, err := c.feed(c.pending)
		c.pending = c.pending[:0]
		if err != nil {
			return false, err
		}
		if detected {
			return true, nil
		}
	}

	whole := len(samples) - len(samples)%c.step
	if whole > 0 {
		detected, err := c.feed(samples[:whole])
		if err != nil {
			return false, err
		}
		if detected {
			return true, nil
		}
	}
	c.pending = append(c.pending, samples[whole:]...)
	return false, nil
}

// feed runs whole steps through the extractor and the window.
func (c *Classifier) feed(samples []int16) (bool, error) {
	frames, err := c.ext.ProcessSamples(samples)
	if err != nil {
		return false, fmt.Errorf("classifier: extract features: %w", err)
	}
	if c.observer != nil && len(frames) > 0 {
		c.observer.FramesProcessed(c.desc.ID, len(frames))
	}
	for _, f := range frames {
		if c.pushFrame(f) {
			c.detected()
			return true, nil
		}
	}
	return false, nil
}

// pushFrame slides f into the window and runs inference when due.
func (c *Classifier) pushFrame(f frontend.Frame) bool {
	if c.cooldown > 0 {
		c.cooldown--
		return false
	}

	slot := c.window[c.head]
	for i, v := range f {
		slot[i] = float32(v) * frontend.Float32Scale
	}
	c.zero[c.head] = f.IsZero()
	c.head = (c.head + 1) % len(c.window)
	c.filled = min(c.filled+1, len(c.window))
	if c.filled < len(c.window) {
		return false
	}

	if c.untilInference > 0 {
		c.untilInference--
		return false
	}
	c.untilInference = c.policy.InferenceStride - 1

	fired := c.det.add(c.infer())
	c.lastScore = c.det.score
	return fired
}

// infer returns the model probability for the current window. A window of
// silent frames scores zero without running the model, and a failed run
// scores zero too.
func (c *Classifier) infer() float64 {
	silent := true
	for _, z := range c.zero {
		silent = silent && z
	}
	if silent {
		return 0
	}

	// Oldest frame first.
	n := len(c.window)
	for i := range n {
		copy(c.features[i*c.channels:], c.window[(c.head+i)%n])
	}

	var start time.Time
	if c.observer != nil {
		start = time.Now()
	}
	p, err := c.run()
	if err != nil {
		c.log.Warn("inference failed, treating probability as zero", "err", err)
		p = 0
	}
	if c.observer != nil {
		c.observer.InferenceCompleted(c.desc.ID, time.Since(start), p, err)
	}
	return p
}

func (c *Classifier) run() (float64, error) {
	if err := inference.QuantizeFeatures(c.input, c.features, c.inBuf); err != nil {
		return 0, err
	}
	clear(c.outBuf)
	if err := c.model.Run(c.inBuf, c.outBuf); err != nil {
		return 0, err
	}
	return inference.DequantizeProbability(c.out, c.outBuf)
}

// detected applies the post-detection part of the policy.
func (c *Classifier) detected() {
	c.log.Info("wake word detected", "wake_word", c.desc.WakeWord, "score", c.lastScore)
	if c.observer != nil {
		c.observer.Detected(c.desc.ID, c.lastScore)
	}
	c.cooldown = c.policy.CooldownFrames
	c.pending = c.pending[:0]
	if c.policy.ResetOnDetect {
		c.clearWindow()
		// The extractor is open here; Reset cannot fail.
		_ = c.ext.Reset()
	}
}

func (c *Classifier) clearWindow() {
	for i := range c.window {
		clear(c.window[i])
		c.zero[i] = false
	}
	c.head, c.filled, c.untilInference = 0, 0, 0
}

// Reset clears the frame window, the policy state, buffered samples and the
// extractor state. The loaded model is kept; the next ProcessAudio behaves
// exactly as on a new classifier.
func (c *Classifier) Reset() error {
	if c.closed {
		return ErrUseAfterClose
	}
	c.clearWindow()
	c.det.reset()
	c.cooldown = 0
	c.lastScore = 0
	c.pending = c.pending[:0]
	if err := c.ext.Reset(); err != nil {
		return fmt.Errorf("classifier: reset extractor: %w", err)
	}
	return nil
}

// Close releases the model and the extractor. It is idempotent; later
// ProcessAudio and Reset calls return [ErrUseAfterClose].
func (c *Classifier) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := errors.Join(c.model.Close(), c.ext.Close())
	c.model = nil
	c.window = nil
	c.features = nil
	if err != nil {
		return fmt.Errorf("classifier: close %q: %w", c.desc.ID, err)
	}
	return nil
}
