// Package frontend implements the fixed-point audio feature extractor used by
// microWakeWord models.
//
// An [Extractor] turns a stream of 16-bit mono PCM into 40-bin log mel
// filterbank frames, one frame per step (10 ms by default) once a full
// analysis window (30 ms) has been buffered. The pipeline per window is:
//
//	Hann window (Q12) -> 512-point real FFT (Q15) -> mel filterbank (Q12)
//	-> noise reduction (Q14) -> PCAN gain control (Q21) -> log scale
//
// All arithmetic is integer and reproduces the TFLite Micro audio frontend
// bit-for-bit, which is what the models are trained against.
//
// An Extractor is single-owner: it keeps mutable streaming state and must not
// be used from more than one goroutine at a time without external locking.
package frontend

import (
	"fmt"
)

// Frame is one feature vector of fixed-point filterbank bins.
type Frame []uint16

// Float returns the frame in the float feature scale the models expect.
func (f Frame) Float() []float32 {
	out := make([]float32, len(f))
	for i, v := range f {
		out[i] = float32(v) * Float32Scale
	}
	return out
}

// IsZero reports whether every bin of f is zero, which is what silence
// produces.
func (f Frame) IsZero() bool {
	for _, v := range f {
		if v != 0 {
			return false
		}
	}
	return true
}

// Extractor is a streaming feature extractor. Create one with [New].
type Extractor struct {
	cfg            Config
	step           int
	correctionBits int

	window *window
	fft    *fftStage
	fbank  *filterbank
	noise  *noiseReduction
	pcan   *pcan
	log    logScaler

	closed bool
}

// New builds an extractor for cfg. It returns an error wrapping
// [ErrConfiguration] when cfg is invalid.
func New(cfg Config) (*Extractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	win := newWindow(cfg.WindowSamples(), cfg.StepSamples())
	fft, err := newFFTStage(win.size)
	if err != nil {
		return nil, err
	}
	fbank, err := newFilterbank(cfg.Filterbank, cfg.SampleRate, fft.fftSize/2+1)
	if err != nil {
		return nil, err
	}

	e := &Extractor{
		cfg:            cfg,
		step:           cfg.StepSamples(),
		correctionBits: msb32(uint32(fft.fftSize)) - 1 - filterbankBits/2,
		window:         win,
		fft:            fft,
		fbank:          fbank,
		noise:          newNoiseReduction(cfg.NoiseReduction, cfg.Filterbank.NumChannels),
		log:            logScaler{enabled: cfg.LogScale.Enabled, scaleShift: cfg.LogScale.ScaleShift},
	}
	if cfg.PCAN.Enabled {
		inputBits := cfg.NoiseReduction.SmoothingBits - e.correctionBits
		snrShift := cfg.PCAN.GainBits - e.correctionBits - pcanSnrBits
		if inputBits < 0 || snrShift < 0 {
			return nil, fmt.Errorf("%w: pcan gain bits %d and smoothing bits %d are too small for fft size %d",
				ErrConfiguration, cfg.PCAN.GainBits, cfg.NoiseReduction.SmoothingBits, fft.fftSize)
		}
		e.pcan = newPCAN(cfg.PCAN, e.noise.estimate, cfg.NoiseReduction.SmoothingBits, e.correctionBits)
	}
	return e, nil
}

// Config returns the configuration the extractor was built with.
func (e *Extractor) Config() Config { return e.cfg }

// StepSamples is the input quantum: the number of samples per produced frame.
func (e *Extractor) StepSamples() int { return e.step }

// NumChannels is the number of bins in every produced frame.
func (e *Extractor) NumChannels() int { return e.cfg.Filterbank.NumChannels }

// ProcessSamples consumes samples and returns the frames they complete. The
// length of samples must be a positive multiple of [Extractor.StepSamples];
// otherwise it returns an error wrapping [ErrInvalidInput] and leaves the
// state untouched. Frames are freshly allocated and owned by the caller.
func (e *Extractor) ProcessSamples(samples []int16) ([]Frame, error) {
	if e.closed {
		return nil, ErrClosed
	}
	if len(samples) == 0 || len(samples)%e.step != 0 {
		return nil, fmt.Errorf("%w: %d samples is not a positive multiple of %d", ErrInvalidInput, len(samples), e.step)
	}

	var frames []Frame
	for len(samples) > 0 {
		read, ready := e.window.process(samples)
		samples = samples[read:]
		if ready {
			frames = append(frames, e.frame())
		}
	}
	return frames, nil
}

// frame runs the spectral stages over the window's current output.
func (e *Extractor) frame() Frame {
	shift := 15 - msb32(uint32(e.window.maxAbs))
	e.fft.compute(e.window.output, shift)
	signal := e.fbank.apply(e.fft.output, shift)
	e.noise.apply(signal)
	if e.pcan != nil {
		e.pcan.apply(signal)
	}
	out := make(Frame, len(signal))
	e.log.apply(signal, e.correctionBits, out)
	return out
}

// Reset returns the extractor to its freshly constructed state: buffered
// samples, noise estimate (and with it the PCAN gain) and FFT scratch are
// zeroed.
func (e *Extractor) Reset() error {
	if e.closed {
		return ErrClosed
	}
	e.window.reset()
	e.fft.reset()
	e.fbank.reset()
	e.noise.reset()
	return nil
}

// Close releases the extractor's buffers. It is idempotent.
func (e *Extractor) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.window = nil
	e.fft = nil
	e.fbank = nil
	e.noise = nil
	e.pcan = nil
	return nil
}
