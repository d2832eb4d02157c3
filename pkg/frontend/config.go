package frontend

import "fmt"

// Float32Scale converts a fixed-point bin value into the float feature scale
// the wake-word models were trained with (1/25.6).
const Float32Scale = 0.0390625

// Config controls every stage of the feature extractor. [DefaultConfig]
// returns the parameters the published wake-word models are trained with;
// changing any of them changes the features bit-for-bit.
type Config struct {
	// SampleRate is the PCM sample rate in Hz. Default 16000.
	SampleRate int

	// WindowSizeMs is the analysis window length in milliseconds. Default 30.
	WindowSizeMs int

	// WindowStepMs is the hop between successive windows in milliseconds.
	// One frame is produced per step once the first window is full. Default 10.
	WindowStepMs int

	Filterbank     FilterbankConfig
	NoiseReduction NoiseReductionConfig
	PCAN           PCANConfig
	LogScale       LogScaleConfig
}

// FilterbankConfig describes the mel filterbank.
type FilterbankConfig struct {
	// NumChannels is the number of mel bins per frame. Default 40.
	NumChannels int

	// LowerBandLimit and UpperBandLimit bound the filterbank in Hz.
	// Defaults 125 and 7500.
	LowerBandLimit float32
	UpperBandLimit float32
}

// NoiseReductionConfig tunes the per-channel noise floor estimator.
type NoiseReductionConfig struct {
	// SmoothingBits is the extra fixed-point precision of the noise estimate.
	SmoothingBits int

	// EvenSmoothing and OddSmoothing are the EMA coefficients applied to
	// even and odd channels, in [0, 1].
	EvenSmoothing float32
	OddSmoothing  float32

	// MinSignalRemaining is the fraction of the signal kept after
	// subtraction, in [0, 1].
	MinSignalRemaining float32
}

// PCANConfig tunes per-channel amplitude normalization.
type PCANConfig struct {
	Enabled  bool
	Strength float32
	Offset   float32
	GainBits int
}

// LogScaleConfig controls the final log compression.
type LogScaleConfig struct {
	Enabled    bool
	ScaleShift int
}

// DefaultConfig returns the microWakeWord training parameters.
func DefaultConfig() Config {
	return Config{
		SampleRate:   16000,
		WindowSizeMs: 30,
		WindowStepMs: 10,
		Filterbank: FilterbankConfig{
			NumChannels:    40,
			LowerBandLimit: 125,
			UpperBandLimit: 7500,
		},
		NoiseReduction: NoiseReductionConfig{
			SmoothingBits:      10,
			EvenSmoothing:      0.025,
			OddSmoothing:       0.06,
			MinSignalRemaining: 0.05,
		},
		PCAN: PCANConfig{
			Enabled:  true,
			Strength: 0.95,
			Offset:   80,
			GainBits: 21,
		},
		LogScale: LogScaleConfig{
			Enabled:    true,
			ScaleShift: 6,
		},
	}
}

// WindowSamples returns the analysis window length in samples.
func (c Config) WindowSamples() int { return c.WindowSizeMs * c.SampleRate / 1000 }

// StepSamples returns the hop length in samples. Every slice passed to
// [Extractor.ProcessSamples] must be a positive multiple of it.
func (c Config) StepSamples() int { return c.WindowStepMs * c.SampleRate / 1000 }

// Validate reports the first structural problem with c, wrapped in
// [ErrConfiguration].
func (c Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate %d must be positive", ErrConfiguration, c.SampleRate)
	case c.WindowSizeMs <= 0:
		return fmt.Errorf("%w: window size %dms must be positive", ErrConfiguration, c.WindowSizeMs)
	case c.WindowStepMs <= 0:
		return fmt.Errorf("%w: step size %dms must be positive", ErrConfiguration, c.WindowStepMs)
	case c.StepSamples() <= 0:
		return fmt.Errorf("%w: step of %dms is shorter than one sample at %d Hz", ErrConfiguration, c.WindowStepMs, c.SampleRate)
	case c.WindowStepMs > c.WindowSizeMs:
		return fmt.Errorf("%w: step %dms exceeds window %dms", ErrConfiguration, c.WindowStepMs, c.WindowSizeMs)
	case c.Filterbank.NumChannels <= 0:
		return fmt.Errorf("%w: filterbank channel count %d must be positive", ErrConfiguration, c.Filterbank.NumChannels)
	case c.Filterbank.LowerBandLimit < 0 || c.Filterbank.UpperBandLimit <= c.Filterbank.LowerBandLimit:
		return fmt.Errorf("%w: filterbank band [%g, %g] Hz is empty", ErrConfiguration, c.Filterbank.LowerBandLimit, c.Filterbank.UpperBandLimit)
	case float64(c.Filterbank.UpperBandLimit) > float64(c.SampleRate)/2:
		return fmt.Errorf("%w: filterbank upper limit %g Hz exceeds Nyquist", ErrConfiguration, c.Filterbank.UpperBandLimit)
	case c.NoiseReduction.SmoothingBits < 0 || c.NoiseReduction.SmoothingBits > 16:
		return fmt.Errorf("%w: noise reduction smoothing bits %d out of range [0, 16]", ErrConfiguration, c.NoiseReduction.SmoothingBits)
	case !unit(c.NoiseReduction.EvenSmoothing) || !unit(c.NoiseReduction.OddSmoothing) || !unit(c.NoiseReduction.MinSignalRemaining):
		return fmt.Errorf("%w: noise reduction coefficients must lie in [0, 1]", ErrConfiguration)
	case c.LogScale.ScaleShift < 0 || c.LogScale.ScaleShift > 16:
		return fmt.Errorf("%w: log scale shift %d out of range [0, 16]", ErrConfiguration, c.LogScale.ScaleShift)
	}
	if c.PCAN.Enabled {
		if c.PCAN.Strength < 0 || c.PCAN.Offset < 0 {
			return fmt.Errorf("%w: pcan strength and offset must not be negative", ErrConfiguration)
		}
		if c.PCAN.GainBits < 0 || c.PCAN.GainBits > 30 {
			return fmt.Errorf("%w: pcan gain bits %d out of range [0, 30]", ErrConfiguration, c.PCAN.GainBits)
		}
	}
	return nil
}

func unit(v float32) bool { return v >= 0 && v <= 1 }
