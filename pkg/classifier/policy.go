package classifier

import (
	"errors"
	"fmt"

	"github.com/MrWong99/wakeword/pkg/catalog"
)

// Mode selects how per-inference probabilities turn into a detection.
type Mode string

const (
	// ModeAverage detects when the mean of the last ProbabilityWindow
	// probabilities reaches the cutoff. The window must be full.
	ModeAverage Mode = "average"

	// ModeConsecutive detects after ConsecutiveHits successive
	// probabilities at or above the cutoff.
	ModeConsecutive Mode = "consecutive"
)

// Policy is the debounce applied between inference and reporting a
// detection. A probability of zero never counts toward a detection,
// whatever the cutoff.
type Policy struct {
	Mode Mode `yaml:"mode"`

	// ProbabilityWindow is the number of inference results averaged in
	// [ModeAverage].
	ProbabilityWindow int `yaml:"probability_window"`

	// ConsecutiveHits is the run length required in [ModeConsecutive].
	ConsecutiveHits int `yaml:"consecutive_hits"`

	// InferenceStride is the number of new frames between inferences once
	// the frame window is full.
	InferenceStride int `yaml:"inference_stride"`

	// CooldownFrames is the number of feature frames dropped after a
	// detection.
	CooldownFrames int `yaml:"cooldown_frames"`

	// ResetOnDetect clears the frame window and the extractor state after a
	// detection, so the next one needs entirely new audio.
	ResetOnDetect bool `yaml:"reset_on_detect"`
}

// DefaultPolicy triggers on a single inference at or above the cutoff.
func DefaultPolicy() Policy {
	return Policy{
		Mode:              ModeAverage,
		ProbabilityWindow: 1,
		ConsecutiveHits:   1,
		InferenceStride:   1,
		ResetOnDetect:     true,
	}
}

// MicroWakeWordPolicy is the policy of the microWakeWord runtime: average
// over SlidingWindowSize results, infer every third frame, drop twice the
// window in frames after a detection and start over.
func MicroWakeWordPolicy(desc catalog.Descriptor) Policy {
	n := max(desc.Micro.SlidingWindowSize, 1)
	return Policy{
		Mode:              ModeAverage,
		ProbabilityWindow: n,
		ConsecutiveHits:   1,
		InferenceStride:   3,
		CooldownFrames:    2 * n,
		ResetOnDetect:     true,
	}
}

// Validate reports every invalid field, wrapped in [ErrConfiguration].
func (p Policy) Validate() error {
	var errs []error
	switch p.Mode {
	case ModeAverage:
		if p.ProbabilityWindow <= 0 {
			errs = append(errs, fmt.Errorf("probability_window %d must be positive", p.ProbabilityWindow))
		}
	case ModeConsecutive:
		if p.ConsecutiveHits <= 0 {
			errs = append(errs, fmt.Errorf("consecutive_hits %d must be positive", p.ConsecutiveHits))
		}
	default:
		errs = append(errs, fmt.Errorf("mode %q must be %q or %q", p.Mode, ModeAverage, ModeConsecutive))
	}
	if p.InferenceStride <= 0 {
		errs = append(errs, fmt.Errorf("inference_stride %d must be positive", p.InferenceStride))
	}
	if p.CooldownFrames < 0 {
		errs = append(errs, fmt.Errorf("cooldown_frames %d must not be negative", p.CooldownFrames))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: policy: %w", ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

// detector applies a Policy to a stream of probabilities.
type detector struct {
	mode   Mode
	cutoff float64
	need   int

	probs  []float64
	next   int
	filled int
	hits   int

	// score is the value compared against the cutoff by the last add.
	score float64
}

func newDetector(p Policy, cutoff float64) *detector {
	d := &detector{mode: p.Mode, cutoff: cutoff, need: p.ConsecutiveHits}
	if p.Mode == ModeAverage {
		d.probs = make([]float64, p.ProbabilityWindow)
	}
	return d
}

// add records p and reports whether the policy fires. The state is cleared
// when it does.
func (d *detector) add(p float64) bool {
	var fired bool
	switch d.mode {
	case ModeConsecutive:
		d.score = p
		if p > 0 && p >= d.cutoff {
			d.hits++
		} else {
			d.hits = 0
		}
		fired = d.hits >= d.need
	default:
		d.probs[d.next] = p
		d.next = (d.next + 1) % len(d.probs)
		d.filled = min(d.filled+1, len(d.probs))
		var sum float64
		for _, v := range d.probs[:d.filled] {
			sum += v
		}
		d.score = sum / float64(d.filled)
		fired = d.filled == len(d.probs) && d.score > 0 && d.score >= d.cutoff
	}
	if fired {
		d.reset()
	}
	return fired
}

func (d *detector) reset() {
	clear(d.probs)
	d.next, d.filled, d.hits = 0, 0, 0
}
