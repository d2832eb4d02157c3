package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelTypeMicro is the only model family the detector runs.
const ModelTypeMicro = "micro"

// ErrValidation matches every [*ValidationError] via [errors.Is].
var ErrValidation = errors.New("catalog: validation failed")

// ValidationError reports one violated invariant of one catalog entry.
type ValidationError struct {
	// Entry is the manifest name.
	Entry string

	// Field is the manifest key that failed, e.g. "micro.probability_cutoff".
	// It is "manifest" when the document could not be decoded at all.
	Field string

	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("catalog: %s: %s: %s", e.Entry, e.Field, e.Reason)
}

// Is makes every ValidationError match [ErrValidation].
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Rejection is a catalog entry excluded from the active set.
type Rejection struct {
	Entry string

	// Err joins one [*ValidationError] per violated invariant.
	Err error
}

// Fields lists the manifest keys that caused the rejection.
func (r Rejection) Fields() []string {
	var fields []string
	for _, ve := range r.Errors() {
		fields = append(fields, ve.Field)
	}
	return fields
}

// Errors unpacks the individual validation failures.
func (r Rejection) Errors() []*ValidationError {
	var out []*ValidationError
	var walk func(error)
	walk = func(err error) {
		if err == nil {
			return
		}
		if ve, ok := err.(*ValidationError); ok {
			out = append(out, ve)
			return
		}
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				walk(e)
			}
		}
	}
	walk(r.Err)
	return out
}

func (r Rejection) String() string { return r.Err.Error() }

// decodeManifest decodes JSON manifests with encoding/json and everything
// else as YAML.
func decodeManifest(m Manifest, raw *manifest) error {
	if strings.EqualFold(filepath.Ext(m.Name), ".json") {
		return json.Unmarshal(m.Data, raw)
	}
	if len(bytes.TrimSpace(m.Data)) == 0 {
		return errors.New("empty document")
	}
	return yaml.NewDecoder(bytes.NewReader(m.Data)).Decode(raw)
}

// parseManifest decodes and validates one manifest.
func parseManifest(m Manifest) (Descriptor, error) {
	entry := m.Name
	var raw manifest
	if err := decodeManifest(m, &raw); err != nil {
		return Descriptor{}, &ValidationError{Entry: entry, Field: "manifest", Reason: "decode: " + err.Error()}
	}

	var errs []error
	fail := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Entry: entry, Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if raw.Type != "" && raw.Type != ModelTypeMicro {
		fail("type", "unsupported model type %q; only %q models are supported", raw.Type, ModelTypeMicro)
	}
	for _, f := range []struct{ name, value string }{
		{"wake_word", raw.WakeWord},
		{"author", raw.Author},
		{"website", raw.Website},
		{"model", raw.Model},
	} {
		if strings.TrimSpace(f.value) == "" {
			fail(f.name, "must not be blank")
		}
	}
	var langs []string
	for _, l := range raw.TrainedLanguages {
		if l = strings.TrimSpace(l); l != "" {
			langs = append(langs, l)
		}
	}
	if len(langs) == 0 {
		fail("trained_languages", "must list at least one language")
	}
	switch {
	case raw.Version == nil:
		fail("version", "is required")
	case *raw.Version <= 0:
		fail("version", "%d must be positive", *raw.Version)
	}

	d := Descriptor{
		ID:               m.ID(),
		Type:             ModelTypeMicro,
		WakeWord:         strings.TrimSpace(raw.WakeWord),
		Author:           strings.TrimSpace(raw.Author),
		Website:          strings.TrimSpace(raw.Website),
		Model:            strings.TrimSpace(raw.Model),
		TrainedLanguages: langs,
	}
	if raw.Version != nil {
		d.Version = *raw.Version
	}

	if raw.Micro == nil {
		fail("micro", "is required")
	} else {
		mc := raw.Micro
		switch {
		case mc.ProbabilityCutoff == nil:
			fail("micro.probability_cutoff", "is required")
		case !(*mc.ProbabilityCutoff >= 0 && *mc.ProbabilityCutoff <= 1):
			fail("micro.probability_cutoff", "%g is outside [0, 1]", *mc.ProbabilityCutoff)
		default:
			d.Micro.ProbabilityCutoff = *mc.ProbabilityCutoff
		}
		switch {
		case mc.SlidingWindowSize == nil:
			fail("micro.sliding_window_size", "is required")
		case *mc.SlidingWindowSize <= 0:
			fail("micro.sliding_window_size", "%d must be positive", *mc.SlidingWindowSize)
		default:
			d.Micro.SlidingWindowSize = *mc.SlidingWindowSize
		}
		switch {
		case mc.FeatureStepSize == nil:
			fail("micro.feature_step_size", "is required")
		case *mc.FeatureStepSize <= 0:
			fail("micro.feature_step_size", "%d must be positive", *mc.FeatureStepSize)
		default:
			d.Micro.FeatureStepSize = *mc.FeatureStepSize
		}
		d.Micro.TensorArenaSize = mc.TensorArenaSize
		d.Micro.MinimumESPHomeVersion = mc.MinimumESPHomeVersion
	}

	if len(errs) > 0 {
		return Descriptor{}, errors.Join(errs...)
	}

	d.ModelPath = d.Model
	if !filepath.IsAbs(d.Model) && m.Dir != "" {
		d.ModelPath = filepath.Join(m.Dir, d.Model)
	}
	return d, nil
}
