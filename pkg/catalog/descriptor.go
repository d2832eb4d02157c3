// Package catalog loads and validates wake-word model descriptors.
//
// A catalog is a set of manifests, one per model, in the microWakeWord
// manifest format (JSON, or the equivalent YAML):
//
//	{
//	  "type": "micro",
//	  "wake_word": "Okay Nabu",
//	  "author": "Kevin Ahrendt",
//	  "website": "https://www.kevinahrendt.com/",
//	  "model": "okay_nabu.tflite",
//	  "trained_languages": ["en"],
//	  "version": 2,
//	  "micro": {
//	    "probability_cutoff": 0.97,
//	    "sliding_window_size": 5,
//	    "feature_step_size": 10,
//	    "tensor_arena_size": 30000,
//	    "minimum_esphome_version": "2024.7.0"
//	  }
//	}
//
// [LoadAvailableModels] validates every manifest independently. Entries that
// violate an invariant are excluded from the result and reported as
// [Rejection]s; one bad manifest never aborts the whole load.
package catalog

import "encoding/json"

// Descriptor is a validated, read-only model description.
type Descriptor struct {
	// ID identifies the model inside its catalog. It is the manifest file
	// name without extension.
	ID string

	// Type is the model family. Only "micro" is supported.
	Type string

	WakeWord         string
	Author           string
	Website          string
	Model            string
	TrainedLanguages []string
	Version          int
	Micro            Micro

	// ModelPath is Model resolved against the directory of the manifest.
	ModelPath string
}

// Micro holds the inference parameters of a microWakeWord model.
type Micro struct {
	// ProbabilityCutoff is the detection threshold in [0, 1].
	ProbabilityCutoff float64

	// SlidingWindowSize is the number of feature frames per inference.
	SlidingWindowSize int

	// FeatureStepSize is the feature step in milliseconds.
	FeatureStepSize int

	TensorArenaSize       int
	MinimumESPHomeVersion string
}

// manifest is the on-disk shape. Required numeric fields are pointers so a
// missing value can be told apart from zero.
type manifest struct {
	Type             string         `json:"type" yaml:"type"`
	WakeWord         string         `json:"wake_word" yaml:"wake_word"`
	Author           string         `json:"author" yaml:"author"`
	Website          string         `json:"website" yaml:"website"`
	Model            string         `json:"model" yaml:"model"`
	TrainedLanguages []string       `json:"trained_languages" yaml:"trained_languages"`
	Version          *int           `json:"version" yaml:"version"`
	Micro            *microManifest `json:"micro" yaml:"micro"`
}

type microManifest struct {
	ProbabilityCutoff     *float64 `json:"probability_cutoff" yaml:"probability_cutoff"`
	SlidingWindowSize     *int     `json:"sliding_window_size" yaml:"sliding_window_size"`
	FeatureStepSize       *int     `json:"feature_step_size" yaml:"feature_step_size"`
	TensorArenaSize       int      `json:"tensor_arena_size,omitempty" yaml:"tensor_arena_size"`
	MinimumESPHomeVersion string   `json:"minimum_esphome_version,omitempty" yaml:"minimum_esphome_version"`
}

// MarshalManifest encodes d as an indented JSON manifest. ID and ModelPath
// are not part of the manifest; they derive from its location.
func (d Descriptor) MarshalManifest() ([]byte, error) {
	raw := manifest{
		Type:             d.Type,
		WakeWord:         d.WakeWord,
		Author:           d.Author,
		Website:          d.Website,
		Model:            d.Model,
		TrainedLanguages: d.TrainedLanguages,
		Version:          &d.Version,
	}
	if raw.Type == "" {
		raw.Type = ModelTypeMicro
	}
	raw.Micro = &microManifest{
		ProbabilityCutoff:     &d.Micro.ProbabilityCutoff,
		SlidingWindowSize:     &d.Micro.SlidingWindowSize,
		FeatureStepSize:       &d.Micro.FeatureStepSize,
		TensorArenaSize:       d.Micro.TensorArenaSize,
		MinimumESPHomeVersion: d.Micro.MinimumESPHomeVersion,
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
