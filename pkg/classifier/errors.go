package classifier

import (
	"errors"
	"fmt"
)

var (
	// ErrModelLoad matches every [*ModelLoadError].
	ErrModelLoad = errors.New("classifier: model load failed")

	// ErrUseAfterClose is returned by processing methods called after Close.
	ErrUseAfterClose = errors.New("classifier: use after close")

	// ErrConfiguration is wrapped by errors about invalid construction
	// parameters.
	ErrConfiguration = errors.New("classifier: invalid configuration")
)

// ModelLoadError reports a model that could not be bound to a classifier.
// It is fatal for that model only.
type ModelLoadError struct {
	// Model is the descriptor id.
	Model string

	// Reason says what went wrong, e.g. "read model file" or
	// "input shape int8[1 3 40], want 5 x 40".
	Reason string

	Err error
}

func (e *ModelLoadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("classifier: load model %q: %s", e.Model, e.Reason)
	}
	return fmt.Sprintf("classifier: load model %q: %s: %v", e.Model, e.Reason, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// Is makes every ModelLoadError match [ErrModelLoad].
func (e *ModelLoadError) Is(target error) bool { return target == ErrModelLoad }
