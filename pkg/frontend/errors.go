package frontend

import "errors"

var (
	// ErrConfiguration is returned by [New] for invalid construction
	// parameters. The extractor must not be used.
	ErrConfiguration = errors.New("frontend: invalid configuration")

	// ErrInvalidInput is returned by [Extractor.ProcessSamples] when the
	// sample count is not a positive multiple of the step size. The call is
	// a no-op and may be retried with corrected input.
	ErrInvalidInput = errors.New("frontend: invalid input")

	// ErrClosed is returned by every method called after [Extractor.Close].
	ErrClosed = errors.New("frontend: extractor closed")
)
