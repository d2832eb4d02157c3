//go:build !portaudio

package audio

import (
	"context"
	"errors"
)

// MicrophoneAvailable reports whether this build can capture from a
// microphone.
const MicrophoneAvailable = false

// ErrNoMicrophone is returned by [OpenMicrophone] in builds without the
// portaudio tag.
var ErrNoMicrophone = errors.New("audio: microphone support not built in (build with -tags portaudio)")

// Microphone is unavailable in this build.
type Microphone struct{}

var _ Source = (*Microphone)(nil)

// OpenMicrophone always fails with [ErrNoMicrophone].
func OpenMicrophone(int) (*Microphone, error) { return nil, ErrNoMicrophone }

// Read implements [Source].
func (*Microphone) Read(context.Context, []int16) (int, error) { return 0, ErrNoMicrophone }

// Close implements [Source].
func (*Microphone) Close() error { return nil }
