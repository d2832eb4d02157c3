// Package mock provides scriptable implementations of [inference.Backend] and
// [inference.Model] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on call counts and inputs, and expose fields that control return
// values.
//
// Typical usage:
//
//	model := &mock.Model{
//	    InputInfo:     inference.TensorInfo{Shape: []int{1, 5, 40}, DType: inference.Int8, Scale: 0.1},
//	    Probabilities: []float64{0, 0, 0.99},
//	}
//	backend := &mock.Backend{Model: model}
package mock

import (
	"context"
	"math"
	"slices"
	"sync"

	"github.com/MrWong99/wakeword/pkg/inference"
)

// ─── Backend ──────────────────────────────────────────────────────────────────

// Backend is a mock implementation of [inference.Backend].
type Backend struct {
	mu sync.Mutex

	// Model is returned by Load. When nil, Load returns a fresh default
	// [Model].
	Model *Model

	// LoadErr, when non-nil, is returned by Load.
	LoadErr error

	// LoadCalls records the data passed to each Load call.
	LoadCalls [][]byte
}

var _ inference.Backend = (*Backend)(nil)

// Load implements [inference.Backend].
func (b *Backend) Load(_ context.Context, data []byte) (inference.Model, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.LoadCalls = append(b.LoadCalls, slices.Clone(data))
	if b.LoadErr != nil {
		return nil, b.LoadErr
	}
	if b.Model == nil {
		b.Model = &Model{}
	}
	return b.Model, nil
}

// LoadCallCount returns how many times Load was called.
func (b *Backend) LoadCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.LoadCalls)
}

// ─── Model ────────────────────────────────────────────────────────────────────

// Model is a mock implementation of [inference.Model].
type Model struct {
	mu sync.Mutex

	// InputInfo is returned by Input. Zero value means int8[1 1 40] with
	// scale 0.1.
	InputInfo inference.TensorInfo

	// OutputInfo is returned by Output. Zero value means uint8[1 1] with
	// scale 1/256.
	OutputInfo inference.TensorInfo

	// Probabilities are returned by successive Run calls. The last value
	// repeats once the sequence is exhausted; an empty sequence yields 0.
	Probabilities []float64

	// RunErr, when non-nil, is returned by Run.
	RunErr error

	// RunCalls records a copy of the input of each Run call.
	RunCalls [][]byte

	// CloseErr is returned by Close.
	CloseErr error

	// CloseCalls counts Close calls.
	CloseCalls int
}

var _ inference.Model = (*Model)(nil)

// Input implements [inference.Model].
func (m *Model) Input() inference.TensorInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InputInfo.DType == 0 {
		return inference.TensorInfo{Shape: []int{1, 1, 40}, DType: inference.Int8, Scale: 0.1}
	}
	return m.InputInfo
}

// Output implements [inference.Model].
func (m *Model) Output() inference.TensorInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OutputInfo.DType == 0 {
		return inference.TensorInfo{Shape: []int{1, 1}, DType: inference.Uint8, Scale: 1.0 / 256}
	}
	return m.OutputInfo
}

// Run implements [inference.Model]. It writes the next scripted probability
// into out using the output quantization.
func (m *Model) Run(in, out []byte) error {
	m.mu.Lock()
	idx := len(m.RunCalls)
	m.RunCalls = append(m.RunCalls, slices.Clone(in))
	err := m.RunErr
	var p float64
	if n := len(m.Probabilities); n > 0 {
		p = m.Probabilities[min(idx, n-1)]
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	info := m.Output()
	switch info.DType {
	case inference.Float32:
		return inference.QuantizeFeatures(info, []float32{float32(p)}, out)
	default:
		// Encode the probability so DequantizeProbability gives it back;
		// 1.0 saturates to the largest code.
		scale := info.Scale
		if scale <= 0 {
			scale = 1.0 / 256
		}
		q := int(math.Round(p/scale)) + info.ZeroPoint
		if info.DType == inference.Int8 {
			out[0] = byte(int8(min(max(q, math.MinInt8), math.MaxInt8)))
		} else {
			out[0] = byte(min(max(q, 0), math.MaxUint8))
		}
	}
	return nil
}

// RunCallCount returns how many times Run was called.
func (m *Model) RunCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.RunCalls)
}

// Close implements [inference.Model].
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	return m.CloseErr
}

// Closed reports whether Close has been called.
func (m *Model) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CloseCalls > 0
}
