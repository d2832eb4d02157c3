// Package logistic is a pure-Go [inference.Backend] running a quantized
// logistic-regression detector.
//
// A model file is a msgpack-encoded [File]: int8 weights with one scale, a
// float bias and the quantization parameters of the input tensor. The output
// is a uint8 probability with scale 1/256 and zero point 0, the same
// convention microWakeWord's TFLite models use, so the classifier treats both
// alike.
package logistic

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/MrWong99/wakeword/pkg/inference"
)

// Format identifies logistic model files.
const Format = "wakeword-logistic"

// Version is the file version this package writes and reads.
const Version = 1

// OutputScale is the dequantization scale of the uint8 output.
const OutputScale = 1.0 / 256

// ErrInvalidModel is wrapped by every file validation error.
var ErrInvalidModel = errors.New("logistic: invalid model")

// File is the serialized model.
type File struct {
	Format  string `msgpack:"format"`
	Version int    `msgpack:"version"`

	InputShape     []int   `msgpack:"input_shape"`
	InputDType     string  `msgpack:"input_dtype"`
	InputScale     float64 `msgpack:"input_scale"`
	InputZeroPoint int     `msgpack:"input_zero_point"`

	// Weights has one entry per input element; the real weight is
	// Weights[i] * WeightScale.
	Weights     []int8  `msgpack:"weights"`
	WeightScale float64 `msgpack:"weight_scale"`
	Bias        float64 `msgpack:"bias"`
}

// NewFile returns a file with zero weights for an int8 input of shape
// [1, window, channels]. With bias b every input yields sigmoid(b).
func NewFile(window, channels int, bias float64) File {
	return File{
		Format:         Format,
		Version:        Version,
		InputShape:     []int{1, window, channels},
		InputDType:     inference.Int8.String(),
		InputScale:     0.1,
		InputZeroPoint: -128,
		Weights:        make([]int8, window*channels),
		WeightScale:    1.0 / 128,
		Bias:           bias,
	}
}

// Validate checks the file for internal consistency.
func (f File) Validate() error {
	var errs []error
	if f.Format != Format {
		errs = append(errs, fmt.Errorf("format %q, want %q", f.Format, Format))
	}
	if f.Version != Version {
		errs = append(errs, fmt.Errorf("unsupported version %d", f.Version))
	}
	n := 1
	for _, d := range f.InputShape {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("input shape %v has a non-positive dimension", f.InputShape))
			break
		}
		n *= d
	}
	if len(f.InputShape) == 0 {
		errs = append(errs, errors.New("input shape is empty"))
	}
	dtype, err := inference.ParseDType(f.InputDType)
	if err != nil {
		errs = append(errs, err)
	}
	if dtype != inference.Float32 && f.InputScale <= 0 {
		errs = append(errs, fmt.Errorf("input scale %g must be positive", f.InputScale))
	}
	if len(f.Weights) != n {
		errs = append(errs, fmt.Errorf("%d weights for %d inputs", len(f.Weights), n))
	}
	if !(f.WeightScale > 0) || math.IsInf(f.WeightScale, 0) {
		errs = append(errs, fmt.Errorf("weight scale %g must be positive and finite", f.WeightScale))
	}
	if math.IsNaN(f.Bias) || math.IsInf(f.Bias, 0) {
		errs = append(errs, fmt.Errorf("bias %g must be finite", f.Bias))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidModel, errors.Join(errs...))
	}
	return nil
}

// Marshal validates f and encodes it.
func Marshal(f File) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return msgpack.Marshal(&f)
}

// Parse decodes and validates a model file.
func Parse(data []byte) (File, error) {
	var f File
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("%w: decode: %w", ErrInvalidModel, err)
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Backend loads logistic model files. The zero value is ready to use.
type Backend struct{}

var _ inference.Backend = Backend{}

// Load implements [inference.Backend].
func (Backend) Load(ctx context.Context, data []byte) (inference.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := Parse(data)
	if err != nil {
		return nil, err
	}
	dtype, _ := inference.ParseDType(f.InputDType)
	m := &Model{
		input: inference.TensorInfo{
			Shape:     append([]int(nil), f.InputShape...),
			DType:     dtype,
			Scale:     f.InputScale,
			ZeroPoint: f.InputZeroPoint,
		},
		weights: make([]float64, len(f.Weights)),
		bias:    f.Bias,
	}
	for i, w := range f.Weights {
		m.weights[i] = float64(w) * f.WeightScale
	}
	return m, nil
}

// Model is a loaded logistic model.
type Model struct {
	input   inference.TensorInfo
	weights []float64
	bias    float64

	mu     sync.Mutex
	closed bool
}

var _ inference.Model = (*Model)(nil)

// Input implements [inference.Model].
func (m *Model) Input() inference.TensorInfo { return m.input }

// Output implements [inference.Model].
func (m *Model) Output() inference.TensorInfo {
	return inference.TensorInfo{Shape: []int{1, 1}, DType: inference.Uint8, Scale: OutputScale}
}

// Run implements [inference.Model].
func (m *Model) Run(in, out []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("logistic: model is closed")
	}
	if len(in) < m.input.Bytes() || len(out) < 1 {
		return fmt.Errorf("logistic: run with %d input and %d output bytes, want %d and 1", len(in), len(out), m.input.Bytes())
	}

	z := m.bias
	for i, w := range m.weights {
		z += w * m.element(in, i)
	}
	p := 1 / (1 + math.Exp(-z))
	out[0] = byte(min(max(int(math.Floor(p/OutputScale)), 0), math.MaxUint8))
	return nil
}

// element dequantizes input element i.
func (m *Model) element(in []byte, i int) float64 {
	switch m.input.DType {
	case inference.Int8:
		return float64(int(int8(in[i]))-m.input.ZeroPoint) * m.input.Scale
	case inference.Uint8:
		return float64(int(in[i])-m.input.ZeroPoint) * m.input.Scale
	default:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(in[i*4:])))
	}
}

// Close implements [inference.Model].
func (m *Model) Close() error {
	m.mu.Lock()
	m.closed = true
	m.weights = nil
	m.mu.Unlock()
	return nil
}
