// Package inference defines the minimal contract between the streaming
// classifier and a tensor runtime.
//
// A [Backend] turns model bytes into a [Model]; a Model runs one fixed-shape
// inference over raw tensor bytes. Runtimes only need to describe their
// input and output tensors with a [TensorInfo] so callers can quantize
// features and dequantize the result with [QuantizeFeatures] and
// [DequantizeProbability].
//
// Sub-packages provide a pure-Go quantized logistic backend (logistic) and a
// scriptable test double (mock).
package inference

import (
	"context"
	"fmt"
	"strings"
)

// DType is the element type of a tensor.
type DType int

const (
	// Int8 is a signed 8-bit quantized tensor.
	Int8 DType = iota + 1
	// Uint8 is an unsigned 8-bit quantized tensor.
	Uint8
	// Float32 is a little-endian IEEE-754 tensor.
	Float32
)

// String returns the lower-case name of the type.
func (d DType) String() string {
	switch d {
	case Int8:
		return "int8"
	case Uint8:
		return "uint8"
	case Float32:
		return "float32"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Size is the number of bytes per element, or 0 for an unknown type.
func (d DType) Size() int {
	switch d {
	case Int8, Uint8:
		return 1
	case Float32:
		return 4
	default:
		return 0
	}
}

// ParseDType parses the names returned by [DType.String].
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int8":
		return Int8, nil
	case "uint8":
		return Uint8, nil
	case "float32":
		return Float32, nil
	default:
		return 0, fmt.Errorf("inference: unknown dtype %q", s)
	}
}

// TensorInfo describes one model tensor.
type TensorInfo struct {
	Shape []int
	DType DType

	// Scale and ZeroPoint are the affine quantization parameters:
	// real = (q - ZeroPoint) * Scale. Ignored for Float32.
	Scale     float64
	ZeroPoint int
}

// Elements is the product of the shape dimensions.
func (t TensorInfo) Elements() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Bytes is the buffer size needed for the tensor.
func (t TensorInfo) Bytes() int { return t.Elements() * t.DType.Size() }

// String formats the tensor as e.g. "int8[1 5 40]".
func (t TensorInfo) String() string {
	return fmt.Sprintf("%s%v", t.DType, t.Shape)
}

// Model is a loaded network. Implementations need not be safe for concurrent
// use; each classifier owns its model exclusively.
type Model interface {
	// Input describes the single input tensor.
	Input() TensorInfo

	// Output describes the single output tensor.
	Output() TensorInfo

	// Run performs one inference. in and out are sized by Input().Bytes()
	// and Output().Bytes().
	Run(in, out []byte) error

	// Close releases the model. Calling Close more than once is allowed.
	Close() error
}

// Backend loads models from their serialized bytes.
type Backend interface {
	Load(ctx context.Context, data []byte) (Model, error)
}

// BackendFunc adapts a function to [Backend].
type BackendFunc func(ctx context.Context, data []byte) (Model, error)

// Load implements [Backend].
func (f BackendFunc) Load(ctx context.Context, data []byte) (Model, error) { return f(ctx, data) }
