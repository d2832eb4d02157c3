package inference

import (
	"encoding/binary"
	"fmt"
	"math"
)

// QuantizeFeatures writes features into dst using the element type and
// quantization parameters of info. Values are rounded half up and clamped to
// the range of the type. dst must hold len(features)*info.DType.Size() bytes.
func QuantizeFeatures(info TensorInfo, features []float32, dst []byte) error {
	if need := len(features) * info.DType.Size(); need == 0 || len(dst) < need {
		return fmt.Errorf("inference: quantize %d features into %d bytes as %s", len(features), len(dst), info.DType)
	}
	switch info.DType {
	case Int8:
		if info.Scale <= 0 {
			return fmt.Errorf("inference: int8 input scale %g must be positive", info.Scale)
		}
		for i, v := range features {
			dst[i] = byte(int8(quantize(v, info, math.MinInt8, math.MaxInt8)))
		}
	case Uint8:
		if info.Scale <= 0 {
			return fmt.Errorf("inference: uint8 input scale %g must be positive", info.Scale)
		}
		for i, v := range features {
			dst[i] = byte(quantize(v, info, 0, math.MaxUint8))
		}
	case Float32:
		for i, v := range features {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
		}
	}
	return nil
}

// quantize rounds half up like the microWakeWord runtime. The division and
// the zero point add happen in float32 so ties land on the same side.
func quantize(v float32, info TensorInfo, lo, hi int) int {
	x := v/float32(info.Scale) + float32(info.ZeroPoint)
	q := int(math.Floor(float64(x) + 0.5))
	return min(max(q, lo), hi)
}

// DequantizeProbability reads the first element of out as a probability in
// [0, 1].
func DequantizeProbability(info TensorInfo, out []byte) (float64, error) {
	if len(out) < info.DType.Size() || info.DType.Size() == 0 {
		return 0, fmt.Errorf("inference: output of %d bytes too short for %s", len(out), info.DType)
	}
	var p float64
	switch info.DType {
	case Int8:
		p = float64(int(int8(out[0]))-info.ZeroPoint) * info.Scale
	case Uint8:
		p = float64(int(out[0])-info.ZeroPoint) * info.Scale
	case Float32:
		p = float64(math.Float32frombits(binary.LittleEndian.Uint32(out)))
	}
	if math.IsNaN(p) {
		return 0, fmt.Errorf("inference: output is NaN")
	}
	return min(max(p, 0), 1), nil
}
