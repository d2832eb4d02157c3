package frontend

import "math"

// windowBits is the fixed-point precision of the Hann window coefficients.
const windowBits = 12

// window buffers incoming samples and applies a Q12 Hann window once a full
// analysis window is available.
type window struct {
	size int
	step int

	coefficients []int16
	input        []int16
	output       []int16
	inputUsed    int
	maxAbs       int16
}

func newWindow(size, step int) *window {
	w := &window{
		size:         size,
		step:         step,
		coefficients: make([]int16, size),
		input:        make([]int16, size),
		output:       make([]int16, size),
	}
	arg := float32(2 * math.Pi / float64(size))
	for i := range size {
		v := float32(0.5 - float64(0.5*math.Cos(float64(arg)*(float64(i)+0.5))))
		w.coefficients[i] = int16(math.Floor(float64(float32(v*(1<<windowBits))) + 0.5))
	}
	return w
}

// process copies as many samples as fit into the window buffer and reports
// how many were consumed. It returns true when the window was full and
// output now holds a windowed frame.
func (w *window) process(samples []int16) (read int, ready bool) {
	read = min(w.size-w.inputUsed, len(samples))
	copy(w.input[w.inputUsed:], samples[:read])
	w.inputUsed += read
	if w.inputUsed < w.size {
		return read, false
	}

	var maxAbs int16
	for i, s := range w.input {
		v := int16((int32(s) * int32(w.coefficients[i])) >> windowBits)
		w.output[i] = v
		if v < 0 {
			v = -v
		}
		if v > maxAbs {
			maxAbs = v
		}
	}
	copy(w.input, w.input[w.step:])
	w.inputUsed -= w.step
	w.maxAbs = maxAbs
	return read, true
}

func (w *window) reset() {
	clear(w.input)
	clear(w.output)
	w.inputUsed = 0
	w.maxAbs = 0
}
