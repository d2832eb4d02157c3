package frontend

import (
	"fmt"
	"math"
)

// The real FFT below reproduces kissfft compiled with FIXED_POINT=16, which
// is what the training-time frontend links against. Every intermediate is
// truncated to int16 exactly where the C macros truncate, so the spectrum is
// bit-identical rather than merely close.

const (
	fracBits = 15
	sampMax  = 32767
)

type cpx struct {
	r, i int16
}

func sround(x int32) int16 { return int16((x + 1<<(fracBits-1)) >> fracBits) }

func cmul(a, b cpx) cpx {
	return cpx{
		r: sround(int32(a.r)*int32(b.r) - int32(a.i)*int32(b.i)),
		i: sround(int32(a.r)*int32(b.i) + int32(a.i)*int32(b.r)),
	}
}

func fixdiv(c cpx, div int32) cpx {
	k := int32(sampMax / div)
	return cpx{r: sround(int32(c.r) * k), i: sround(int32(c.i) * k)}
}

func cexp(phase float64) cpx {
	return cpx{
		r: int16(math.Floor(0.5 + float64(sampMax*math.Cos(phase)))),
		i: int16(math.Floor(0.5 + float64(sampMax*math.Sin(phase)))),
	}
}

// complexFFT is a forward kissfft plan for radix-2/4 sizes.
type complexFFT struct {
	nfft     int
	factors  []int
	twiddles []cpx
}

func newComplexFFT(nfft int) (*complexFFT, error) {
	st := &complexFFT{nfft: nfft, twiddles: make([]cpx, nfft)}
	for i := range nfft {
		st.twiddles[i] = cexp(-2 * math.Pi * float64(i) / float64(nfft))
	}
	st.factors = factor(nfft)
	for k := 0; k < len(st.factors); k += 2 {
		if p := st.factors[k]; p != 2 && p != 4 {
			return nil, fmt.Errorf("%w: fft size %d has radix %d", ErrConfiguration, nfft, p)
		}
	}
	return st, nil
}

// factor splits n into radix/stage-length pairs, powers of 4 first.
func factor(n int) []int {
	var out []int
	p := 4
	floorSqrt := math.Floor(math.Sqrt(float64(n)))
	for {
		for n%p != 0 {
			switch p {
			case 4:
				p = 2
			case 2:
				p = 3
			default:
				p += 2
			}
			if float64(p) > floorSqrt {
				p = n
			}
		}
		n /= p
		out = append(out, p, n)
		if n <= 1 {
			return out
		}
	}
}

func (st *complexFFT) transform(in, out []cpx) {
	st.work(out, in, 0, 1, st.factors)
}

func (st *complexFFT) work(out, in []cpx, off, fstride int, factors []int) {
	p, m := factors[0], factors[1]
	if m == 1 {
		for j := range p {
			out[j] = in[off]
			off += fstride
		}
	} else {
		for j := range p {
			st.work(out[j*m:], in, off, fstride*p, factors[2:])
			off += fstride
		}
	}
	switch p {
	case 2:
		st.bfly2(out, fstride, m)
	case 4:
		st.bfly4(out, fstride, m)
	}
}

func (st *complexFFT) bfly2(out []cpx, fstride, m int) {
	tw := 0
	for k := range m {
		a := fixdiv(out[k], 2)
		b := fixdiv(out[k+m], 2)
		t := cmul(b, st.twiddles[tw])
		tw += fstride
		out[k+m] = cpx{r: a.r - t.r, i: a.i - t.i}
		out[k] = cpx{r: a.r + t.r, i: a.i + t.i}
	}
}

func (st *complexFFT) bfly4(out []cpx, fstride, m int) {
	tw1, tw2, tw3 := 0, 0, 0
	m2, m3 := 2*m, 3*m
	for k := range m {
		f0 := fixdiv(out[k], 4)
		f1 := fixdiv(out[k+m], 4)
		f2 := fixdiv(out[k+m2], 4)
		f3 := fixdiv(out[k+m3], 4)

		s0 := cmul(f1, st.twiddles[tw1])
		s1 := cmul(f2, st.twiddles[tw2])
		s2 := cmul(f3, st.twiddles[tw3])

		s5 := cpx{r: f0.r - s1.r, i: f0.i - s1.i}
		f0 = cpx{r: f0.r + s1.r, i: f0.i + s1.i}
		s3 := cpx{r: s0.r + s2.r, i: s0.i + s2.i}
		s4 := cpx{r: s0.r - s2.r, i: s0.i - s2.i}
		out[k+m2] = cpx{r: f0.r - s3.r, i: f0.i - s3.i}
		tw1 += fstride
		tw2 += fstride * 2
		tw3 += fstride * 3
		out[k] = cpx{r: f0.r + s3.r, i: f0.i + s3.i}

		out[k+m] = cpx{r: s5.r + s4.i, i: s5.i - s4.r}
		out[k+m3] = cpx{r: s5.r - s4.i, i: s5.i + s4.r}
	}
}

// realFFT computes the non-redundant half spectrum of a real signal of
// length nfft by packing it into an nfft/2 complex transform.
type realFFT struct {
	nfft          int
	sub           *complexFFT
	superTwiddles []cpx

	packed []cpx
	tmp    []cpx
}

func newRealFFT(nfft int) (*realFFT, error) {
	if nfft < 4 || nfft&(nfft-1) != 0 {
		return nil, fmt.Errorf("%w: real fft size %d must be a power of two >= 4", ErrConfiguration, nfft)
	}
	ncfft := nfft / 2
	sub, err := newComplexFFT(ncfft)
	if err != nil {
		return nil, err
	}
	st := &realFFT{
		nfft:          nfft,
		sub:           sub,
		superTwiddles: make([]cpx, ncfft/2),
		packed:        make([]cpx, ncfft),
		tmp:           make([]cpx, ncfft),
	}
	for i := range st.superTwiddles {
		st.superTwiddles[i] = cexp(-math.Pi * (float64(i+1)/float64(ncfft) + .5))
	}
	return st, nil
}

// transform writes nfft/2+1 bins of the spectrum of in (length nfft) to out.
func (st *realFFT) transform(in []int16, out []cpx) {
	ncfft := st.nfft / 2
	for k := range ncfft {
		st.packed[k] = cpx{r: in[2*k], i: in[2*k+1]}
	}
	st.sub.transform(st.packed, st.tmp)

	tdc := fixdiv(st.tmp[0], 2)
	out[0] = cpx{r: tdc.r + tdc.i}
	out[ncfft] = cpx{r: tdc.r - tdc.i}

	for k := 1; k <= ncfft/2; k++ {
		fpk := fixdiv(st.tmp[k], 2)
		fpnk := fixdiv(cpx{r: st.tmp[ncfft-k].r, i: -st.tmp[ncfft-k].i}, 2)
		f1k := cpx{r: fpk.r + fpnk.r, i: fpk.i + fpnk.i}
		f2k := cpx{r: fpk.r - fpnk.r, i: fpk.i - fpnk.i}
		tw := cmul(f2k, st.superTwiddles[k-1])

		out[k] = cpx{
			r: halfOf(int32(f1k.r) + int32(tw.r)),
			i: halfOf(int32(f1k.i) + int32(tw.i)),
		}
		out[ncfft-k] = cpx{
			r: halfOf(int32(f1k.r) - int32(tw.r)),
			i: halfOf(int32(tw.i) - int32(f1k.i)),
		}
	}
}

func halfOf(x int32) int16 { return int16(x >> 1) }

// fftStage scales the windowed frame into the FFT's input range, zero pads
// it to a power of two and transforms it.
type fftStage struct {
	inputSize int
	fftSize   int
	plan      *realFFT
	input     []int16
	output    []cpx
}

func newFFTStage(inputSize int) (*fftStage, error) {
	size := 1
	for size < inputSize {
		size <<= 1
	}
	plan, err := newRealFFT(size)
	if err != nil {
		return nil, err
	}
	return &fftStage{
		inputSize: inputSize,
		fftSize:   size,
		plan:      plan,
		input:     make([]int16, size),
		output:    make([]cpx, size/2+1),
	}, nil
}

func (f *fftStage) compute(frame []int16, shift int) {
	for i, s := range frame[:f.inputSize] {
		f.input[i] = int16(uint16(s) << shift)
	}
	clear(f.input[f.inputSize:])
	f.plan.transform(f.input, f.output)
}

func (f *fftStage) reset() {
	clear(f.input)
	clear(f.output)
}
