package frontend

import (
	"fmt"
	"math"
	"math/bits"
)

const (
	filterbankBits           = 12
	filterbankIndexAlignment = 2
	filterbankBlockSize      = 4
)

// filterbank accumulates FFT energies into triangular mel channels. Weights
// for neighbouring channels are stored as weight/unweight pairs so a single
// pass over the spectrum fills both sides of every triangle.
type filterbank struct {
	numChannels int
	startIndex  int
	endIndex    int

	freqStarts   []int
	weightStarts []int
	widths       []int
	weights      []int16
	unweights    []int16

	energy []int32
	work   []uint64
	out    []uint32
}

func freqToMel(freq float32) float32 {
	return float32(1127.0 * math.Log1p(float64(freq)/700.0))
}

func newFilterbank(cfg FilterbankConfig, sampleRate, spectrumSize int) (*filterbank, error) {
	n := cfg.NumChannels + 1

	melLow := freqToMel(cfg.LowerBandLimit)
	melHi := freqToMel(cfg.UpperBandLimit)
	spacing := (melHi - melLow) / float32(n)
	centers := make([]float32, n)
	for i := range centers {
		centers[i] = melLow + float32(spacing*float32(i+1))
	}

	hzPerBin := float32(0.5 * float64(sampleRate) / float64(float32(spectrumSize)-1))
	fb := &filterbank{
		numChannels:  cfg.NumChannels,
		startIndex:   int(1.5 + float64(cfg.LowerBandLimit/hzPerBin)),
		freqStarts:   make([]int, n),
		weightStarts: make([]int, n),
		widths:       make([]int, n),
		energy:       make([]int32, spectrumSize+filterbankBlockSize),
		work:         make([]uint64, n),
		out:          make([]uint32, cfg.NumChannels),
	}

	actualStarts := make([]int, n)
	actualWidths := make([]int, n)
	chanStart := fb.startIndex
	weightIndex := 0
	needsZeros := false
	for ch := range n {
		freq := chanStart
		for freqToMel(float32(freq)*hzPerBin) <= centers[ch] {
			freq++
		}
		width := freq - chanStart
		actualStarts[ch] = chanStart
		actualWidths[ch] = width
		if width == 0 {
			// Channels with no bins point at a shared block of zero weights
			// kept at the front of the weight arrays.
			fb.freqStarts[ch] = 0
			fb.weightStarts[ch] = 0
			fb.widths[ch] = filterbankBlockSize
			if !needsZeros {
				needsZeros = true
				for j := range ch {
					fb.weightStarts[j] += filterbankBlockSize
				}
				weightIndex += filterbankBlockSize
			}
		} else {
			aligned := (chanStart / filterbankIndexAlignment) * filterbankIndexAlignment
			alignedWidth := chanStart - aligned + width
			padded := ((alignedWidth-1)/filterbankBlockSize + 1) * filterbankBlockSize
			fb.freqStarts[ch] = aligned
			fb.weightStarts[ch] = weightIndex
			fb.widths[ch] = padded
			weightIndex += padded
		}
		chanStart = freq
	}

	fb.weights = make([]int16, weightIndex)
	fb.unweights = make([]int16, weightIndex)
	for ch := range n {
		freq := actualStarts[ch]
		offset := freq - fb.freqStarts[ch]
		denom := melLow
		if ch > 0 {
			denom = centers[ch-1]
		}
		for j := 0; j < actualWidths[ch]; j, freq = j+1, freq+1 {
			w := (centers[ch] - freqToMel(float32(freq)*hzPerBin)) / (centers[ch] - denom)
			idx := fb.weightStarts[ch] + offset + j
			fb.weights[idx] = int16(math.Floor(float64(float32(w*(1<<filterbankBits))) + 0.5))
			fb.unweights[idx] = int16(math.Floor(float64((1.0-float64(w))*(1<<filterbankBits)) + 0.5))
		}
		if freq > fb.endIndex {
			fb.endIndex = freq
		}
	}
	if fb.endIndex >= spectrumSize {
		return nil, fmt.Errorf("%w: filterbank end index %d is above spectrum size %d", ErrConfiguration, fb.endIndex, spectrumSize)
	}
	return fb, nil
}

// apply turns one FFT output into per-channel amplitudes, scaled back down
// by the shift applied before the FFT.
func (fb *filterbank) apply(spectrum []cpx, shift int) []uint32 {
	for i := fb.startIndex; i < fb.endIndex; i++ {
		re, im := int32(spectrum[i].r), int32(spectrum[i].i)
		fb.energy[i] = int32(uint32(re*re) + uint32(im*im))
	}

	var weighted, unweighted uint64
	for ch := range fb.work {
		mags := fb.energy[fb.freqStarts[ch]:]
		ws := fb.weights[fb.weightStarts[ch]:]
		us := fb.unweights[fb.weightStarts[ch]:]
		for j := range fb.widths[ch] {
			m := uint64(mags[j])
			weighted += uint64(ws[j]) * m
			unweighted += uint64(us[j]) * m
		}
		fb.work[ch] = weighted
		weighted = unweighted
		unweighted = 0
	}

	for i := range fb.out {
		fb.out[i] = sqrt64(fb.work[i+1]) >> shift
	}
	return fb.out
}

func (fb *filterbank) reset() {
	clear(fb.energy)
	clear(fb.work)
	clear(fb.out)
}

func msb32(n uint32) int { return bits.Len32(n) }

func sqrt32(num uint32) uint16 {
	if num == 0 {
		return 0
	}
	var res uint32
	maxBit := (32 - msb32(num)) | 1
	bit := uint32(1) << (31 - maxBit)
	for iterations := (31-maxBit)/2 + 1; iterations > 0; iterations-- {
		if num >= res+bit {
			num -= res + bit
			res = (res >> 1) + bit
		} else {
			res >>= 1
		}
		bit >>= 2
	}
	if num > res && res != 0xFFFF {
		res++
	}
	return uint16(res)
}

// sqrt64 falls back to the 32-bit routine when the upper word is clear, which
// rounds slightly differently near 2^32. The reference does the same.
func sqrt64(num uint64) uint32 {
	if num>>32 == 0 {
		return uint32(sqrt32(uint32(num)))
	}
	var res uint64
	maxBit := (64 - bits.Len64(num)) | 1
	bit := uint64(1) << (63 - maxBit)
	for iterations := (63-maxBit)/2 + 1; iterations > 0; iterations-- {
		if num >= res+bit {
			num -= res + bit
			res = (res >> 1) + bit
		} else {
			res >>= 1
		}
		bit >>= 2
	}
	if num > res && res != 0xFFFFFFFF {
		res++
	}
	return uint32(res)
}
