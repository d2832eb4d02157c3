package frontend

import "math"

const (
	pcanSnrBits        = 12
	pcanOutputBits     = 6
	wideDynamicBits    = 32
	wideDynamicLUTSize = 4*wideDynamicBits - 3
	int16Max           = 32767
)

// pcan applies per-channel amplitude normalization. The gain for each
// channel is a piecewise quadratic approximation of
// (noise/2^inputBits + offset)^-strength, looked up from the noise estimate
// the noise reduction stage maintains.
type pcan struct {
	noiseEstimate []uint32
	gainLUT       []int16
	snrShift      int
}

func gainLookup(cfg PCANConfig, inputBits int, x uint32) int16 {
	xf := float32(x) / float32(uint32(1)<<inputBits)
	g := float32(float32(uint32(1)<<cfg.GainBits) * float32(math.Pow(float64(xf+cfg.Offset), float64(-cfg.Strength))))
	if g > int16Max {
		return int16Max
	}
	return int16(g + 0.5)
}

func newPCAN(cfg PCANConfig, noiseEstimate []uint32, smoothingBits, correctionBits int) *pcan {
	p := &pcan{
		noiseEstimate: noiseEstimate,
		gainLUT:       make([]int16, wideDynamicLUTSize),
		snrShift:      cfg.GainBits - correctionBits - pcanSnrBits,
	}
	inputBits := smoothingBits - correctionBits
	p.gainLUT[0] = gainLookup(cfg, inputBits, 0)
	p.gainLUT[1] = gainLookup(cfg, inputBits, 1)
	for interval := 2; interval <= wideDynamicBits; interval++ {
		x0 := uint32(1) << (interval - 1)
		x1 := x0 + x0>>1
		x2 := 2 * x0
		if interval == wideDynamicBits {
			x2 = x0 + (x0 - 1)
		}
		y0 := gainLookup(cfg, inputBits, x0)
		y1 := gainLookup(cfg, inputBits, x1)
		y2 := gainLookup(cfg, inputBits, x2)
		diff1 := int32(y1) - int32(y0)
		diff2 := int32(y2) - int32(y0)
		a1 := 4*diff1 - diff2
		a2 := diff2 - a1
		base := 4*interval - 6
		p.gainLUT[base] = y0
		p.gainLUT[base+1] = int16(a1)
		p.gainLUT[base+2] = int16(a2)
	}
	return p
}

func wideDynamicFunction(x uint32, lut []int16) int16 {
	if x <= 2 {
		return lut[x]
	}
	interval := msb32(x)
	lut = lut[4*interval-6:]

	var frac int32
	if interval < 11 {
		frac = int32((x << (11 - interval)) & 0x3FF)
	} else {
		frac = int32((x >> (interval - 11)) & 0x3FF)
	}
	result := (int32(lut[2]) * frac) >> 5
	result += int32(uint32(int32(lut[1])) << 5)
	result *= frac
	result = (result + 1<<14) >> 15
	result += int32(lut[0])
	return int16(result)
}

func pcanShrink(x uint32) uint32 {
	if x < 2<<pcanSnrBits {
		return (x * x) >> (2 + 2*pcanSnrBits - pcanOutputBits)
	}
	return (x >> (pcanSnrBits - pcanOutputBits)) - (1 << pcanOutputBits)
}

func (p *pcan) apply(signal []uint32) {
	for i, s := range signal {
		gain := uint32(int32(wideDynamicFunction(p.noiseEstimate[i], p.gainLUT)))
		snr := uint32((uint64(s) * uint64(gain)) >> p.snrShift)
		signal[i] = pcanShrink(snr)
	}
}
