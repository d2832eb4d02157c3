package frontend

const (
	logScaleLog2    = 16
	logSegmentsLog2 = 7
	logScale        = 1 << logScaleLog2
	logCoeff        = 45426
	uint16Max       = 0xFFFF
)

// logLUT holds the correction from a linear interpolation of log2 over
// [1, 2) to the true curve, in 128 segments.
var logLUT = [1<<logSegmentsLog2 + 1]int32{
	0, 224, 442, 654, 861, 1063, 1259, 1450, 1636, 1817, 1992, 2163,
	2329, 2490, 2646, 2797, 2944, 3087, 3224, 3358, 3487, 3611, 3732, 3848,
	3960, 4068, 4172, 4272, 4368, 4460, 4549, 4633, 4714, 4791, 4864, 4934,
	5001, 5063, 5123, 5178, 5231, 5280, 5326, 5368, 5408, 5444, 5477, 5507,
	5533, 5557, 5578, 5595, 5610, 5622, 5631, 5637, 5640, 5641, 5638, 5633,
	5626, 5615, 5602, 5586, 5568, 5547, 5524, 5498, 5470, 5439, 5406, 5370,
	5332, 5291, 5249, 5203, 5156, 5106, 5054, 5000, 4944, 4885, 4825, 4762,
	4697, 4630, 4561, 4490, 4416, 4341, 4264, 4184, 4103, 4020, 3935, 3848,
	3759, 3668, 3575, 3481, 3384, 3286, 3186, 3084, 2981, 2875, 2768, 2659,
	2549, 2437, 2323, 2207, 2090, 1971, 1851, 1729, 1605, 1480, 1353, 1224,
	1094, 963, 830, 695, 559, 421, 282, 142, 0,
}

func log2FractionPart(x uint32, log2x int) uint32 {
	frac := int32(int64(x) - int64(1)<<log2x)
	if log2x < logScaleLog2 {
		frac <<= logScaleLog2 - log2x
	} else {
		frac >>= log2x - logScaleLog2
	}
	baseSeg := uint32(frac) >> (logScaleLog2 - logSegmentsLog2)
	const segUnit = (uint32(1) << logScaleLog2) >> logSegmentsLog2
	c0 := logLUT[baseSeg]
	c1 := logLUT[baseSeg+1]
	segBase := int32(segUnit * baseSeg)
	relPos := ((c1 - c0) * (frac - segBase)) >> logScaleLog2
	return uint32(frac + c0 + relPos)
}

// log32 returns ln(x) scaled by 2^scaleShift, for x > 1.
func log32(x uint32, scaleShift int) uint32 {
	integer := msb32(x) - 1
	fraction := log2FractionPart(x, integer)
	log2 := uint32(integer)<<logScaleLog2 + fraction
	const round = logScale / 2
	loge := uint32((uint64(logCoeff)*uint64(log2) + round) >> logScaleLog2)
	return ((loge << scaleShift) + round) >> logScaleLog2
}

type logScaler struct {
	enabled    bool
	scaleShift int
}

// apply compresses signal into uint16 bins. correctionBits undoes the
// filterbank's fixed-point scaling before the log is taken.
func (l logScaler) apply(signal []uint32, correctionBits int, out []uint16) {
	for i, v := range signal {
		if l.enabled {
			if correctionBits < 0 {
				v >>= -correctionBits
			} else {
				v <<= correctionBits
			}
			if v > 1 {
				v = log32(v, l.scaleShift)
			} else {
				v = 0
			}
		}
		out[i] = uint16(min(v, uint16Max))
	}
}
