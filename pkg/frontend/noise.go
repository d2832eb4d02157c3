package frontend

const noiseReductionBits = 14

// noiseReduction tracks a per-channel noise floor with an exponential moving
// average and subtracts it from the signal. The estimate is shared with the
// PCAN stage, which derives its gain from it.
type noiseReduction struct {
	smoothingBits int
	evenSmoothing uint32
	oddSmoothing  uint32
	minRemaining  uint32
	estimate      []uint32
}

func newNoiseReduction(cfg NoiseReductionConfig, numChannels int) *noiseReduction {
	return &noiseReduction{
		smoothingBits: cfg.SmoothingBits,
		evenSmoothing: uint32(uint16(cfg.EvenSmoothing * (1 << noiseReductionBits))),
		oddSmoothing:  uint32(uint16(cfg.OddSmoothing * (1 << noiseReductionBits))),
		minRemaining:  uint32(uint16(cfg.MinSignalRemaining * (1 << noiseReductionBits))),
		estimate:      make([]uint32, numChannels),
	}
}

func (n *noiseReduction) apply(signal []uint32) {
	for i, s := range signal {
		smoothing := n.evenSmoothing
		if i&1 == 1 {
			smoothing = n.oddSmoothing
		}
		oneMinus := uint32(1<<noiseReductionBits) - smoothing

		scaled := s << n.smoothingBits
		estimate := uint32((uint64(scaled)*uint64(smoothing) + uint64(n.estimate[i])*uint64(oneMinus)) >> noiseReductionBits)
		n.estimate[i] = estimate
		estimate = min(estimate, scaled)

		floor := uint32((uint64(s) * uint64(n.minRemaining)) >> noiseReductionBits)
		subtracted := (scaled - estimate) >> n.smoothingBits
		signal[i] = max(subtracted, floor)
	}
}

func (n *noiseReduction) reset() { clear(n.estimate) }
