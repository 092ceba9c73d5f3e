// Package audio provides audio resampling functionality.
package audio

// Resampler provides simple linear interpolation audio resampling.
// Used by ResamplePolyphase (via ResampleInPlace) for upsampling, where
// anti-alias filtering is unnecessary since no new high-frequency
// content is being folded down into the passband.
type Resampler struct {
	fromRate   float64
	toRate     float64
	ratio      float64 // toRate/fromRate
	lastSample float32 // carried across Resample calls for continuity
}

// NewResampler creates a resampler for the given rate conversion.
func NewResampler(fromRate, toRate int) *Resampler {
	return &Resampler{
		fromRate: float64(fromRate),
		toRate:   float64(toRate),
		ratio:    float64(toRate) / float64(fromRate),
	}
}

// Resample converts samples from fromRate to toRate via linear
// interpolation.
func (r *Resampler) Resample(input []float32) []float32 {
	if r.ratio == 1.0 {
		return input
	}

	inputLen := len(input)
	if inputLen == 0 {
		return input
	}

	outputLen := int(float64(inputLen) * r.ratio)
	output := make([]float32, outputLen)

	for i := 0; i < outputLen; i++ {
		srcPos := float64(i) / r.ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		sample1 := r.lastSample
		if srcIdx < inputLen {
			sample1 = input[srcIdx]
		}

		sample2 := sample1
		if srcIdx+1 < inputLen {
			sample2 = input[srcIdx+1]
		} else if srcIdx < inputLen {
			sample2 = input[inputLen-1]
		}

		output[i] = sample1 + (sample2-sample1)*frac
	}

	if inputLen > 0 {
		r.lastSample = input[inputLen-1]
	}

	return output
}

// ResampleInPlace is a convenience wrapper for one-shot resampling.
func ResampleInPlace(input []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate {
		return input
	}
	r := NewResampler(fromRate, toRate)
	return r.Resample(input)
}
