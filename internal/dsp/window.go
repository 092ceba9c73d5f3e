package dsp

import "math"

// HannWindow returns a Hann window of length n: w[i] = 0.5(1 - cos(2*pi*i/(n-1))).
// NoiseReducer applies it once, at analysis only; its synthesis stage
// is the identity, so the overlap-added frames sum to (nearly) the
// input at 50% overlap.
func HannWindow(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := 0; i < n; i++ {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}
