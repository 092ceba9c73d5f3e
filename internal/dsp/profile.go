package dsp

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// NoiseProfile is the estimated stationary-noise magnitude spectrum,
// one bin per FFT bin in [0, F/2].
type NoiseProfile struct {
	bins  []float64
	sum   []float64
	count int
	ready bool
}

// NewNoiseProfile allocates a profile sized for frame length f.
func NewNoiseProfile(f int) *NoiseProfile {
	bins := f/2 + 1
	return &NoiseProfile{
		bins: make([]float64, bins),
		sum:  make([]float64, bins),
	}
}

// Ready reports whether training has produced at least one frame.
func (p *NoiseProfile) Ready() bool { return p.ready }

// Bins returns the current profile's magnitude bins. Valid only when
// Ready() is true.
func (p *NoiseProfile) Bins() []float64 { return p.bins }

// Reset clears the profile back to empty.
func (p *NoiseProfile) Reset() {
	for i := range p.sum {
		p.sum[i] = 0
		p.bins[i] = 0
	}
	p.count = 0
	p.ready = false
}

// Update processes samples as F-sample frames advanced by a stride of
// F/2, so successive frames overlap by half (the stride is fixed,
// independent of the NoiseReducer's configured hop — see the stride
// open question resolved in DESIGN.md). Each frame's windowed
// magnitude spectrum is accumulated; on completion the profile is the
// arithmetic mean over every frame processed so far and ready becomes
// true. Fewer than F samples is a no-op.
func (p *NoiseProfile) Update(samples []float64, window []float64, fft *fourier.FFT) {
	f := len(window)
	stride := f / 2

	windowed := make([]float64, f)
	coeffs := make([]complex128, f/2+1)

	for start := 0; start+f <= len(samples); start += stride {
		for i := 0; i < f; i++ {
			windowed[i] = samples[start+i] * window[i]
		}
		fft.Coefficients(coeffs, windowed)

		for k, c := range coeffs {
			p.sum[k] += math.Hypot(real(c), imag(c))
		}
		p.count++
	}

	if p.count == 0 {
		return
	}
	for k := range p.bins {
		p.bins[k] = p.sum[k] / float64(p.count)
	}
	p.ready = true
}
