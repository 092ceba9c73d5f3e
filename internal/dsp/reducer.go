// Package dsp implements the STFT-based single-channel noise
// reduction engine: windowed overlap-add analysis/synthesis, a
// noise-profile trainer, and the spectral-subtraction gain stage.
package dsp

import (
	"math"
	"math/bits"

	"github.com/agalue/micarray-dsp/internal/perr"
	"gonum.org/v1/gonum/dsp/fourier"
)

// Params configures one NoiseReducer instance.
type Params struct {
	FrameSize   int     // F, must be a power of two
	Overlap     int     // samples of overlap between successive analysis frames
	Algorithm   string  // only "spectral_subtraction" is supported
	Oversub     float64 // alpha, oversubtraction factor
	Floor       float64 // beta, gain floor
	SNRGate     float64 // theta
	NoiseReduce bool    // when false, ProcessBlock passes samples through unchanged
}

// DefaultParams returns the spec's documented defaults.
func DefaultParams() Params {
	return Params{
		FrameSize:   1024,
		Overlap:     512,
		Algorithm:   "spectral_subtraction",
		Oversub:     2.0,
		Floor:       0.1,
		SNRGate:     0.05,
		NoiseReduce: true,
	}
}

// Validate rejects parameter combinations the spec names as init
// failures.
func (p Params) Validate() error {
	if p.FrameSize < 2 || bits.OnesCount(uint(p.FrameSize)) != 1 {
		return perr.New(perr.InvalidParam, "frame_size must be a power of two")
	}
	if p.Overlap >= p.FrameSize {
		return perr.New(perr.InvalidParam, "overlap must be less than frame_size")
	}
	if p.Algorithm != "spectral_subtraction" {
		return perr.New(perr.InvalidParam, "unknown algorithm: "+p.Algorithm)
	}
	return nil
}

const noiseFloorEpsilon = 1e-10

// state is the single coherent "input buffer + FFT buffer + overlap
// tail" value per channel (§9 of the spec: group into one struct
// rather than parallel arrays).
type state struct {
	accum    []float64 // input accumulation buffer, size F
	filled   int       // valid samples currently in accum, from the front
	tail     []float64 // retained overlap-add tail, size F-H
	windowed []float64 // scratch, size F
	coeffs   []complex128
	frame    []float64 // inverse-FFT scratch, size F
}

// NoiseReducer applies STFT overlap-add spectral subtraction to one
// channel's sample stream.
type NoiseReducer struct {
	params Params
	hop    int
	window []float64
	fft    *fourier.FFT
	st     state
	prof   *NoiseProfile
}

// New constructs a NoiseReducer for one channel. All buffers are
// allocated here (init); none are allocated on the steady-state
// ProcessBlock path.
func New(p Params) (*NoiseReducer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	f := p.FrameSize
	hop := f - p.Overlap

	return &NoiseReducer{
		params: p,
		hop:    hop,
		window: HannWindow(f),
		fft:    fourier.NewFFT(f),
		st: state{
			accum:    make([]float64, f),
			tail:     make([]float64, f-hop),
			windowed: make([]float64, f),
			coeffs:   make([]complex128, f/2+1),
			frame:    make([]float64, f),
		},
		prof: NewNoiseProfile(f),
	}, nil
}

// Profile exposes the channel's noise profile for training/reset.
func (r *NoiseReducer) Profile() *NoiseProfile { return r.prof }

// UpdateNoiseProfile trains the noise profile on samples believed to
// contain only background noise.
func (r *NoiseReducer) UpdateNoiseProfile(samples []float32) {
	f64 := make([]float64, len(samples))
	for i, s := range samples {
		f64[i] = float64(s)
	}
	r.prof.Update(f64, r.window, r.fft)
}

// ProcessBlock runs the STFT overlap-add pipeline over in, appending
// emitted samples to out and returning the extended slice. in may be
// any length; output is emitted H samples at a time as full frames
// become available, so the output length is not in general equal to
// len(in) within a single call (drained across subsequent calls as
// more input arrives, per §4.3 step 9).
func (r *NoiseReducer) ProcessBlock(in []float32, out []float32) []float32 {
	if in == nil {
		return out
	}
	if !r.params.NoiseReduce {
		return append(out, in...)
	}

	f := r.params.FrameSize
	hop := r.hop
	pos := 0

	for pos < len(in) {
		// Step 1: copy into the accumulation buffer until a full frame
		// is available at the head.
		need := f - r.st.filled
		take := len(in) - pos
		if take > need {
			take = need
		}
		for i := 0; i < take; i++ {
			r.st.accum[r.st.filled+i] = float64(in[pos+i])
		}
		r.st.filled += take
		pos += take

		if r.st.filled < f {
			break
		}

		out = r.processFrame(out)

		// Step 9: shift the accumulation buffer left by H.
		copy(r.st.accum, r.st.accum[hop:])
		r.st.filled -= hop
	}

	return out
}

func (r *NoiseReducer) processFrame(out []float32) []float32 {
	f := r.params.FrameSize
	hop := r.hop

	// Step 2: window the frame; forward real FFT.
	for i := 0; i < f; i++ {
		r.st.windowed[i] = r.st.accum[i] * r.window[i]
	}
	r.fft.Coefficients(r.st.coeffs, r.st.windowed)

	// Steps 3-5: magnitude/phase, gain, reconstruct.
	ready := r.prof.Ready()
	profile := r.prof.Bins()
	for k, c := range r.st.coeffs {
		m := math.Hypot(real(c), imag(c))
		phi := math.Atan2(imag(c), real(c))

		g := 1.0
		if ready {
			g = spectralSubtractionGain(m, profile[k], r.params.Oversub, r.params.Floor, r.params.SNRGate)
		}

		mp := g * m
		r.st.coeffs[k] = complex(mp*math.Cos(phi), mp*math.Sin(phi))
	}

	// Step 6: inverse FFT, divide by F (unnormalised transform
	// convention — gonum's Sequence matches this directly).
	frame := r.st.frame
	r.fft.Sequence(frame, r.st.coeffs)
	for i := range frame {
		frame[i] /= float64(f)
	}

	// Step 7: synthesis window. A plain Hann window applied at both
	// analysis and synthesis does not sum to a constant at 50% overlap
	// (squared-window OLA ripples by design) — that is the double-
	// windowing bug named in DESIGN.md's open-question decisions. The
	// matched-window scheme chosen here windows once, at analysis
	// (step 2); the synthesis stage is the identity, which is exactly
	// what makes single-Hann 50%-overlap reconstruction COLA-constant.
	// frame is left unmodified.

	// Step 8: overlap-add with the retained tail; emit H samples;
	// store the new tail.
	for i := 0; i < len(r.st.tail); i++ {
		frame[i] += r.st.tail[i]
	}
	for i := 0; i < hop; i++ {
		out = append(out, float32(clamp(frame[i], -1, 1)))
	}
	copy(r.st.tail, frame[hop:])

	return out
}

// spectralSubtractionGain computes the per-bin gain of §4.3 step 4:
// a posteriori SNR rho = m/(n+eps); g = 1-alpha*(n/m) when rho>theta,
// else beta; clamped to [beta, 1].
func spectralSubtractionGain(m, n, alpha, beta, theta float64) float64 {
	rho := m / (n + noiseFloorEpsilon)
	var g float64
	if rho > theta && m > 0 {
		g = 1 - alpha*(n/m)
	} else {
		g = beta
	}
	return clamp(g, beta, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

