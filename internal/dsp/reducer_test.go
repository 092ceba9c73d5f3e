package dsp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"pgregory.net/rapid"
)

func sineWave(freq float64, amp float64, n, sampleRate int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}

func rms(samples []float32) float64 {
	f64 := make([]float64, len(samples))
	for i, s := range samples {
		f64[i] = float64(s)
	}
	return math.Sqrt(floats.Dot(f64, f64) / float64(len(f64)))
}

func TestValidateRejectsBadParams(t *testing.T) {
	p := DefaultParams()
	p.FrameSize = 1000 // not a power of two
	_, err := New(p)
	assert.Error(t, err)

	p = DefaultParams()
	p.Overlap = p.FrameSize
	_, err = New(p)
	assert.Error(t, err)

	p = DefaultParams()
	p.Algorithm = "beamforming"
	_, err = New(p)
	assert.Error(t, err)
}

// TestSTFTIdentity is testable property 3: with the noise profile not
// ready and alpha=0, processing leaves the signal unchanged up to
// windowing transients, within 1% RMS error after the first F samples.
func TestSTFTIdentity(t *testing.T) {
	p := DefaultParams()
	p.Oversub = 0
	r, err := New(p)
	require.NoError(t, err)

	in := sineWave(1000, 0.5, 8192, 16000)
	var out []float32
	out = r.ProcessBlock(in, out)

	// Skip the first frame (windowing/overlap-add transient).
	skip := p.FrameSize
	require.Greater(t, len(out), skip+1000)

	inTail := in[skip : skip+1000]
	outTail := out[skip : skip+1000]

	errRMS := make([]float32, len(inTail))
	for i := range errRMS {
		errRMS[i] = inTail[i] - outTail[i]
	}
	relErr := rms(errRMS) / rms(inTail)
	assert.Less(t, relErr, 0.01)
}

// TestGainBounds is testable property 4: for all frames and bins, the
// applied gain satisfies beta <= g_k <= 1.
func TestGainBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := rapid.Float64Range(0, 10).Draw(t, "m")
		n := rapid.Float64Range(0, 10).Draw(t, "n")
		alpha := rapid.Float64Range(0, 5).Draw(t, "alpha")
		beta := rapid.Float64Range(0, 1).Draw(t, "beta")
		theta := rapid.Float64Range(0, 1).Draw(t, "theta")

		g := spectralSubtractionGain(m, n, alpha, beta, theta)
		assert.GreaterOrEqual(t, g, beta)
		assert.LessOrEqual(t, g, 1.0)
	})
}

// TestNoiseProfileAveraging is testable property 5: after training on
// k identical noise frames, the profile equals the single-frame
// magnitude spectrum exactly.
func TestNoiseProfileAveraging(t *testing.T) {
	p := DefaultParams()
	r, err := New(p)
	require.NoError(t, err)

	oneFrame := sineWave(500, 0.2, p.FrameSize/2, 16000)

	r1, err := New(p)
	require.NoError(t, err)
	// oneFrame holds F/2 samples, and fewer than F samples train
	// nothing; the reference is one full F-sample frame, which is what
	// every stride-F/2 frame of repeated below contains.
	r1.UpdateNoiseProfile(append(append([]float32(nil), oneFrame...), oneFrame...))
	single := append([]float64(nil), r1.Profile().Bins()...)

	repeated := make([]float32, 0, len(oneFrame)*5)
	for i := 0; i < 5; i++ {
		repeated = append(repeated, oneFrame...)
	}
	r.UpdateNoiseProfile(repeated)

	require.True(t, r.Profile().Ready())
	for k, v := range r.Profile().Bins() {
		assert.InDelta(t, single[k], v, 1e-9)
	}
}

// TestNoiseReductionReducesNoise is E3: a 1kHz+noise mixture, trained
// on matching noise, shows >=6dB RMS reduction in the residual noise
// band outside +/-50Hz of 1kHz.
func TestNoiseReductionReducesNoise(t *testing.T) {
	const sampleRate = 16000
	const n = 2048

	p := DefaultParams()
	p.FrameSize = 1024
	p.Overlap = 512
	r, err := New(p)
	require.NoError(t, err)

	noise := make([]float32, n)
	state := uint32(12345)
	nextRand := func() float32 {
		// small deterministic PRNG, uniform in [-1,1]
		state = state*1664525 + 1013904223
		return (float32(state>>8)/float32(1<<24))*2 - 1
	}
	for i := range noise {
		noise[i] = 0.1 * nextRand()
	}

	r.UpdateNoiseProfile(noise)
	require.True(t, r.Profile().Ready())

	tone := sineWave(1000, 0.5, n, sampleRate)
	mixture := make([]float32, n)
	for i := range mixture {
		mixture[i] = tone[i] + noise[i]
	}

	var processed []float32
	processed = r.ProcessBlock(mixture, processed)
	require.NotEmpty(t, processed)

	// Build a band-limited residual by subtracting a clean reference
	// tone from both before/after signals; the spec measures the
	// residual noise band, which in this synthetic test is simply the
	// injected noise itself, so we compare reduction against the
	// known noise RMS before vs. the residual after subtracting the
	// (scaled) tone from the processed output.
	before := rms(noise)

	// Processed output is sample-aligned with the input; its first hop
	// has no preceding overlap-add tail (a windowing transient), so it
	// is skipped.
	latency := p.FrameSize - (p.FrameSize - p.Overlap)
	usable := len(processed) - latency
	require.Greater(t, usable, 0)

	residual := make([]float32, usable)
	for i := 0; i < usable; i++ {
		cleanTone := tone[latency+i]
		residual[i] = processed[latency+i] - cleanTone
	}
	after := rms(residual)

	reductionDB := 20 * math.Log10(before/after)
	assert.GreaterOrEqual(t, reductionDB, 6.0)
}
