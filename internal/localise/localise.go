// Package localise implements the time-difference-of-arrival source
// localiser: per-channel cross-correlation delay search followed by
// trilateration via Gaussian elimination with partial pivoting.
package localise

import (
	"math"

	"github.com/agalue/micarray-dsp/internal/perr"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/floats"
)

const (
	// maxDelaySamples bounds the cross-correlation search window.
	maxDelaySamples = 1000
	// speedOfSound is the default propagation speed in m/s.
	speedOfSound = 343.0
	// degeneracyThreshold is the minimum pivot magnitude accepted when
	// solving the TDOA linear system.
	degeneracyThreshold = 1e-10
)

// Params configures one Localiser.
type Params struct {
	MicPositions           []r3.Vector // one per channel, channel 0 is the reference
	SampleRate             int
	SpeedOfSound           float64 // defaults to 343 m/s when zero
	MinConfidenceThreshold float64
	CorrelationWindowSize  int
}

// Location is the result of one localisation block: a 3-D position
// and a confidence, the mean of the per-channel normalised correlation
// peaks, which lies in [-1,1] and is negative only for anti-correlated
// channels. Position is the origin whenever confidence falls below the
// configured threshold.
type Location struct {
	X, Y, Z    float64
	Confidence float64
}

// Localiser produces one Location per block of N aligned channels.
type Localiser struct {
	params Params
	maxD   int
}

// New constructs a Localiser. Returns an error if fewer than 1
// microphone position is supplied.
func New(p Params) (*Localiser, error) {
	if len(p.MicPositions) == 0 {
		return nil, perr.New(perr.InvalidParam, "at least one microphone position required")
	}
	if p.SpeedOfSound == 0 {
		p.SpeedOfSound = speedOfSound
	}

	maxDist := 0.0
	for _, a := range p.MicPositions {
		for _, b := range p.MicPositions {
			if d := a.Sub(b).Norm(); d > maxDist {
				maxDist = d
			}
		}
	}
	d := int(math.Ceil(2 * maxDist * float64(p.SampleRate) / p.SpeedOfSound))
	maxD := maxDelaySamples
	if d < maxD {
		maxD = d
	}

	return &Localiser{params: p, maxD: maxD}, nil
}

// Locate estimates the source location from N aligned channel sample
// slices (channels[0] is the reference channel). Fewer than 4
// microphones, or fewer samples than the configured correlation
// window, yields the origin with zero confidence.
func (l *Localiser) Locate(channels [][]float32) Location {
	n := len(channels)
	if n < 4 || n != len(l.params.MicPositions) {
		return Location{}
	}
	if l.params.CorrelationWindowSize > 0 && len(channels[0]) < l.params.CorrelationWindowSize {
		return Location{}
	}

	delays := make([]float64, n)  // samples, relative to channel 0
	confid := make([]float64, n)
	delays[0] = 0
	confid[0] = 1

	ref := channels[0]
	for i := 1; i < n; i++ {
		tau, conf := bestDelay(ref, channels[i], l.maxD)
		delays[i] = float64(tau)
		confid[i] = conf
	}

	meanConfidence := floats.Sum(confid) / float64(n)
	if meanConfidence < l.params.MinConfidenceThreshold {
		return Location{Confidence: meanConfidence}
	}

	x, y, z, ok := l.trilaterate(delays)
	if !ok {
		return Location{Confidence: meanConfidence}
	}
	return Location{X: x, Y: y, Z: z, Confidence: meanConfidence}
}

// bestDelay scans tau in [-maxD, maxD] for the normalised
// cross-correlation peak of si against s0, returning the
// maximising tau and its correlation value (the per-channel
// confidence).
func bestDelay(s0, si []float32, maxD int) (int, float64) {
	bestTau := 0
	bestR := -2.0 // below any achievable correlation value

	var e0 float64
	for _, v := range s0 {
		e0 += float64(v) * float64(v)
	}

	for tau := -maxD; tau <= maxD; tau++ {
		var num, ei float64
		for n := 0; n < len(s0); n++ {
			m := n + tau
			if m < 0 || m >= len(si) {
				continue
			}
			num += float64(s0[n]) * float64(si[m])
			ei += float64(si[m]) * float64(si[m])
		}
		denom := math.Sqrt(e0 * ei)
		if denom == 0 {
			continue
		}
		r := num / denom
		if r > bestR {
			bestR = r
			bestTau = tau
		}
	}
	if bestR < -1 {
		bestR = 0
	}
	return bestTau, bestR
}

// trilaterate solves the linearised 3-equation TDOA system by Gaussian
// elimination with partial pivoting, per §4.4. A coplanar microphone
// array (the default circular layout among them) makes the z-column
// identically zero regardless of the measured delays, so the 3x3
// solve is structurally degenerate in z alone; in that case x and y
// are still fully determined and trilaterate falls back to the
// reduced 2x2 system, reporting z at the array's own plane.
//
// With right-hand side delta_d^2 - |d|^2, the system's solution is the
// source's offset from microphone 0 with its sign reversed, so the
// returned position is pos[0] minus the solution.
func (l *Localiser) trilaterate(delays []float64) (x, y, z float64, ok bool) {
	pos := l.params.MicPositions
	fs := float64(l.params.SampleRate)
	c := l.params.SpeedOfSound

	// Build the first three usable equations: rows = [2dx 2dy 2dz | rhs].
	var a [3][4]float64
	for i := 1; i <= 3 && i < len(pos); i++ {
		delta := pos[i].Sub(pos[0])
		ddist := delays[i] / fs * c

		a[i-1][0] = 2 * delta.X
		a[i-1][1] = 2 * delta.Y
		a[i-1][2] = 2 * delta.Z
		a[i-1][3] = ddist*ddist - (delta.X*delta.X + delta.Y*delta.Y + delta.Z*delta.Z)
	}

	if coplanarArray(a) {
		sol, ok := solve2x2([2][3]float64{
			{a[0][0], a[0][1], a[0][3]},
			{a[1][0], a[1][1], a[1][3]},
		})
		if !ok {
			return 0, 0, 0, false
		}
		return pos[0].X - sol[0], pos[0].Y - sol[1], pos[0].Z, true
	}

	sol, ok := solve3x3(a)
	if !ok {
		return 0, 0, 0, false
	}
	return pos[0].X - sol[0], pos[0].Y - sol[1], pos[0].Z - sol[2], true
}

// coplanarArray reports whether every row's z-coefficient vanishes,
// meaning every microphone shares the same z and the z pivot can
// never be anything but exactly zero regardless of delays.
func coplanarArray(a [3][4]float64) bool {
	for _, row := range a {
		if row[2] != 0 {
			return false
		}
	}
	return true
}

// solve3x3 performs Gaussian elimination with partial pivoting on the
// augmented 3x4 matrix a. Returns ok=false if any pivot magnitude
// falls below degeneracyThreshold.
func solve3x3(a [3][4]float64) (sol [3]float64, ok bool) {
	const rows = 3

	for col := 0; col < rows; col++ {
		// Partial pivot: find the row with the largest magnitude in
		// this column, at or below the current row.
		pivotRow := col
		pivotVal := math.Abs(a[col][col])
		for r := col + 1; r < rows; r++ {
			if v := math.Abs(a[r][col]); v > pivotVal {
				pivotVal = v
				pivotRow = r
			}
		}
		if pivotVal < degeneracyThreshold {
			return sol, false
		}
		a[col], a[pivotRow] = a[pivotRow], a[col]

		for r := col + 1; r < rows; r++ {
			factor := a[r][col] / a[col][col]
			for k := col; k < rows+1; k++ {
				a[r][k] -= factor * a[col][k]
			}
		}
	}

	for r := rows - 1; r >= 0; r-- {
		val := a[r][rows]
		for k := r + 1; k < rows; k++ {
			val -= a[r][k] * sol[k]
		}
		sol[r] = val / a[r][r]
	}
	return sol, true
}

// solve2x2 performs Gaussian elimination with partial pivoting on the
// augmented 2x3 matrix a. Returns ok=false if any pivot magnitude
// falls below degeneracyThreshold. Used for the x,y-only reduced
// system when the microphone array is coplanar.
func solve2x2(a [2][3]float64) (sol [2]float64, ok bool) {
	const rows = 2

	for col := 0; col < rows; col++ {
		pivotRow := col
		pivotVal := math.Abs(a[col][col])
		for r := col + 1; r < rows; r++ {
			if v := math.Abs(a[r][col]); v > pivotVal {
				pivotVal = v
				pivotRow = r
			}
		}
		if pivotVal < degeneracyThreshold {
			return sol, false
		}
		a[col], a[pivotRow] = a[pivotRow], a[col]

		for r := col + 1; r < rows; r++ {
			factor := a[r][col] / a[col][col]
			for k := col; k < rows+1; k++ {
				a[r][k] -= factor * a[col][k]
			}
		}
	}

	for r := rows - 1; r >= 0; r-- {
		val := a[r][rows]
		for k := r + 1; k < rows; k++ {
			val -= a[r][k] * sol[k]
		}
		sol[r] = val / a[r][r]
	}
	return sol, true
}

// DefaultCircularPositions places N microphones on a circle of radius
// spacingMetres in the z=0 plane, per §9's default layout: mic i at
// (d*cos(2*pi*i/N), d*sin(2*pi*i/N), 0).
func DefaultCircularPositions(n int, spacingMetres float64) []r3.Vector {
	pos := make([]r3.Vector, n)
	for i := 0; i < n; i++ {
		theta := 2 * math.Pi * float64(i) / float64(n)
		pos[i] = r3.Vector{
			X: spacingMetres * math.Cos(theta),
			Y: spacingMetres * math.Sin(theta),
			Z: 0,
		}
	}
	return pos
}
