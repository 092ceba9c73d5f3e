// Package pipeline owns the end-to-end signal path from the capture
// device to the sink: per-channel rings, the demuxer, one noise
// reducer per channel, the localiser, the monomix, and the stereo
// panner, driven by a single worker goroutine (§4.6, §5).
package pipeline

import (
	"context"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agalue/micarray-dsp/internal/demux"
	"github.com/agalue/micarray-dsp/internal/dsp"
	"github.com/agalue/micarray-dsp/internal/localise"
	"github.com/agalue/micarray-dsp/internal/logging"
	"github.com/agalue/micarray-dsp/internal/metrics"
	"github.com/agalue/micarray-dsp/internal/pan"
	"github.com/agalue/micarray-dsp/internal/perr"
	"github.com/agalue/micarray-dsp/internal/ringbuf"
	"golang.org/x/sync/errgroup"
)

// State is the pipeline's lifecycle state (§4.6).
type State int

const (
	Uninitialised State = iota
	Initialised
	Running
	Stopped
	Cleaned
)

func (s State) String() string {
	switch s {
	case Uninitialised:
		return "uninitialised"
	case Initialised:
		return "initialised"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Cleaned:
		return "cleaned"
	default:
		return "unknown"
	}
}

// AudioCapture is the externally-modelled capture source contract
// (§6): little-endian signed 16-bit PCM, interleaved across channels.
type AudioCapture interface {
	Open(sampleRate, channels, bits, blockSamples int) error
	Start() error
	Stop() error
	OnBlock(func(pcm []int16))
}

// AudioSink is the externally-modelled sink contract (§6).
type AudioSink interface {
	Open(sampleRate, channels, bits, bufferFrames int) error
	Start() error
	Stop() error
	WriteInterleaved(pcm []int16, frames int) (framesWritten int, err error)
}

// SoundLocation is the last-published localisation result, exposed via
// GetLocation (§6). It is published as an immutable value behind an
// atomic pointer swap (§9): no mutex, no partially-updated field is
// ever observable.
type SoundLocation struct {
	X, Y, Z    float64
	Confidence float64
}

// Params configures one Pipeline. All buffers, FFT plans, windows and
// rings it implies are allocated in New; none on the steady-state
// path (§5).
type Params struct {
	SampleRate             int
	BlockSize              int // dma_buffer_size: samples read per capture callback
	RingCapacity           int // per-channel ring capacity in samples
	NoiseReductionEnable   bool
	NoiseParams            dsp.Params
	LocaliseParams         localise.Params
	MinConfidenceThreshold float64
	Volume                 float64
	Capture                AudioCapture
	Sink                   AudioSink
	Logger                 *logging.Logger
	Metrics                *metrics.Metrics
}

// Pipeline is the owning object for one microphone array's processing
// path.
type Pipeline struct {
	params Params

	rings    []*ringbuf.Ring
	demuxer  *demux.Demuxer
	reducers []*dsp.NoiseReducer
	loc      *localise.Localiser

	blockBuf    [][]float32 // per-channel scratch, size BlockSize
	processed   [][]float32 // per-channel scratch, reducer output
	monoScratch []int16     // reused by monomix, size BlockSize

	interleavedScratch []float32 // reused by the OnBlock closure; owned by the capture thread

	stereoScratch []int16 // reused by runWorker's panner stage, size 2*BlockSize

	lastRingDrops  []uint64 // last-observed ring.Dropped() per channel, for counter deltas
	lastDemuxDrops uint64   // last-observed demuxer.Drops(), for counter deltas

	location atomic.Pointer[SoundLocation]
	state    atomic.Int32
	running  atomic.Bool

	mu     sync.Mutex // guards state transitions only
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New validates params and allocates every buffer, window and FFT plan
// the pipeline needs. Returns a *perr.Error of kind InvalidParam on bad
// configuration, or Init if the noise reducer or localiser cannot be
// constructed.
func New(p Params) (*Pipeline, error) {
	n := len(p.LocaliseParams.MicPositions)
	if n < 1 || n > 16 {
		return nil, perr.New(perr.InvalidParam, "num_microphones must be in 1..16")
	}
	if p.BlockSize < 1 {
		return nil, perr.New(perr.InvalidParam, "dma_buffer_size must be positive")
	}
	if p.Volume < 0 || p.Volume > 1 {
		return nil, perr.New(perr.InvalidParam, "volume must be in [0,1]")
	}
	if p.RingCapacity < p.BlockSize {
		p.RingCapacity = p.BlockSize * 4
	}

	pl := &Pipeline{params: p}

	pl.rings = make([]*ringbuf.Ring, n)
	for i := range pl.rings {
		pl.rings[i] = ringbuf.New(p.RingCapacity)
	}
	pl.demuxer = demux.New(pl.rings)

	if p.NoiseReductionEnable {
		pl.reducers = make([]*dsp.NoiseReducer, n)
		for i := range pl.reducers {
			r, err := dsp.New(p.NoiseParams)
			if err != nil {
				return nil, perr.Wrap(perr.Init, "noise reducer", err)
			}
			pl.reducers[i] = r
		}
	}

	loc, err := localise.New(p.LocaliseParams)
	if err != nil {
		return nil, perr.Wrap(perr.Init, "localiser", err)
	}
	pl.loc = loc

	pl.blockBuf = make([][]float32, n)
	pl.processed = make([][]float32, n)
	for i := range pl.blockBuf {
		pl.blockBuf[i] = make([]float32, p.BlockSize)
		pl.processed[i] = make([]float32, 0, p.BlockSize)
	}
	pl.lastRingDrops = make([]uint64, n)
	pl.monoScratch = make([]int16, p.BlockSize)
	pl.interleavedScratch = make([]float32, p.BlockSize*n)
	pl.stereoScratch = make([]int16, 0, 2*p.BlockSize)

	pl.location.Store(&SoundLocation{})
	pl.state.Store(int32(Initialised))
	return pl, nil
}

// State returns the pipeline's current lifecycle state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

// GetLocation returns a consistent snapshot of the last-published
// location. Safe to call from any number of reader goroutines.
func (p *Pipeline) GetLocation() SoundLocation {
	return *p.location.Load()
}

// Start transitions Initialised/Stopped -> Running, opens the capture
// and sink devices, and launches the worker goroutine. A second Start
// while already Running is a no-op.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.State() {
	case Running:
		return nil
	case Initialised, Stopped:
	default:
		return perr.New(perr.Init, "start only legal from initialised or stopped")
	}

	n := len(p.rings)
	if err := p.params.Capture.Open(p.params.SampleRate, n, 16, p.params.BlockSize); err != nil {
		return perr.Wrap(perr.Capture, "open capture", err)
	}
	if err := p.params.Sink.Open(p.params.SampleRate, 2, 16, p.params.BlockSize); err != nil {
		return perr.Wrap(perr.Sink, "open sink", err)
	}

	p.params.Capture.OnBlock(func(pcm []int16) {
		if cap(p.interleavedScratch) < len(pcm) {
			p.interleavedScratch = make([]float32, len(pcm))
		}
		interleaved := p.interleavedScratch[:len(pcm)]
		for i, s := range pcm {
			interleaved[i] = float32(s) / 32768.0
		}
		p.demuxer.Push(interleaved)
	})

	if err := p.params.Capture.Start(); err != nil {
		return perr.Wrap(perr.Capture, "start capture", err)
	}
	if err := p.params.Sink.Start(); err != nil {
		return perr.Wrap(perr.Sink, "start sink", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	group, gctx := errgroup.WithContext(ctx)
	p.group = group
	p.running.Store(true)

	group.Go(func() error {
		return p.runWorker(gctx)
	})

	p.state.Store(int32(Running))
	return nil
}

// Stop transitions Running -> Stopped. It sets the running flag false,
// waits for the worker to exit after at most one in-flight block, and
// stops the capture/sink devices.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() != Running {
		return perr.New(perr.Init, "stop only legal from running")
	}

	p.running.Store(false)
	if p.cancel != nil {
		p.cancel()
	}
	if p.group != nil {
		_ = p.group.Wait()
	}

	if err := p.params.Capture.Stop(); err != nil && p.params.Logger != nil {
		p.params.Logger.Warnf("capture stop: %v", err)
	}
	if err := p.params.Sink.Stop(); err != nil && p.params.Logger != nil {
		p.params.Logger.Warnf("sink stop: %v", err)
	}

	p.state.Store(int32(Stopped))
	return nil
}

// Cleanup implies Stop and is idempotent.
func (p *Pipeline) Cleanup() error {
	if p.State() == Running {
		if err := p.Stop(); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Store(int32(Cleaned))
	return nil
}

// runWorker is the single DSP worker thread: it suspends only at
// ring.Pop (short sleep when empty) and at sink.Write (may block until
// the device accepts the block). Its per-block buffers are the scratch
// slices sized in New; each block still allocates the published
// *SoundLocation, and waitForBlock allocates a timer per poll.
func (p *Pipeline) runWorker(ctx context.Context) error {
	n := len(p.rings)
	blockSize := p.params.BlockSize

	for p.running.Load() {
		if !p.waitForBlock(ctx, blockSize) {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		for ch, ring := range p.rings {
			ring.Pop(p.blockBuf[ch])
		}
		p.reportDrops()

		for ch := 0; ch < n; ch++ {
			p.processed[ch] = p.processed[ch][:0]
			if p.params.NoiseReductionEnable {
				before := rms(p.blockBuf[ch])
				p.processed[ch] = p.reducers[ch].ProcessBlock(p.blockBuf[ch], p.processed[ch])
				after := rms(p.processed[ch])
				p.reportNoise(ch, before, after)
			} else {
				p.processed[ch] = append(p.processed[ch], p.blockBuf[ch]...)
			}
			p.reportLevel(ch, rms(p.processed[ch]))
		}

		if !channelsAligned(p.processed) {
			continue
		}

		loc := p.loc.Locate(p.processed)
		p.location.Store(&SoundLocation{X: loc.X, Y: loc.Y, Z: loc.Z, Confidence: loc.Confidence})
		if p.params.Logger != nil {
			p.params.Logger.Location(loc.X, loc.Y, loc.Z, loc.Confidence)
		}
		if p.params.Metrics != nil {
			p.params.Metrics.LocaliserConf.Set(loc.Confidence)
		}

		mono := p.monomix()
		gains := pan.Compute(pan.Location{X: loc.X, Y: loc.Y, Z: loc.Z, Confidence: loc.Confidence})

		stereo := p.stereoScratch[:0]
		for _, m := range mono {
			left, right := pan.Render(m, gains)
			stereo = append(stereo, scaleVolume(left, p.params.Volume), scaleVolume(right, p.params.Volume))
		}
		p.stereoScratch = stereo

		if _, err := p.params.Sink.WriteInterleaved(stereo, len(mono)); err != nil {
			if p.params.Logger != nil {
				p.params.Logger.Warnf("sink write (recoverable): %v", err)
			}
		}
	}
	return nil
}

// waitForBlock polls ring levels at 100us intervals until every
// channel has at least blockSize samples, the context is cancelled, or
// the running flag drops.
func (p *Pipeline) waitForBlock(ctx context.Context, blockSize int) bool {
	for p.running.Load() {
		ready := true
		for _, r := range p.rings {
			if r.Level() < blockSize {
				ready = false
				break
			}
		}
		if ready {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Microsecond):
		}
	}
	return false
}

func channelsAligned(processed [][]float32) bool {
	if len(processed) == 0 {
		return false
	}
	want := len(processed[0])
	if want == 0 {
		return false
	}
	for _, p := range processed {
		if len(p) != want {
			return false
		}
	}
	return true
}

// monomix computes the arithmetic mean across channels, saturated to
// int16, per §4.6.
func (p *Pipeline) monomix() []int16 {
	n := len(p.processed)
	length := len(p.processed[0])
	if cap(p.monoScratch) < length {
		p.monoScratch = make([]int16, length)
	}
	out := p.monoScratch[:length]
	for i := 0; i < length; i++ {
		var sum float64
		for ch := 0; ch < n; ch++ {
			sum += float64(p.processed[ch][i])
		}
		mean := sum / float64(n) * 32767.0
		out[i] = clipInt16(mean)
	}
	return out
}

func scaleVolume(v int16, volume float64) int16 {
	return clipInt16(float64(v) * volume)
}

func clipInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func (p *Pipeline) reportNoise(ch int, before, after float64) {
	reductionDB := 0.0
	if after > 0 && before > 0 {
		reductionDB = 20 * math.Log10(before/after)
	}
	if p.params.Logger != nil {
		p.params.Logger.Noise(ch, before, after, reductionDB)
	}
	if p.params.Metrics != nil {
		p.params.Metrics.NoiseReductionDB.Set(reductionDB)
	}
}

// reportDrops feeds the ring overrun and demuxer drop counts into the
// Prometheus counters as monotonic deltas against the last-observed
// totals, since ring.Dropped and demuxer.Drops are themselves
// monotonically increasing cumulative counts.
func (p *Pipeline) reportDrops() {
	if p.params.Metrics == nil {
		return
	}
	for ch, ring := range p.rings {
		total := ring.Dropped()
		if delta := total - p.lastRingDrops[ch]; delta > 0 {
			p.params.Metrics.RingOverruns.WithLabelValues(strconv.Itoa(ch)).Add(float64(delta))
		}
		p.lastRingDrops[ch] = total
	}

	total := p.demuxer.Drops()
	if delta := total - p.lastDemuxDrops; delta > 0 {
		p.params.Metrics.DemuxDrops.Add(float64(delta))
	}
	p.lastDemuxDrops = total
}

func (p *Pipeline) reportLevel(ch int, level float64) {
	if p.params.Logger != nil {
		p.params.Logger.Levels(ch, level)
	}
	if p.params.Metrics != nil {
		p.params.Metrics.ChannelRMS.WithLabelValues(strconv.Itoa(ch)).Set(level)
	}
}
