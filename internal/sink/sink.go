// Package sink implements the pipeline's AudioSink contract (§6) on
// top of malgo: a persistent stereo playback device fed by a
// lock-free ring buffer, generalising the teacher's
// internal/audio.Player (mono, blocking Play) to continuous
// interleaved stereo rendering driven by WriteInterleaved. A write to a
// device that is not open (never opened, or stopped) triggers one
// re-open attempt, and the caller sees the error only if that fails. A
// ring underrun in the audio callback is padded with silence; it does
// not close the device and is not reported to the writer.
package sink

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"

	"github.com/agalue/micarray-dsp/internal/audio"
	"github.com/agalue/micarray-dsp/internal/perr"
	"github.com/gen2brain/malgo"
)

const channels = 2

// ring is a lock-free single-producer/single-consumer interleaved
// stereo ring buffer, sized in frames.
type ring struct {
	samples []float32
	head    atomic.Uint64
	tail    atomic.Uint64
	cap     uint64 // capacity in frames
}

func newRing(frames int) *ring {
	return &ring{samples: make([]float32, frames*channels), cap: uint64(frames)}
}

func (r *ring) push(frames []float32) int {
	head := r.head.Load()
	tail := r.tail.Load()
	availableFrames := r.cap - (head - tail)
	toWriteFrames := uint64(len(frames) / channels)
	if toWriteFrames > availableFrames {
		toWriteFrames = availableFrames
	}
	for i := uint64(0); i < toWriteFrames; i++ {
		slot := (head + i) % r.cap
		copy(r.samples[slot*channels:slot*channels+channels], frames[i*channels:i*channels+channels])
	}
	r.head.Add(toWriteFrames)
	return int(toWriteFrames)
}

func (r *ring) popFrame() (left, right float32, ok bool) {
	head := r.head.Load()
	tail := r.tail.Load()
	if head == tail {
		return 0, 0, false
	}
	slot := tail % r.cap
	left, right = r.samples[slot*channels], r.samples[slot*channels+1]
	r.tail.Add(1)
	return left, right, true
}

// Device is a malgo-backed stereo playback sink.
type Device struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	sampleRate       uint32
	deviceSampleRate uint32
	bufferFrames     int

	resamplers [channels]*audio.PolyphaseResampler

	buf  *ring
	mu   sync.Mutex // serialises WriteInterleaved calls and device re-open
	open bool

	reopen func() error // re-opens and restarts the device; swappable in tests
}

// New allocates the malgo context.
func New() (*Device, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, perr.Wrap(perr.Init, "initialize audio context", err)
	}
	d := &Device{ctx: ctx}
	d.reopen = d.reopenDevice
	return d, nil
}

// Open configures and starts the persistent playback device.
func (d *Device) Open(sampleRate, chans, bits, bufferFrames int) error {
	if bits != 16 {
		return perr.New(perr.InvalidParam, "sink requires 16-bit samples")
	}
	if chans != channels {
		return perr.New(perr.InvalidParam, "sink requires stereo output")
	}
	d.sampleRate = uint32(sampleRate)
	d.bufferFrames = bufferFrames
	d.buf = newRing(bufferFrames * 8)
	return d.initDevice()
}

func (d *Device) initDevice() error {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = channels
	deviceConfig.SampleRate = d.sampleRate
	deviceConfig.PeriodSizeInFrames = uint32(d.bufferFrames)

	probe, err := malgo.InitDevice(d.ctx.Context, deviceConfig, malgo.DeviceCallbacks{})
	if err != nil {
		return perr.Wrap(perr.Sink, "probe playback device", err)
	}
	d.deviceSampleRate = probe.SampleRate()
	probe.Uninit()

	if d.deviceSampleRate != d.sampleRate {
		for ch := 0; ch < channels; ch++ {
			d.resamplers[ch] = audio.NewPolyphaseResampler(int(d.sampleRate), int(d.deviceSampleRate))
		}
	}

	callbacks := malgo.DeviceCallbacks{Data: d.onSendFrames}
	device, err := malgo.InitDevice(d.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return perr.Wrap(perr.Sink, "initialize playback device", err)
	}
	d.device = device
	d.open = true
	return nil
}

// Start begins playback; the device outputs silence until samples are
// queued via WriteInterleaved.
func (d *Device) Start() error {
	if err := d.device.Start(); err != nil {
		return perr.Wrap(perr.Sink, "start playback device", err)
	}
	return nil
}

// Stop halts playback and releases the device.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device != nil {
		if err := d.device.Stop(); err != nil {
			return perr.Wrap(perr.Sink, "stop playback device", err)
		}
		d.device.Uninit()
		d.device = nil
		d.open = false
	}
	return nil
}

// Close releases the malgo context. Call after Stop.
func (d *Device) Close() {
	if d.ctx != nil {
		_ = d.ctx.Uninit()
		d.ctx.Free()
		d.ctx = nil
	}
}

// WriteInterleaved queues interleaved stereo int16 samples for
// playback. On a device that is not open it attempts one re-open
// before reporting an error, so a stopped sink recovers on the
// caller's next call rather than staying closed (E6).
func (d *Device) WriteInterleaved(pcm []int16, frames int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if shouldReopen(d.open) {
		if err := d.reopen(); err != nil {
			return 0, err
		}
	}

	asFloat := int16ToFloat32Interleaved(pcm, frames)
	if d.resamplers[0] != nil {
		asFloat = d.resampleInterleaved(asFloat)
	}
	written := d.buf.push(asFloat)
	return written, nil
}

// shouldReopen is the pure retry decision WriteInterleaved makes
// before every write: the device must be re-opened whenever it isn't
// currently marked open, whether from never having started or from
// Stop (nothing else clears the open flag).
func shouldReopen(open bool) bool {
	return !open
}

// reopenDevice re-initialises and restarts the malgo playback device.
// The Device.reopen indirection lets WriteInterleaved's retry be
// exercised in tests against a fake, without a real malgo device.
func (d *Device) reopenDevice() error {
	if err := d.initDevice(); err != nil {
		return err
	}
	if err := d.device.Start(); err != nil {
		return perr.Wrap(perr.Sink, "restart playback device after underrun", err)
	}
	return nil
}

// resampleInterleaved de-interleaves, resamples each channel from the
// processing rate to the device's native rate, and re-interleaves.
// Resampling happens here, at write time, so the ring buffer and
// audio callback operate directly at the device's native rate.
func (d *Device) resampleInterleaved(interleaved []float32) []float32 {
	frames := len(interleaved) / channels
	left := make([]float32, frames)
	right := make([]float32, frames)
	for f := 0; f < frames; f++ {
		left[f] = interleaved[f*channels]
		right[f] = interleaved[f*channels+1]
	}
	left = d.resamplers[0].Resample(left)
	right = d.resamplers[1].Resample(right)

	out := make([]float32, len(left)*channels)
	for f := range left {
		out[f*channels] = left[f]
		out[f*channels+1] = right[f]
	}
	return out
}

// onSendFrames runs on the audio thread: pop frames from the ring and
// fill the output buffer; pads with silence on underrun rather than
// blocking.
func (d *Device) onSendFrames(output, _ []byte, frameCount uint32) {
	for i := 0; i < int(frameCount); i++ {
		l, r, ok := d.buf.popFrame()
		if !ok {
			l, r = 0, 0
		}
		binary.LittleEndian.PutUint32(output[i*8:], math.Float32bits(l))
		binary.LittleEndian.PutUint32(output[i*8+4:], math.Float32bits(r))
	}
}

func int16ToFloat32Interleaved(pcm []int16, frames int) []float32 {
	out := make([]float32, frames*channels)
	for i := 0; i < frames*channels && i < len(pcm); i++ {
		out[i] = float32(pcm[i]) / 32768.0
	}
	return out
}
