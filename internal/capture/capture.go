// Package capture implements the pipeline's AudioCapture contract (§6)
// on top of malgo: an N-channel interleaved capture device, with a
// per-channel polyphase resampler when the device's native rate
// differs from the configured processing rate (§12.3). This is a
// direct generalisation of the teacher's single-channel
// internal/audio.Capturer from mono speech capture to N-channel array
// capture.
package capture

import (
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/agalue/micarray-dsp/internal/audio"
	"github.com/agalue/micarray-dsp/internal/perr"
	"github.com/gen2brain/malgo"
)

// Device is a malgo-backed multi-channel capture source.
type Device struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	sampleRate       uint32
	deviceSampleRate uint32
	channels         int
	blockSamples     int

	resamplers []*audio.PolyphaseResampler // one per channel, nil when rates match

	floatScratch   []float32   // reused by bytesToFloat32, sized in Open
	pcmScratch     []int16     // reused by onRecvFrames, sized in Open
	chScratch      [][]float32 // reused de-interleave buffers, one per channel, sized in Open
	perChanScratch [][]float32 // reused slice-of-resampled-channels, sized in Open

	onBlock func([]int16)
	running atomic.Bool
}

// New allocates the malgo context. The device itself is opened in
// Open, matching the teacher's context/device split.
func New() (*Device, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, perr.Wrap(perr.Init, "initialize audio context", err)
	}
	return &Device{ctx: ctx}, nil
}

// Open configures and opens the capture device for the given sample
// rate, channel count and block size. Only 16-bit samples are
// supported, per §6.
func (d *Device) Open(sampleRate, channels, bits, blockSamples int) error {
	if bits != 16 {
		return perr.New(perr.InvalidParam, "capture requires 16-bit samples")
	}
	d.sampleRate = uint32(sampleRate)
	d.channels = channels
	d.blockSamples = blockSamples

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(channels)
	deviceConfig.SampleRate = d.sampleRate
	deviceConfig.PeriodSizeInFrames = uint32(blockSamples)

	probe, err := malgo.InitDevice(d.ctx.Context, deviceConfig, malgo.DeviceCallbacks{})
	if err != nil {
		return perr.Wrap(perr.Capture, "probe capture device", err)
	}
	d.deviceSampleRate = probe.SampleRate()
	probe.Uninit()

	if d.deviceSampleRate != d.sampleRate {
		d.resamplers = make([]*audio.PolyphaseResampler, channels)
		for i := range d.resamplers {
			d.resamplers[i] = audio.NewPolyphaseResampler(int(d.deviceSampleRate), int(d.sampleRate))
		}
		d.chScratch = make([][]float32, channels)
		for i := range d.chScratch {
			d.chScratch[i] = make([]float32, blockSamples)
		}
		d.perChanScratch = make([][]float32, channels)
	}
	d.floatScratch = make([]float32, blockSamples*channels)
	d.pcmScratch = make([]int16, blockSamples*channels)

	callbacks := malgo.DeviceCallbacks{
		Data: d.onRecvFrames,
	}
	device, err := malgo.InitDevice(d.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return perr.Wrap(perr.Capture, "initialize capture device", err)
	}
	d.device = device
	return nil
}

// OnBlock registers the callback invoked with each interleaved 16-bit
// PCM block. Must be called before Start.
func (d *Device) OnBlock(cb func(pcm []int16)) {
	d.onBlock = cb
}

// Start begins capture. The audio callback never blocks, and reuses
// the de-interleave/re-interleave scratch buffers sized once in Open
// rather than allocating per block; the resampler's own output buffer
// (audio.PolyphaseResampler.Resample) is the one per-block allocation
// this device does not own.
func (d *Device) Start() error {
	d.running.Store(true)
	if err := d.device.Start(); err != nil {
		return perr.Wrap(perr.Capture, "start capture device", err)
	}
	return nil
}

// Stop halts capture and releases the device.
func (d *Device) Stop() error {
	d.running.Store(false)
	if d.device != nil {
		if err := d.device.Stop(); err != nil {
			return perr.Wrap(perr.Capture, "stop capture device", err)
		}
		d.device.Uninit()
		d.device = nil
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

// onRecvFrames runs on the audio thread: convert to float32,
// resample per channel if needed, convert to int16, invoke onBlock.
// Capture-side callback errors are swallowed per §7 (logged by the
// pipeline that owns this device, not here): a malformed buffer simply
// yields a zero block.
func (d *Device) onRecvFrames(_, input []byte, frameCount uint32) {
	if !d.running.Load() || d.onBlock == nil {
		return
	}

	n := d.channels
	floatSamples := d.bytesToFloat32(input)

	if d.resamplers == nil {
		pcm := d.int16Scratch(len(floatSamples))
		for i, s := range floatSamples {
			pcm[i] = floatToInt16(s)
		}
		d.onBlock(pcm)
		return
	}

	// De-interleave, resample per channel, re-interleave. The
	// resamplers' own output buffers are allocated per call (§4.3 of
	// audio.PolyphaseResampler's own design, unchanged from the
	// teacher); only the de-interleave/re-interleave scratch here is
	// reused.
	frames := len(floatSamples) / n
	perChannel := d.perChanScratch
	for ch := 0; ch < n; ch++ {
		if cap(d.chScratch[ch]) < frames {
			d.chScratch[ch] = make([]float32, frames)
		}
		chSamples := d.chScratch[ch][:frames]
		for f := 0; f < frames; f++ {
			chSamples[f] = floatSamples[f*n+ch]
		}
		perChannel[ch] = d.resamplers[ch].Resample(chSamples)
	}

	outFrames := len(perChannel[0])
	pcm := d.int16Scratch(outFrames * n)
	for ch := 0; ch < n; ch++ {
		for f := 0; f < outFrames; f++ {
			pcm[f*n+ch] = floatToInt16(perChannel[ch][f])
		}
	}
	d.onBlock(pcm)
}

// int16Scratch returns d.pcmScratch resized to length, growing the
// backing array only the rare times a callback delivers more samples
// than it was sized for.
func (d *Device) int16Scratch(length int) []int16 {
	if cap(d.pcmScratch) < length {
		d.pcmScratch = make([]int16, length)
	}
	return d.pcmScratch[:length]
}

func floatToInt16(s float32) int16 {
	v := float64(s) * 32767.0
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

func (d *Device) bytesToFloat32(data []byte) []float32 {
	length := len(data) / 4
	if cap(d.floatScratch) < length {
		d.floatScratch = make([]float32, length)
	}
	out := d.floatScratch[:length]
	for i := range out {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out
}
