// Package demux splits an interleaved multi-channel capture block into
// per-channel pushes onto the pipeline's ring buffers.
package demux

import "github.com/agalue/micarray-dsp/internal/ringbuf"

// Demuxer fans an interleaved block across N channel rings, enforcing
// the all-or-nothing drop rule: a sample is accepted for every channel
// or dropped for every channel, so channel alignment is never lost.
type Demuxer struct {
	rings []*ringbuf.Ring
	drops uint64
}

// New builds a Demuxer writing into the given per-channel rings, in
// channel order.
func New(rings []*ringbuf.Ring) *Demuxer {
	return &Demuxer{rings: rings}
}

// Push consumes interleaved PCM of layout [ch0_s0, ch1_s0, ..., chN-1_s0,
// ch0_s1, ...] and fans each sample frame across the channel rings. No
// allocation on the hot path.
func (d *Demuxer) Push(interleaved []float32) {
	n := len(d.rings)
	if n == 0 {
		return
	}
	frames := len(interleaved) / n

	for f := 0; f < frames; f++ {
		base := f * n

		// Check every ring has room before writing any of them, so the
		// whole frame is accepted or dropped together.
		room := true
		for _, r := range d.rings {
			if r.Level() >= r.Capacity() {
				room = false
				break
			}
		}
		if !room {
			d.drops++
			continue
		}

		for ch, r := range d.rings {
			r.Push(interleaved[base+ch : base+ch+1])
		}
	}
}

// Drops returns the number of whole sample-frames dropped for lack of
// room on at least one channel.
func (d *Demuxer) Drops() uint64 {
	return d.drops
}
