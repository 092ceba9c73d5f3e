package demux

import (
	"testing"

	"github.com/agalue/micarray-dsp/internal/ringbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newRings(n, capacity int) []*ringbuf.Ring {
	rings := make([]*ringbuf.Ring, n)
	for i := range rings {
		rings[i] = ringbuf.New(capacity)
	}
	return rings
}

// TestChannelAlignment is testable property 2: after any sequence of
// capture callbacks, every pair of channels has accepted the same
// number of samples.
func TestChannelAlignment(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "channels")
		capacity := rapid.IntRange(1, 32).Draw(t, "capacity")
		rings := newRings(n, capacity)
		d := New(rings)

		blocks := rapid.IntRange(1, 20).Draw(t, "blocks")
		for b := 0; b < blocks; b++ {
			frames := rapid.IntRange(0, 10).Draw(t, "frames")
			block := make([]float32, frames*n)
			for i := range block {
				block[i] = float32(i)
			}
			d.Push(block)
		}

		for _, r := range rings {
			assert.Equal(t, rings[0].Level()+int(rings[0].Dropped()), r.Level()+int(r.Dropped()))
		}
	})
}

func TestDemuxSingleFrame(t *testing.T) {
	rings := newRings(3, 4)
	d := New(rings)

	d.Push([]float32{1, 2, 3})

	dest := make([]float32, 1)
	for i, r := range rings {
		got := r.Pop(dest)
		require.Equal(t, 1, got)
		assert.Equal(t, float32(i+1), dest[0])
	}
}

func TestDemuxAllOrNothingOnOverrun(t *testing.T) {
	// Capacity 1: fill both rings, then push another frame; the frame
	// must be dropped for every channel together and counted once.
	rings := newRings(2, 1)
	d := New(rings)

	d.Push([]float32{1, 2}) // fills both rings to capacity
	d.Push([]float32{3, 4}) // must be dropped for both

	assert.Equal(t, uint64(1), d.Drops())
	for _, r := range rings {
		assert.Equal(t, 1, r.Level())
	}
}
