package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestRingOverrun is E5: capacity 1024, push 2048, pop everything:
// popped=1024, overrun=1024.
func TestRingOverrun(t *testing.T) {
	r := New(1024)

	samples := make([]float32, 2048)
	for i := range samples {
		samples[i] = float32(i)
	}

	accepted := r.Push(samples)
	require.Equal(t, 1024, accepted)
	require.Equal(t, uint64(1024), r.Dropped())

	dest := make([]float32, 4096)
	popped := r.Pop(dest)
	assert.Equal(t, 1024, popped)
}

// TestSPSCCorrectness is testable property 1: for any interleaved
// push/pop schedule with total pushed <= capacity, the popped
// sequence equals the pushed sequence; with over-capacity pushes,
// dropped + popped == pushed.
func TestSPSCCorrectness(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 64).Draw(t, "capacity")
		r := New(capacity)

		var pushed, popped []float32
		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		seq := float32(0)

		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(t, "isPush") {
				n := rapid.IntRange(0, capacity+4).Draw(t, "pushLen")
				batch := make([]float32, n)
				for j := range batch {
					batch[j] = seq
					seq++
				}
				accepted := r.Push(batch)
				pushed = append(pushed, batch[:accepted]...)
			} else {
				n := rapid.IntRange(0, capacity+4).Draw(t, "popLen")
				dest := make([]float32, n)
				got := r.Pop(dest)
				popped = append(popped, dest[:got]...)
			}
		}

		// Drain whatever remains.
		for {
			dest := make([]float32, capacity)
			got := r.Pop(dest)
			if got == 0 {
				break
			}
			popped = append(popped, dest[:got]...)
		}

		assert.Equal(t, pushed, popped)
		assert.Equal(t, uint64(seq)-uint64(len(pushed)), r.Dropped())
	})
}

func TestLevelAndCapacity(t *testing.T) {
	r := New(16)
	assert.Equal(t, 16, r.Capacity())
	assert.Equal(t, 0, r.Level())

	r.Push([]float32{1, 2, 3})
	assert.Equal(t, 3, r.Level())

	dest := make([]float32, 2)
	r.Pop(dest)
	assert.Equal(t, []float32{1, 2}, dest)
	assert.Equal(t, 1, r.Level())
}
