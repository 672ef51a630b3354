package queue

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinHeapOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	h := NewMin(16)

	want := make([]float32, 100)
	for i := range want {
		want[i] = rng.Float32()
		h.Push(Item{Slot: uint32(i), Distance: want[i]})
	}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

	for i := 0; h.Len() > 0; i++ {
		it, ok := h.Pop()
		require.True(t, ok)
		assert.Equal(t, want[i], it.Distance)
	}
}

func TestMaxHeapOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	h := NewMax(16)

	want := make([]float32, 100)
	for i := range want {
		want[i] = rng.Float32()
		h.Push(Item{Slot: uint32(i), Distance: want[i]})
	}
	sort.Slice(want, func(i, j int) bool { return want[i] > want[j] })

	for i := 0; h.Len() > 0; i++ {
		it, ok := h.Pop()
		require.True(t, ok)
		assert.Equal(t, want[i], it.Distance)
	}
}

func TestTopDoesNotRemove(t *testing.T) {
	h := NewMin(4)
	h.Push(Item{Slot: 1, Distance: 2})
	h.Push(Item{Slot: 2, Distance: 1})

	top, ok := h.Top()
	require.True(t, ok)
	assert.Equal(t, uint32(2), top.Slot)
	assert.Equal(t, 2, h.Len())
}

func TestMinOnMaxHeap(t *testing.T) {
	h := NewMax(4)
	h.Push(Item{Slot: 1, Distance: 0.9})
	h.Push(Item{Slot: 2, Distance: 0.1})
	h.Push(Item{Slot: 3, Distance: 0.5})

	it, ok := h.Min()
	require.True(t, ok)
	assert.Equal(t, uint32(2), it.Slot)
}

func TestEmptyHeap(t *testing.T) {
	h := NewMin(4)

	_, ok := h.Pop()
	assert.False(t, ok)
	_, ok = h.Top()
	assert.False(t, ok)
	_, ok = h.Min()
	assert.False(t, ok)
}

func TestReset(t *testing.T) {
	h := NewMax(4)
	h.Push(Item{Slot: 1, Distance: 1})
	h.Reset()
	assert.Zero(t, h.Len())
}
