package visited

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVisitAndReset(t *testing.T) {
	s := New(64)

	assert.False(t, s.Visited(10))
	s.Visit(10)
	s.Visit(63)
	assert.True(t, s.Visited(10))
	assert.True(t, s.Visited(63))
	assert.False(t, s.Visited(11))

	s.Reset()
	assert.False(t, s.Visited(10))
	assert.False(t, s.Visited(63))
}

func TestVisitGrows(t *testing.T) {
	s := New(8)

	s.Visit(100_000)
	assert.True(t, s.Visited(100_000))
	assert.False(t, s.Visited(99_999))
}

func TestVisitedBeyondCapacity(t *testing.T) {
	s := New(8)
	assert.False(t, s.Visited(1 << 20))
}

func TestDoubleVisit(t *testing.T) {
	s := New(8)
	s.Visit(3)
	s.Visit(3)
	s.Reset()
	assert.False(t, s.Visited(3))
}
