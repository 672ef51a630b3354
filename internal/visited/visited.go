// Package visited tracks which slots a single graph traversal has touched,
// with O(touched) reset via a dirty list.
package visited

// Set is a bitset over slot ids plus the list of bits set since the last
// Reset.
type Set struct {
	bits  []uint64
	dirty []uint32
}

// New creates a set sized for the given number of slots. It grows on demand.
func New(capacity int) *Set {
	return &Set{
		bits:  make([]uint64, (capacity+63)/64),
		dirty: make([]uint32, 0, 128),
	}
}

// Visit marks slot as visited.
func (s *Set) Visit(slot uint32) {
	word := int(slot >> 6)
	mask := uint64(1) << (slot & 63)

	if word >= len(s.bits) {
		s.grow(word + 1)
	}
	if s.bits[word]&mask == 0 {
		s.bits[word] |= mask
		s.dirty = append(s.dirty, slot)
	}
}

// Visited reports whether slot has been visited since the last Reset.
func (s *Set) Visited(slot uint32) bool {
	word := int(slot >> 6)
	if word >= len(s.bits) {
		return false
	}
	return s.bits[word]&(uint64(1)<<(slot&63)) != 0
}

// Reset clears only the bits touched in the current traversal.
func (s *Set) Reset() {
	for _, slot := range s.dirty {
		s.bits[slot>>6] &^= uint64(1) << (slot & 63)
	}
	s.dirty = s.dirty[:0]
}

func (s *Set) grow(words int) {
	newCap := len(s.bits) * 2
	if newCap < words {
		newCap = words
	}
	bits := make([]uint64, newCap)
	copy(bits, s.bits)
	s.bits = bits
}
