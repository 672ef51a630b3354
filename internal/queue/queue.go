// Package queue provides value-based binary heaps keyed by distance, used as
// the candidate and result sets of the layer-wise beam search.
package queue

// Item is a (slot, distance) pair. Value-based storage keeps the heap free
// of pointer indirection and allocation on the hot path.
type Item struct {
	Slot     uint32
	Distance float32
}

// Heap is a min- or max-heap of Items ordered by Distance.
type Heap struct {
	max   bool
	items []Item
}

// NewMin returns a min-heap: the top is the closest item.
func NewMin(capacity int) *Heap {
	return &Heap{items: make([]Item, 0, capacity)}
}

// NewMax returns a max-heap: the top is the farthest item.
func NewMax(capacity int) *Heap {
	return &Heap{max: true, items: make([]Item, 0, capacity)}
}

// Len returns the number of items.
func (h *Heap) Len() int { return len(h.items) }

// Reset clears the heap for reuse.
func (h *Heap) Reset() { h.items = h.items[:0] }

// Top returns the root without removing it.
func (h *Heap) Top() (Item, bool) {
	if len(h.items) == 0 {
		return Item{}, false
	}
	return h.items[0], true
}

// Push inserts an item.
func (h *Heap) Push(it Item) {
	h.items = append(h.items, it)
	h.siftUp(len(h.items) - 1)
}

// Pop removes and returns the root.
func (h *Heap) Pop() (Item, bool) {
	n := len(h.items)
	if n == 0 {
		return Item{}, false
	}
	root := h.items[0]
	h.items[0] = h.items[n-1]
	h.items = h.items[:n-1]
	if n > 2 {
		h.siftDown(0)
	}
	return root, true
}

// Min returns the item with the smallest distance. For a min-heap this is
// the root; for a max-heap it scans the backing slice.
func (h *Heap) Min() (Item, bool) {
	if len(h.items) == 0 {
		return Item{}, false
	}
	if !h.max {
		return h.items[0], true
	}
	best := h.items[0]
	for _, it := range h.items[1:] {
		if it.Distance < best.Distance {
			best = it
		}
	}
	return best, true
}

func (h *Heap) less(i, j int) bool {
	if h.max {
		return h.items[i].Distance > h.items[j].Distance
	}
	return h.items[i].Distance < h.items[j].Distance
}

func (h *Heap) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !h.less(i, p) {
			return
		}
		h.items[i], h.items[p] = h.items[p], h.items[i]
		i = p
	}
}

func (h *Heap) siftDown(i int) {
	n := len(h.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		if r := l + 1; r < n && h.less(r, l) {
			best = r
		}
		if !h.less(best, i) {
			return
		}
		h.items[i], h.items[best] = h.items[best], h.items[i]
		i = best
	}
}
