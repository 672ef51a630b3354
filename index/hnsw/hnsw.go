// Package hnsw implements the Hierarchical Navigable Small World proximity
// graph over affine-quantized vectors: insertion, greedy multi-layer search,
// neighbor selection and removal.
//
// The index has no internal synchronization for writes; it assumes a single
// logical writer. Concurrent read-only searches are safe because all per-
// traversal scratch state (heaps, visited set) is pooled per call.
package hnsw

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/substratedb/recall/internal/queue"
	"github.com/substratedb/recall/internal/visited"
	"github.com/substratedb/recall/model"
	"github.com/substratedb/recall/pool"
	"github.com/substratedb/recall/quantization"
)

const (
	// mmax0Multiplier scales the degree cap at layer 0, which carries the
	// bulk of connectivity.
	mmax0Multiplier = 2

	// minimumM is the smallest valid value for M.
	minimumM = 2

	// DefaultM is the default number of bidirectional links per layer.
	DefaultM = 16

	// DefaultEFConstruction is the default beam width during build.
	DefaultEFConstruction = 200

	// DefaultEFSearch is the default beam width during queries.
	DefaultEFSearch = 100

	// DefaultMaxLayers caps the random layer draw.
	DefaultMaxLayers = 16
)

var (
	// ErrEmptyVector is returned when inserting a zero-length vector.
	ErrEmptyVector = errors.New("hnsw: empty vector")

	// ErrDuplicateID is returned when inserting an ID that is already live.
	ErrDuplicateID = errors.New("hnsw: duplicate point id")
)

// ErrDimensionMismatch indicates a vector whose dimensionality does not
// match the index configuration.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("hnsw: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Options configures an Index.
type Options struct {
	Dimension      int
	M              int
	EFConstruction int
	EFSearch       int
	MaxLayers      int
	RandomSeed     *int64

	// Pool, when set, mirrors every node's adjacency lists into a durable
	// connection pool using record-replace-on-edit.
	Pool *pool.Pool
}

// DefaultOptions are the defaults applied by New.
var DefaultOptions = Options{
	M:              DefaultM,
	EFConstruction: DefaultEFConstruction,
	EFSearch:       DefaultEFSearch,
	MaxLayers:      DefaultMaxLayers,
}

type node struct {
	id     model.PointID
	vec    *quantization.QuantizedVector
	sketch quantization.BinaryVector
	level  int
	// neighbors[l] holds the slots linked at layer l, 0 <= l <= level.
	neighbors [][]uint32
	// offset is the node's current connection pool record, 0 when none.
	offset uint64
}

// Index is the in-memory HNSW graph. Nodes are addressed by dense uint32
// slots; neighbor lists reference slots, never pointers, so the structure
// survives serialization and relocation unchanged.
type Index struct {
	opts Options

	maxConnsPerLayer int
	maxConnsLayer0   int
	layerMultiplier  float64

	rng *rand.Rand

	nodes     []*node
	freeSlots []uint32
	byID      map[model.PointID]uint32

	entry    uint32
	hasEntry bool
	maxLevel int
	count    int

	pool *pool.Pool

	minHeaps *sync.Pool
	maxHeaps *sync.Pool
	visits   *sync.Pool
}

// New creates an empty index.
func New(optFns ...func(o *Options)) (*Index, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("hnsw: invalid dimension %d", opts.Dimension)
	}
	if opts.M < minimumM {
		opts.M = minimumM
	}
	if opts.EFConstruction <= 0 {
		opts.EFConstruction = DefaultEFConstruction
	}
	if opts.EFSearch <= 0 {
		opts.EFSearch = DefaultEFSearch
	}
	if opts.MaxLayers <= 0 {
		opts.MaxLayers = DefaultMaxLayers
	}

	var rng *rand.Rand
	if opts.RandomSeed != nil {
		rng = rand.New(rand.NewSource(*opts.RandomSeed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	ix := &Index{
		opts:             opts,
		maxConnsPerLayer: opts.M,
		maxConnsLayer0:   mmax0Multiplier * opts.M,
		layerMultiplier:  1 / math.Log(float64(opts.M)),
		rng:              rng,
		byID:             make(map[model.PointID]uint32),
		pool:             opts.Pool,
	}
	ix.minHeaps = &sync.Pool{New: func() any { return queue.NewMin(opts.EFConstruction) }}
	ix.maxHeaps = &sync.Pool{New: func() any { return queue.NewMax(opts.EFConstruction) }}
	ix.visits = &sync.Pool{New: func() any { return visited.New(1024) }}

	return ix, nil
}

// Len returns the number of live nodes.
func (ix *Index) Len() int { return ix.count }

// Dimension returns the configured embedding dimension.
func (ix *Index) Dimension() int { return ix.opts.Dimension }

// Contains reports whether id is live in the graph.
func (ix *Index) Contains(id model.PointID) bool {
	_, ok := ix.byID[id]
	return ok
}

// Slot returns the slot currently assigned to id.
func (ix *Index) Slot(id model.PointID) (uint32, bool) {
	slot, ok := ix.byID[id]
	return slot, ok
}

// ForEach calls fn for every live node until fn returns false.
func (ix *Index) ForEach(fn func(id model.PointID, slot uint32) bool) {
	for slot, n := range ix.nodes {
		if n == nil {
			continue
		}
		if !fn(n.id, uint32(slot)) {
			return
		}
	}
}

// randomLevel draws a node level from the geometric distribution with
// parameter 1/M, capped at MaxLayers-1. This yields the expected
// logarithmic-height layer structure.
func (ix *Index) randomLevel() int {
	u := ix.rng.Float64()
	if u == 0 {
		u = math.SmallestNonzeroFloat64
	}
	level := int(math.Floor(-math.Log(u) * ix.layerMultiplier))
	if level >= ix.opts.MaxLayers {
		level = ix.opts.MaxLayers - 1
	}
	return level
}

func (ix *Index) nodeAt(slot uint32) *node {
	if int(slot) >= len(ix.nodes) {
		return nil
	}
	return ix.nodes[slot]
}

// neighborsAt returns the adjacency list of slot at layer, or nil when the
// node is gone or never reached that layer. Returning nil for a missing
// node is what lets traversal skip dangling references instead of failing.
func (ix *Index) neighborsAt(slot uint32, layer int) []uint32 {
	n := ix.nodeAt(slot)
	if n == nil || layer > n.level {
		return nil
	}
	return n.neighbors[layer]
}

// distToSlot returns the cosine distance from q to the node at slot, or
// false when the slot no longer resolves.
func (ix *Index) distToSlot(q *quantization.QuantizedVector, slot uint32) (float32, bool) {
	n := ix.nodeAt(slot)
	if n == nil {
		return 0, false
	}
	return 1 - quantization.CosineApprox(q, n.vec), true
}

func (ix *Index) distBetween(a, b uint32) (float32, bool) {
	na, nb := ix.nodeAt(a), ix.nodeAt(b)
	if na == nil || nb == nil {
		return 0, false
	}
	return 1 - quantization.CosineApprox(na.vec, nb.vec), true
}

func (ix *Index) allocSlot() uint32 {
	if n := len(ix.freeSlots); n > 0 {
		slot := ix.freeSlots[n-1]
		ix.freeSlots = ix.freeSlots[:n-1]
		return slot
	}
	ix.nodes = append(ix.nodes, nil)
	return uint32(len(ix.nodes) - 1)
}

// Insert adds (id, vector) to the graph and returns the assigned slot.
func (ix *Index) Insert(id model.PointID, vec []float32) (uint32, error) {
	if len(vec) == 0 {
		return 0, ErrEmptyVector
	}
	if len(vec) != ix.opts.Dimension {
		return 0, &ErrDimensionMismatch{Expected: ix.opts.Dimension, Actual: len(vec)}
	}
	if _, ok := ix.byID[id]; ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	q := quantization.Quantize(vec)
	level := ix.randomLevel()

	n := &node{
		id:        id,
		vec:       q,
		sketch:    quantization.BinarizeQuantized(q),
		level:     level,
		neighbors: make([][]uint32, level+1),
	}

	prevEntry, prevMaxLevel, prevHasEntry := ix.entry, ix.maxLevel, ix.hasEntry

	slot := ix.allocSlot()
	ix.nodes[slot] = n
	ix.byID[id] = slot
	ix.count++

	if !ix.hasEntry {
		ix.entry = slot
		ix.maxLevel = level
		ix.hasEntry = true
		if err := ix.persistNode(slot); err != nil {
			ix.unwindInsert(slot, prevEntry, prevMaxLevel, prevHasEntry)
			return 0, err
		}
		return slot, nil
	}

	touched, err := ix.link(slot, q, level)
	if err != nil {
		ix.unwindInsert(slot, prevEntry, prevMaxLevel, prevHasEntry)
		return 0, err
	}

	if level > ix.maxLevel {
		ix.maxLevel = level
		ix.entry = slot
	}

	if err := ix.persistNode(slot); err != nil {
		ix.unwindInsert(slot, prevEntry, prevMaxLevel, prevHasEntry)
		return 0, err
	}
	for _, t := range touched {
		if err := ix.persistNode(t); err != nil {
			ix.unwindInsert(slot, prevEntry, prevMaxLevel, prevHasEntry)
			return 0, err
		}
	}

	return slot, nil
}

// unwindInsert rolls a partially applied insert back out of the graph so a
// failed Insert leaves no live node behind and the same id can be retried.
// Pool mirrors of reverted neighbors are left stale on purpose: the edge they
// still carry is dangling, which traversal tolerates, and their next change
// rewrites the record; re-persisting here would mostly hit the same failure
// that triggered the unwind.
func (ix *Index) unwindInsert(slot uint32, prevEntry uint32, prevMaxLevel int, prevHasEntry bool) {
	n := ix.nodes[slot]
	if n == nil {
		return
	}

	for layer := 0; layer <= n.level; layer++ {
		for _, nb := range n.neighbors[layer] {
			ix.dropLink(nb, slot, layer)
		}
	}

	if ix.pool != nil && n.offset != 0 {
		_ = ix.pool.Remove(n.offset)
	}

	ix.nodes[slot] = nil
	delete(ix.byID, n.id)
	ix.freeSlots = append(ix.freeSlots, slot)
	ix.count--

	ix.entry, ix.maxLevel, ix.hasEntry = prevEntry, prevMaxLevel, prevHasEntry
}

// link runs the construction traversal for a freshly placed node and wires
// bidirectional edges. It returns the slots whose adjacency lists changed.
func (ix *Index) link(slot uint32, q *quantization.QuantizedVector, level int) ([]uint32, error) {
	curr := ix.entry
	currDist, ok := ix.distToSlot(q, curr)
	if !ok {
		// Entry point vanished out from under us; adopt the new node as the
		// entry and carry on.
		ix.entry = slot
		ix.maxLevel = level
		return nil, nil
	}

	// Greedy zoom-in through the layers strictly above the new node's level.
	for layer := ix.maxLevel; layer > level; layer-- {
		curr, currDist = ix.greedyStep(q, curr, currDist, layer)
	}

	n := ix.nodes[slot]
	var touched []uint32

	top := level
	if ix.maxLevel < top {
		top = ix.maxLevel
	}

	for layer := top; layer >= 0; layer-- {
		results := ix.searchLayer(q, curr, currDist, layer, ix.opts.EFConstruction)

		if best, ok := results.Min(); ok {
			curr, currDist = best.Slot, best.Distance
		}

		maxConns := ix.maxConnsPerLayer
		if layer == 0 {
			maxConns = ix.maxConnsLayer0
		}

		neighbors := ix.selectNearest(results, maxConns)
		results.Reset()
		ix.maxHeaps.Put(results)

		n.neighbors[layer] = neighbors

		for _, nb := range neighbors {
			if nb == slot {
				continue
			}
			if ix.addLink(nb, slot, layer) {
				touched = append(touched, nb)
			}
		}
	}

	return touched, nil
}

// greedyStep repeatedly moves to the neighbor closest to q at the given
// layer until no neighbor improves on the current position.
func (ix *Index) greedyStep(q *quantization.QuantizedVector, curr uint32, currDist float32, layer int) (uint32, float32) {
	for {
		improved := false
		for _, nb := range ix.neighborsAt(curr, layer) {
			d, ok := ix.distToSlot(q, nb)
			if !ok {
				continue
			}
			if d < currDist {
				curr, currDist = nb, d
				improved = true
			}
		}
		if !improved {
			return curr, currDist
		}
	}
}

// searchLayer is the bounded best-first search at one layer: a min-heap of
// candidates to expand and a max-heap holding the best ef results so far.
// Expansion stops once the closest remaining candidate is farther than the
// worst kept result and the result set is full. The returned max-heap must
// be Reset and put back into maxHeaps by the caller.
func (ix *Index) searchLayer(q *quantization.QuantizedVector, ep uint32, epDist float32, layer, ef int) *queue.Heap {
	seen := ix.visits.Get().(*visited.Set)
	seen.Reset()
	defer ix.visits.Put(seen)

	candidates := ix.minHeaps.Get().(*queue.Heap)
	candidates.Reset()
	defer func() {
		candidates.Reset()
		ix.minHeaps.Put(candidates)
	}()

	results := ix.maxHeaps.Get().(*queue.Heap)
	results.Reset()

	seen.Visit(ep)
	candidates.Push(queue.Item{Slot: ep, Distance: epDist})
	results.Push(queue.Item{Slot: ep, Distance: epDist})

	for candidates.Len() > 0 {
		curr, _ := candidates.Pop()

		if worst, ok := results.Top(); ok && curr.Distance > worst.Distance && results.Len() >= ef {
			break
		}

		for _, nb := range ix.neighborsAt(curr.Slot, layer) {
			if seen.Visited(nb) {
				continue
			}
			seen.Visit(nb)

			d, ok := ix.distToSlot(q, nb)
			if !ok {
				// Dangling reference to a removed node: skip, never fail.
				continue
			}

			if worst, ok := results.Top(); ok && results.Len() >= ef && d > worst.Distance {
				continue
			}

			candidates.Push(queue.Item{Slot: nb, Distance: d})
			results.Push(queue.Item{Slot: nb, Distance: d})
			if results.Len() > ef {
				results.Pop()
			}
		}
	}

	return results
}

// selectNearest keeps the up-to-m closest candidates, nearest first.
func (ix *Index) selectNearest(results *queue.Heap, m int) []uint32 {
	for results.Len() > m {
		results.Pop()
	}
	out := make([]uint32, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		it, _ := results.Pop()
		out[i] = it.Slot
	}
	return out
}

// addLink appends source as a neighbor of target at the given layer,
// pruning back to the degree cap by distance when the list overflows.
// It reports whether target's list changed.
func (ix *Index) addLink(target, source uint32, layer int) bool {
	tn := ix.nodeAt(target)
	if tn == nil || layer > tn.level {
		return false
	}

	for _, nb := range tn.neighbors[layer] {
		if nb == source {
			return false
		}
	}

	maxConns := ix.maxConnsPerLayer
	if layer == 0 {
		maxConns = ix.maxConnsLayer0
	}

	if len(tn.neighbors[layer]) < maxConns {
		tn.neighbors[layer] = append(tn.neighbors[layer], source)
		return true
	}

	// Over cap: keep the maxConns closest of existing plus the newcomer.
	cands := ix.maxHeaps.Get().(*queue.Heap)
	cands.Reset()
	defer func() {
		cands.Reset()
		ix.maxHeaps.Put(cands)
	}()

	push := func(nb uint32) {
		if d, ok := ix.distBetween(target, nb); ok {
			cands.Push(queue.Item{Slot: nb, Distance: d})
			if cands.Len() > maxConns {
				cands.Pop()
			}
		}
	}
	for _, nb := range tn.neighbors[layer] {
		push(nb)
	}
	push(source)

	tn.neighbors[layer] = ix.selectNearest(cands, maxConns)
	return true
}

// Search returns the k nearest neighbors of query, ranked by similarity
// (1 - cosine distance), best first.
func (ix *Index) Search(query []float32, k int) ([]model.SearchResult, error) {
	if len(query) != ix.opts.Dimension {
		return nil, &ErrDimensionMismatch{Expected: ix.opts.Dimension, Actual: len(query)}
	}
	if k <= 0 || !ix.hasEntry {
		return nil, nil
	}

	q := quantization.Quantize(query)

	curr := ix.entry
	currDist, ok := ix.distToSlot(q, curr)
	if !ok {
		return nil, nil
	}

	for layer := ix.maxLevel; layer > 0; layer-- {
		curr, currDist = ix.greedyStep(q, curr, currDist, layer)
	}

	ef := ix.opts.EFSearch
	if ef < k {
		ef = k
	}

	results := ix.searchLayer(q, curr, currDist, 0, ef)
	defer func() {
		results.Reset()
		ix.maxHeaps.Put(results)
	}()

	for results.Len() > k {
		results.Pop()
	}

	out := make([]model.SearchResult, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		it, _ := results.Pop()
		n := ix.nodeAt(it.Slot)
		if n == nil {
			continue
		}
		out[i] = model.SearchResult{ID: n.id, Score: 1 - it.Distance}
	}
	return out, nil
}

// CoarseSearch is the cheap pre-filter path: a linear scan ranking every
// live node by sign-sketch Hamming similarity. Callers re-rank the survivors
// with full-precision scoring.
func (ix *Index) CoarseSearch(query []float32, k int) ([]model.SearchResult, error) {
	if len(query) != ix.opts.Dimension {
		return nil, &ErrDimensionMismatch{Expected: ix.opts.Dimension, Actual: len(query)}
	}
	if k <= 0 || ix.count == 0 {
		return nil, nil
	}

	sketch := quantization.Binarize(query)

	top := queue.NewMin(k)
	for _, n := range ix.nodes {
		if n == nil {
			continue
		}
		sim := quantization.HammingSimilarity(sketch, n.sketch, ix.opts.Dimension)
		// Min-heap on similarity keeps the worst kept result on top.
		if top.Len() < k {
			top.Push(queue.Item{Slot: ix.byID[n.id], Distance: sim})
		} else if worst, _ := top.Top(); sim > worst.Distance {
			top.Pop()
			top.Push(queue.Item{Slot: ix.byID[n.id], Distance: sim})
		}
	}

	out := make([]model.SearchResult, top.Len())
	for i := top.Len() - 1; i >= 0; i-- {
		it, _ := top.Pop()
		n := ix.nodeAt(it.Slot)
		if n == nil {
			continue
		}
		out[i] = model.SearchResult{ID: n.id, Score: it.Distance}
	}
	return out, nil
}

// Remove deletes id from the graph and returns the slot it occupied.
//
// Only the lists directly reachable from the removed node are cleaned;
// asymmetric references left behind by earlier pruning remain dangling and
// are skipped by traversal. If the removed node was the entry point an
// arbitrary surviving node takes over, which may transiently degrade search
// quality until later inserts rebalance connectivity.
func (ix *Index) Remove(id model.PointID) (uint32, bool) {
	slot, ok := ix.byID[id]
	if !ok {
		return 0, false
	}
	n := ix.nodes[slot]

	for layer := 0; layer <= n.level; layer++ {
		for _, nb := range n.neighbors[layer] {
			if ix.dropLink(nb, slot, layer) {
				// Best effort; a failed pool rewrite must not block removal.
				_ = ix.persistNode(nb)
			}
		}
	}

	if ix.pool != nil && n.offset != 0 {
		_ = ix.pool.Remove(n.offset)
	}

	ix.nodes[slot] = nil
	delete(ix.byID, id)
	ix.freeSlots = append(ix.freeSlots, slot)
	ix.count--

	if ix.entry == slot {
		ix.hasEntry = false
		ix.maxLevel = 0
		for s, cand := range ix.nodes {
			if cand != nil {
				ix.entry = uint32(s)
				ix.maxLevel = cand.level
				ix.hasEntry = true
				break
			}
		}
	}

	return slot, true
}

// dropLink erases source from target's list at layer, reporting whether the
// list changed. A missing target is fine: the reference was already dangling.
func (ix *Index) dropLink(target, source uint32, layer int) bool {
	tn := ix.nodeAt(target)
	if tn == nil || layer > tn.level {
		return false
	}
	list := tn.neighbors[layer]
	for i, nb := range list {
		if nb == source {
			list[i] = list[len(list)-1]
			tn.neighbors[layer] = list[:len(list)-1]
			return true
		}
	}
	return false
}

// persistNode mirrors a node's adjacency lists into the connection pool,
// replacing any previous record. A no-op without an attached pool.
func (ix *Index) persistNode(slot uint32) error {
	if ix.pool == nil {
		return nil
	}
	n := ix.nodeAt(slot)
	if n == nil {
		return nil
	}

	levels := make([][]pool.Edge, n.level+1)
	for layer, nbs := range n.neighbors {
		edges := make([]pool.Edge, 0, len(nbs))
		for _, nb := range nbs {
			if d, ok := ix.distBetween(slot, nb); ok {
				edges = append(edges, pool.Edge{Target: nb, Distance: d})
			}
		}
		levels[layer] = edges
	}

	offset, err := ix.pool.Replace(n.offset, slot, levels)
	if err != nil {
		return err
	}
	n.offset = offset
	return nil
}
