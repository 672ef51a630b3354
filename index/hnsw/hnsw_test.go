package hnsw

import (
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratedb/recall/model"
	"github.com/substratedb/recall/pool"
	"github.com/substratedb/recall/quantization"
	"github.com/substratedb/recall/testutil"
)

func newTestIndex(t *testing.T, dim int, optFns ...func(o *Options)) *Index {
	t.Helper()
	ix, err := New(func(o *Options) {
		o.Dimension = dim
		seed := int64(42)
		o.RandomSeed = &seed
		for _, fn := range optFns {
			fn(o)
		}
	})
	require.NoError(t, err)
	return ix
}

func insertAll(t *testing.T, ix *Index, ids []model.PointID, vecs [][]float32) {
	t.Helper()
	for i, vec := range vecs {
		_, err := ix.Insert(ids[i], vec)
		require.NoError(t, err)
	}
}

func makeDataset(rng *testutil.RNG, n, dim int) ([]model.PointID, [][]float32) {
	ids := make([]model.PointID, n)
	for i := range ids {
		ids[i] = rng.PointID()
	}
	return ids, rng.UnitVectors(n, dim)
}

func TestNewValidation(t *testing.T) {
	_, err := New()
	require.Error(t, err, "dimension is required")

	_, err = New(func(o *Options) { o.Dimension = -1 })
	require.Error(t, err)
}

func TestInsertErrors(t *testing.T) {
	ix := newTestIndex(t, 4)

	_, err := ix.Insert(model.PointID{Lo: 1}, nil)
	require.ErrorIs(t, err, ErrEmptyVector)

	_, err = ix.Insert(model.PointID{Lo: 1}, []float32{1, 2})
	var mismatch *ErrDimensionMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 4, mismatch.Expected)
	assert.Equal(t, 2, mismatch.Actual)

	_, err = ix.Insert(model.PointID{Lo: 1}, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	_, err = ix.Insert(model.PointID{Lo: 1}, []float32{4, 3, 2, 1})
	require.ErrorIs(t, err, ErrDuplicateID)
}

func TestSelfQueryRecall(t *testing.T) {
	const (
		n   = 1000
		dim = 384
	)

	rng := testutil.NewRNG(4711)
	ids, vecs := makeDataset(rng, n, dim)

	ix := newTestIndex(t, dim)
	insertAll(t, ix, ids, vecs)
	require.Equal(t, n, ix.Len())

	// Querying with an inserted vector must return that vector's own id
	// with near-perfect similarity.
	for i := 0; i < n; i += 50 {
		results, err := ix.Search(vecs[i], 1)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, ids[i], results[0].ID, "query %d", i)
		assert.GreaterOrEqual(t, results[0].Score, float32(0.99), "query %d", i)
	}
}

// exactQuantizedTopK brute-forces the top k under the same quantized cosine
// the index scores with. That is the metric the graph actually ranks by, so
// recall is measured against it rather than full-precision cosine, whose
// near-tie orderings can differ after quantization.
func exactQuantizedTopK(query []float32, ids []model.PointID, vecs [][]float32, k int) []model.SearchResult {
	q := quantization.Quantize(query)
	all := make([]model.SearchResult, len(vecs))
	for i, v := range vecs {
		all[i] = model.SearchResult{
			ID:    ids[i],
			Score: quantization.CosineApprox(q, quantization.Quantize(v)),
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > k {
		all = all[:k]
	}
	return all
}

func TestSearchAgainstGroundTruth(t *testing.T) {
	const (
		n   = 500
		dim = 64
		k   = 10
	)

	rng := testutil.NewRNG(7)
	ids, vecs := makeDataset(rng, n, dim)

	ix := newTestIndex(t, dim)
	insertAll(t, ix, ids, vecs)

	var recall float64
	const queries = 20
	for q := 0; q < queries; q++ {
		query := rng.UnitVector(dim)
		got, err := ix.Search(query, k)
		require.NoError(t, err)
		require.Len(t, got, k)
		recall += testutil.Recall(got, exactQuantizedTopK(query, ids, vecs, k))
	}
	assert.GreaterOrEqual(t, recall/queries, 0.9)
}

func TestSearchEmptyIndex(t *testing.T) {
	ix := newTestIndex(t, 8)

	results, err := ix.Search(make([]float32, 8), 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchDimensionMismatch(t *testing.T) {
	ix := newTestIndex(t, 8)
	_, err := ix.Search(make([]float32, 4), 5)
	var mismatch *ErrDimensionMismatch
	require.ErrorAs(t, err, &mismatch)
}

// Every neighbor reference at layer L must point at a node whose own level
// is at least L: a node cannot appear above its assigned height.
func assertLayerInvariant(t *testing.T, ix *Index) {
	t.Helper()
	for slot, n := range ix.nodes {
		if n == nil {
			continue
		}
		for layer, nbs := range n.neighbors {
			for _, nb := range nbs {
				target := ix.nodeAt(nb)
				if target == nil {
					continue // dangling references are legal
				}
				assert.GreaterOrEqual(t, target.level, layer,
					"node %d references %d at layer %d above its height", slot, nb, layer)
			}
		}
	}
}

func TestLayerInvariant(t *testing.T) {
	const (
		n   = 300
		dim = 32
	)

	rng := testutil.NewRNG(99)
	ids, vecs := makeDataset(rng, n, dim)

	ix := newTestIndex(t, dim, func(o *Options) { o.M = 8 })
	insertAll(t, ix, ids, vecs)
	assertLayerInvariant(t, ix)

	for i := 0; i < n; i += 3 {
		_, ok := ix.Remove(ids[i])
		require.True(t, ok)
	}
	assertLayerInvariant(t, ix)

	// Inserts after removals reuse slots and must keep the invariant.
	moreIDs, moreVecs := makeDataset(rng, 50, dim)
	insertAll(t, ix, moreIDs, moreVecs)
	assertLayerInvariant(t, ix)
}

func TestRemove(t *testing.T) {
	const dim = 16

	rng := testutil.NewRNG(5)
	ids, vecs := makeDataset(rng, 50, dim)

	ix := newTestIndex(t, dim)
	insertAll(t, ix, ids, vecs)

	slot, ok := ix.Remove(ids[10])
	require.True(t, ok)
	assert.False(t, ix.Contains(ids[10]))
	assert.Equal(t, 49, ix.Len())

	// Removing again is a miss, not an error.
	_, ok = ix.Remove(ids[10])
	assert.False(t, ok)

	// The freed slot is reused by the next insert.
	newID := rng.PointID()
	gotSlot, err := ix.Insert(newID, rng.UnitVector(dim))
	require.NoError(t, err)
	assert.Equal(t, slot, gotSlot)

	// The removed id never comes back from search.
	results, err := ix.Search(vecs[10], 10)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, ids[10], r.ID)
	}
}

func TestRemoveEntryPoint(t *testing.T) {
	const dim = 16

	rng := testutil.NewRNG(13)
	ids, vecs := makeDataset(rng, 30, dim)

	ix := newTestIndex(t, dim)
	insertAll(t, ix, ids, vecs)

	entryID := ix.nodes[ix.entry].id
	_, ok := ix.Remove(entryID)
	require.True(t, ok)

	require.True(t, ix.hasEntry)
	assert.NotNil(t, ix.nodes[ix.entry])

	// Search still answers from the fallback entry point.
	results, err := ix.Search(vecs[0], 5)
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}

func TestRemoveLastNode(t *testing.T) {
	ix := newTestIndex(t, 4)

	id := model.PointID{Lo: 1}
	_, err := ix.Insert(id, []float32{1, 0, 0, 0})
	require.NoError(t, err)

	_, ok := ix.Remove(id)
	require.True(t, ok)
	assert.False(t, ix.hasEntry)
	assert.Zero(t, ix.Len())

	results, err := ix.Search([]float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)
	assert.Empty(t, results)

	// The graph accepts inserts again afterwards.
	_, err = ix.Insert(model.PointID{Lo: 2}, []float32{0, 1, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, 1, ix.Len())
}

func TestCoarseSearch(t *testing.T) {
	const dim = 64

	rng := testutil.NewRNG(21)
	ids, vecs := makeDataset(rng, 200, dim)

	ix := newTestIndex(t, dim)
	insertAll(t, ix, ids, vecs)

	results, err := ix.CoarseSearch(vecs[17], 5)
	require.NoError(t, err)
	require.Len(t, results, 5)

	// The sketch scan must surface the query's own vector first.
	assert.Equal(t, ids[17], results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
}

func TestRandomLevelBounds(t *testing.T) {
	ix := newTestIndex(t, 4, func(o *Options) { o.MaxLayers = 4 })

	for i := 0; i < 10_000; i++ {
		level := ix.randomLevel()
		require.GreaterOrEqual(t, level, 0)
		require.Less(t, level, 4)
	}
}

func TestPoolMirroring(t *testing.T) {
	const dim = 16

	p, err := pool.New(filepath.Join(t.TempDir(), "edges.pool"))
	require.NoError(t, err)
	defer p.Close()

	rng := testutil.NewRNG(31)
	ids, vecs := makeDataset(rng, 40, dim)

	ix := newTestIndex(t, dim, func(o *Options) { o.Pool = p })
	insertAll(t, ix, ids, vecs)

	require.Equal(t, uint64(40), p.NodeCount())

	// Every node's durable record mirrors its in-memory adjacency lists.
	for slot, n := range ix.nodes {
		if n == nil {
			continue
		}
		rec, ok := p.Read(n.offset)
		require.True(t, ok, "slot %d has no live record", slot)
		assert.Equal(t, uint32(slot), rec.Slot)
		require.Len(t, rec.Levels, n.level+1)
		for layer, nbs := range n.neighbors {
			require.Len(t, rec.Levels[layer], len(nbs), "slot %d layer %d", slot, layer)
			for i, nb := range nbs {
				assert.Equal(t, nb, rec.Levels[layer][i].Target)
			}
		}
	}

	_, ok := ix.Remove(ids[0])
	require.True(t, ok)
	assert.Equal(t, uint64(39), p.NodeCount())
}

func TestInsertUnwoundOnPoolFailure(t *testing.T) {
	const dim = 16

	p, err := pool.New(filepath.Join(t.TempDir(), "edges.pool"), func(o *pool.Options) {
		o.InitialSize = 256
		o.MaxSize = 512
	})
	require.NoError(t, err)
	defer p.Close()

	ix := newTestIndex(t, dim, func(o *Options) { o.Pool = p })

	rng := testutil.NewRNG(77)
	inserted := 0
	var failedID model.PointID
	var insertErr error
	for i := 0; i < 100; i++ {
		id := rng.PointID()
		if _, err := ix.Insert(id, rng.UnitVector(dim)); err != nil {
			failedID, insertErr = id, err
			break
		}
		inserted++
	}

	require.ErrorIs(t, insertErr, pool.ErrPoolFull)

	// The failed insert must leave no trace: no live node, no id mapping.
	assert.Equal(t, inserted, ix.Len())
	assert.False(t, ix.Contains(failedID))
	assertLayerInvariant(t, ix)

	// Retrying the same id reports the real failure, never a duplicate.
	_, err = ix.Insert(failedID, rng.UnitVector(dim))
	require.NotErrorIs(t, err, ErrDuplicateID)

	// The surviving graph still answers queries.
	results, err := ix.Search(rng.UnitVector(dim), 3)
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}
