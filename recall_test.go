package recall

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratedb/recall/model"
	"github.com/substratedb/recall/testutil"
)

const testDim = 32

func openTestDB(t *testing.T, dir string) *DB {
	t.Helper()
	db, err := Open(dir,
		WithDimension(testDim),
		WithSegmentCapacity(100),
		WithRandomSeed(42),
	)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertSearchRemove(t *testing.T) {
	db := openTestDB(t, t.TempDir())

	rng := testutil.NewRNG(1)
	ids, vecs := make([]model.PointID, 50), make([][]float32, 50)
	for i := range ids {
		ids[i] = model.NewPointID()
		vecs[i] = rng.UnitVector(testDim)
		require.NoError(t, db.Insert(ids[i], vecs[i]))
	}
	assert.Equal(t, uint64(50), db.Len())

	results, err := db.Search(vecs[7], 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ids[7], results[0].ID)
	assert.GreaterOrEqual(t, results[0].Score, float32(0.99))

	removed, err := db.Remove(ids[7])
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, uint64(49), db.Len())

	removed, err = db.Remove(ids[7])
	require.NoError(t, err)
	assert.False(t, removed, "second remove is a miss")
}

func TestSearchInvalidK(t *testing.T) {
	db := openTestDB(t, t.TempDir())

	_, err := db.Search(make([]float32, testDim), 0)
	require.ErrorIs(t, err, ErrInvalidK)
}

func TestInsertDuplicate(t *testing.T) {
	db := openTestDB(t, t.TempDir())

	rng := testutil.NewRNG(2)
	id := model.NewPointID()
	require.NoError(t, db.Insert(id, rng.UnitVector(testDim)))

	err := db.Insert(id, rng.UnitVector(testDim))
	require.ErrorIs(t, err, ErrDuplicateID)
}

func TestLookup(t *testing.T) {
	db := openTestDB(t, t.TempDir())

	rng := testutil.NewRNG(3)
	id := model.NewPointID()
	require.NoError(t, db.Insert(id, rng.UnitVector(testDim)))

	loc, ok := db.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, model.SegmentID(0), loc.Segment)

	_, ok = db.Lookup(model.NewPointID())
	assert.False(t, ok)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	rng := testutil.NewRNG(4)
	id := model.NewPointID()
	vec := rng.UnitVector(testDim)

	db, err := Open(dir, WithDimension(testDim), WithRandomSeed(42))
	require.NoError(t, err)
	require.NoError(t, db.Insert(id, vec))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Close())

	db2, err := Open(dir, WithDimension(testDim), WithRandomSeed(42))
	require.NoError(t, err)
	defer db2.Close()

	require.True(t, db2.OpenReport().Clean())
	assert.Equal(t, uint64(1), db2.Len())

	results, err := db2.Search(vec, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].ID)
}

func TestClosedDB(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	require.NoError(t, db.Close())

	require.ErrorIs(t, db.Insert(model.NewPointID(), make([]float32, testDim)), ErrClosed)
	_, err := db.Search(make([]float32, testDim), 1)
	require.ErrorIs(t, err, ErrClosed)
	_, err = db.Remove(model.NewPointID())
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, db.Flush(), ErrClosed)

	// Double close is fine.
	require.NoError(t, db.Close())
}

func TestConcurrentReaders(t *testing.T) {
	db := openTestDB(t, t.TempDir())

	rng := testutil.NewRNG(5)
	for i := 0; i < 200; i++ {
		require.NoError(t, db.Insert(model.NewPointID(), rng.UnitVector(testDim)))
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			query := rng.UnitVector(testDim)
			for i := 0; i < 50; i++ {
				results, err := db.Search(query, 5)
				assert.NoError(t, err)
				assert.Len(t, results, 5)
			}
		}()
	}
	wg.Wait()
}

func TestStats(t *testing.T) {
	db := openTestDB(t, t.TempDir())

	rng := testutil.NewRNG(6)
	for i := 0; i < 10; i++ {
		require.NoError(t, db.Insert(model.NewPointID(), rng.UnitVector(testDim)))
	}

	stats := db.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, model.SegmentActive, stats[0].State)
	assert.Equal(t, uint32(10), stats[0].NodeCount)
	assert.Greater(t, stats[0].PoolUsedBytes, uint64(0))

	_, found := db.SegmentForCompaction()
	assert.False(t, found)
}
