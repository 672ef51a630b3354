package hnsw

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratedb/recall/persistence"
	"github.com/substratedb/recall/testutil"
)

func buildSerializableIndex(t *testing.T, n, dim int) (*Index, [][]float32) {
	t.Helper()
	rng := testutil.NewRNG(1234)
	ids, vecs := makeDataset(rng, n, dim)
	ix := newTestIndex(t, dim)
	insertAll(t, ix, ids, vecs)
	return ix, vecs
}

func TestSerializeRoundTrip(t *testing.T) {
	ix, vecs := buildSerializableIndex(t, 50, 32)

	query := vecs[7]
	before, err := ix.Search(query, 5)
	require.NoError(t, err)
	require.Len(t, before, 5)

	data, err := ix.MarshalBinary()
	require.NoError(t, err)

	loaded, err := Load(data)
	require.NoError(t, err)

	assert.Equal(t, ix.Len(), loaded.Len())
	assert.Equal(t, ix.Dimension(), loaded.Dimension())
	assert.Equal(t, ix.maxLevel, loaded.maxLevel)
	assert.True(t, loaded.hasEntry)

	after, err := loaded.Search(query, 5)
	require.NoError(t, err)
	assert.Equal(t, before, after, "top-5 must be identical across the round trip")
}

func TestSerializeRoundTripAfterRemovals(t *testing.T) {
	rng := testutil.NewRNG(55)
	ids, vecs := makeDataset(rng, 60, 32)

	ix := newTestIndex(t, 32)
	insertAll(t, ix, ids, vecs)
	for i := 0; i < 60; i += 4 {
		_, ok := ix.Remove(ids[i])
		require.True(t, ok)
	}

	data, err := ix.MarshalBinary()
	require.NoError(t, err)

	loaded, err := Load(data)
	require.NoError(t, err)
	assert.Equal(t, ix.Len(), loaded.Len())

	for i, id := range ids {
		assert.Equal(t, i%4 != 0, loaded.Contains(id), "id %d", i)
	}

	results, err := loaded.Search(vecs[1], 5)
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}

func TestSerializeEmptyIndex(t *testing.T) {
	ix := newTestIndex(t, 16)

	data, err := ix.MarshalBinary()
	require.NoError(t, err)

	loaded, err := Load(data)
	require.NoError(t, err)
	assert.Zero(t, loaded.Len())
	assert.False(t, loaded.hasEntry)
}

func TestLoadRejectsBadMagic(t *testing.T) {
	ix, _ := buildSerializableIndex(t, 10, 16)
	data, err := ix.MarshalBinary()
	require.NoError(t, err)

	binary.LittleEndian.PutUint32(data, 0xDEADBEEF)
	_, err = Load(data)
	require.ErrorIs(t, err, persistence.ErrInvalidMagic)
}

func TestLoadRejectsBadVersion(t *testing.T) {
	ix, _ := buildSerializableIndex(t, 10, 16)
	data, err := ix.MarshalBinary()
	require.NoError(t, err)

	binary.LittleEndian.PutUint32(data[4:], 999)
	_, err = Load(data)
	require.ErrorIs(t, err, persistence.ErrInvalidVersion)
}

func TestLoadRejectsTruncation(t *testing.T) {
	ix, _ := buildSerializableIndex(t, 10, 16)
	data, err := ix.MarshalBinary()
	require.NoError(t, err)

	// Every proper prefix must fail with a descriptive short-buffer error,
	// never a panic or a silent partial load.
	for _, cut := range []int{0, 3, 8, 16, 30, len(data) / 2, len(data) - 1} {
		_, err := Load(data[:cut])
		require.ErrorIs(t, err, persistence.ErrShortBuffer, "cut at %d", cut)
	}
}

func TestLoadDimensionMismatchOption(t *testing.T) {
	ix, _ := buildSerializableIndex(t, 10, 16)
	data, err := ix.MarshalBinary()
	require.NoError(t, err)

	_, err = Load(data, func(o *Options) { o.Dimension = 64 })
	var mismatch *ErrDimensionMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 64, mismatch.Expected)
	assert.Equal(t, 16, mismatch.Actual)
}

func TestSaveLoadFile(t *testing.T) {
	ix, vecs := buildSerializableIndex(t, 50, 32)
	path := filepath.Join(t.TempDir(), "graph.hnsw")

	require.NoError(t, ix.SaveToFile(path))

	// The temporary file must not linger after the rename.
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, ix.Len(), loaded.Len())

	before, err := ix.Search(vecs[3], 5)
	require.NoError(t, err)
	after, err := loaded.Search(vecs[3], 5)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestLoadFromMissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.hnsw"))
	require.Error(t, err)
}
