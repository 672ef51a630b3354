package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratedb/recall/model"
	"github.com/substratedb/recall/persistence"
)

func TestManifestCreateOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.bin")

	m, err := CreateManifest(path)
	require.NoError(t, err)

	assert.Zero(t, m.SegmentCount())
	assert.Zero(t, m.TotalNodes())
	assert.Equal(t, model.SegmentID(0), m.NextSegmentID())
	require.NoError(t, m.Close())

	m2, err := OpenManifest(path)
	require.NoError(t, err)
	defer m2.Close()
	assert.Zero(t, m2.SegmentCount())
}

func TestManifestAppendAndUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.bin")

	m, err := CreateManifest(path)
	require.NoError(t, err)

	rec, err := m.AppendSegment()
	require.NoError(t, err)
	assert.Equal(t, model.SegmentID(0), rec.ID)
	assert.Equal(t, model.SegmentActive, rec.State)

	rec2, err := m.AppendSegment()
	require.NoError(t, err)
	assert.Equal(t, model.SegmentID(1), rec2.ID)

	assert.Equal(t, uint32(2), m.SegmentCount())
	assert.Equal(t, model.SegmentID(2), m.NextSegmentID())

	m.SetActiveSegment(1)
	m.AddTotalNodes(5)
	m.AddTotalNodes(-2)

	require.NoError(t, m.UpdateRecord(0, func(r *SegmentRecord) {
		r.State = model.SegmentSealed
		r.NodeCount = 9
		r.DeletedCount = 3
	}))
	require.NoError(t, m.Close())

	m2, err := OpenManifest(path)
	require.NoError(t, err)
	defer m2.Close()

	assert.Equal(t, model.SegmentID(1), m2.ActiveSegment())
	assert.Equal(t, uint64(3), m2.TotalNodes())

	got, err := m2.Record(0)
	require.NoError(t, err)
	assert.Equal(t, model.SegmentSealed, got.State)
	assert.Equal(t, uint32(9), got.NodeCount)
	assert.Equal(t, uint32(3), got.DeletedCount)
}

func TestManifestRejectsCorruptHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.bin")

	m, err := CreateManifest(path)
	require.NoError(t, err)
	m.AddTotalNodes(7)
	require.NoError(t, m.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[offTotalNodes] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = OpenManifest(path)
	require.ErrorIs(t, err, persistence.ErrChecksum)
}

func TestManifestRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.bin")

	m, err := CreateManifest(path)
	require.NoError(t, err)
	require.NoError(t, m.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[0] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = OpenManifest(path)
	require.ErrorIs(t, err, persistence.ErrInvalidMagic)
}

func TestManifestRecordOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.bin")

	m, err := CreateManifest(path)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Record(0)
	require.Error(t, err)
}
