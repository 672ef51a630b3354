package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/substratedb/recall/index/hnsw"
	"github.com/substratedb/recall/model"
	"github.com/substratedb/recall/pool"
)

// Segment pairs one HNSW graph with one connection-pool file. Exactly one
// segment per manager is Active; the rest are query-only.
type Segment struct {
	id        model.SegmentID
	recordIdx uint32
	state     model.SegmentState
	dir       string

	index *hnsw.Index
	pool  *pool.Pool

	// Graph slots tombstoned since the segment was opened. Pool records carry
	// their owning slot, so compaction tooling can map these to dead records
	// when rewriting the files.
	tombstones *roaring.Bitmap
}

func segmentPoolPath(dir string, id model.SegmentID) string {
	return filepath.Join(dir, fmt.Sprintf("segment-%05d.pool", uint32(id)))
}

func segmentGraphPath(dir string, id model.SegmentID) string {
	return filepath.Join(dir, fmt.Sprintf("segment-%05d.hnsw", uint32(id)))
}

func createSegment(dir string, id model.SegmentID, recordIdx uint32, opts Options) (*Segment, error) {
	p, err := pool.New(segmentPoolPath(dir, id), func(o *pool.Options) {
		o.InitialSize = opts.PoolInitialSize
		o.MaxSize = opts.PoolMaxSize
	})
	if err != nil {
		return nil, fmt.Errorf("engine: create segment %d pool: %w", id, err)
	}

	ix, err := hnsw.New(func(o *hnsw.Options) {
		o.Dimension = opts.Dimension
		o.M = opts.M
		o.EFConstruction = opts.EFConstruction
		o.EFSearch = opts.EFSearch
		o.MaxLayers = opts.MaxLayers
		o.RandomSeed = opts.RandomSeed
		o.Pool = p
	})
	if err != nil {
		p.Close()
		os.Remove(segmentPoolPath(dir, id))
		return nil, err
	}

	return &Segment{
		id:         id,
		recordIdx:  recordIdx,
		state:      model.SegmentActive,
		dir:        dir,
		index:      ix,
		pool:       p,
		tombstones: roaring.New(),
	}, nil
}

func openSegment(dir string, rec SegmentRecord, recordIdx uint32, opts Options) (*Segment, error) {
	p, err := pool.New(segmentPoolPath(dir, rec.ID), func(o *pool.Options) {
		o.InitialSize = opts.PoolInitialSize
		o.MaxSize = opts.PoolMaxSize
	})
	if err != nil {
		return nil, fmt.Errorf("engine: open segment %d pool: %w", rec.ID, err)
	}

	ix, err := hnsw.LoadFromFile(segmentGraphPath(dir, rec.ID), func(o *hnsw.Options) {
		o.RandomSeed = opts.RandomSeed
		o.Pool = p
	})
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("engine: open segment %d graph: %w", rec.ID, err)
	}
	if opts.Dimension != 0 && ix.Dimension() != opts.Dimension {
		p.Close()
		return nil, &hnsw.ErrDimensionMismatch{Expected: opts.Dimension, Actual: ix.Dimension()}
	}

	return &Segment{
		id:         rec.ID,
		recordIdx:  recordIdx,
		state:      rec.State,
		dir:        dir,
		index:      ix,
		pool:       p,
		tombstones: roaring.New(),
	}, nil
}

// ID returns the segment id.
func (s *Segment) ID() model.SegmentID { return s.id }

// State returns the lifecycle state.
func (s *Segment) State() model.SegmentState { return s.state }

// Len returns the number of live nodes.
func (s *Segment) Len() int { return s.index.Len() }

// Contains reports whether id is live in this segment.
func (s *Segment) Contains(id model.PointID) bool { return s.index.Contains(id) }

// Tombstones returns the graph slots tombstoned since open. The returned
// bitmap is live; callers must not mutate it.
func (s *Segment) Tombstones() *roaring.Bitmap { return s.tombstones }

func (s *Segment) insert(id model.PointID, vec []float32) error {
	slot, err := s.index.Insert(id, vec)
	if err != nil {
		return err
	}
	// A reused slot is no longer a tombstone.
	s.tombstones.Remove(slot)
	return nil
}

func (s *Segment) remove(id model.PointID) bool {
	slot, ok := s.index.Remove(id)
	if !ok {
		return false
	}
	s.tombstones.Add(slot)
	return true
}

func (s *Segment) search(query []float32, k int) ([]model.SearchResult, error) {
	return s.index.Search(query, k)
}

// flush persists the graph blob and syncs the pool file.
func (s *Segment) flush() error {
	if err := s.index.SaveToFile(segmentGraphPath(s.dir, s.id)); err != nil {
		return fmt.Errorf("engine: flush segment %d graph: %w", s.id, err)
	}
	if err := s.pool.Sync(); err != nil {
		return fmt.Errorf("engine: sync segment %d pool: %w", s.id, err)
	}
	return nil
}

func (s *Segment) close() error {
	var firstErr error
	if s.state != model.SegmentTombstone {
		firstErr = s.flush()
	}
	if err := s.pool.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// SegmentStats is a point-in-time snapshot of one segment, for maintenance
// tooling.
type SegmentStats struct {
	ID             model.SegmentID
	State          model.SegmentState
	NodeCount      uint32
	DeletedCount   uint32
	TombstoneRatio float64
	PoolUsedBytes  uint64
	PoolTotalBytes uint64
}

func tombstoneRatio(live, deleted uint32) float64 {
	total := uint64(live) + uint64(deleted)
	if total == 0 {
		return 0
	}
	return float64(deleted) / float64(total)
}
