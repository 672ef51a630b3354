package engine

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/substratedb/recall/index/hnsw"
	"github.com/substratedb/recall/model"
)

const (
	manifestFileName = "manifest.bin"
	routingFileName  = "routing.s2"

	// A segment seals once its node count reaches this share of capacity.
	sealNumerator   = 9
	sealDenominator = 10

	// Minimum tombstone ratio for a segment to be reported as a compaction
	// candidate.
	compactionThreshold = 0.3
)

// Options configure a Manager and the segments it creates.
type Options struct {
	// Dimension of the indexed vectors. Required.
	Dimension int

	// HNSW tuning, passed through to every segment's graph.
	M              int
	EFConstruction int
	EFSearch       int
	MaxLayers      int

	// SegmentCapacity is the node budget per segment.
	SegmentCapacity int

	// Pool sizing per segment file.
	PoolInitialSize uint64
	PoolMaxSize     uint64

	// RandomSeed fixes the level draw, for reproducible tests.
	RandomSeed *int64

	// Logger receives structured diagnostics. Nil discards them.
	Logger *slog.Logger
}

// DefaultOptions are the defaults applied by Open.
var DefaultOptions = Options{
	M:               hnsw.DefaultM,
	EFConstruction:  hnsw.DefaultEFConstruction,
	EFSearch:        hnsw.DefaultEFSearch,
	MaxLayers:       hnsw.DefaultMaxLayers,
	SegmentCapacity: 100_000,
	PoolInitialSize: 1 << 20,
	PoolMaxSize:     1 << 32,
}

// SegmentFailure records one segment the manifest names that could not be
// opened.
type SegmentFailure struct {
	ID  model.SegmentID
	Err error
}

// OpenReport surfaces partial-open state: segments the manifest believes
// exist but that failed to open were skipped, not silently forgotten.
type OpenReport struct {
	Failed []SegmentFailure
}

// Clean reports whether every manifest segment opened.
func (r *OpenReport) Clean() bool { return len(r.Failed) == 0 }

// Manager shards the index across segments. It assumes a single logical
// writer; callers needing concurrent readers impose their own locking.
type Manager struct {
	dir    string
	opts   Options
	logger *slog.Logger

	manifest *Manifest
	segments map[model.SegmentID]*Segment
	order    []model.SegmentID
	active   *Segment

	routing       map[model.PointID]model.SegmentID
	sealThreshold int
}

// Open creates or reopens a directory-backed index. A manifest that cannot
// be read is fatal; individual segments that fail to open are skipped,
// logged, and listed in the returned OpenReport.
func Open(dir string, optFns ...func(o *Options)) (*Manager, *OpenReport, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.SegmentCapacity <= 0 {
		opts.SegmentCapacity = DefaultOptions.SegmentCapacity
	}
	if opts.PoolInitialSize == 0 {
		opts.PoolInitialSize = DefaultOptions.PoolInitialSize
	}
	if opts.PoolMaxSize == 0 {
		opts.PoolMaxSize = DefaultOptions.PoolMaxSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}

	m := &Manager{
		dir:           dir,
		opts:          opts,
		logger:        logger,
		segments:      make(map[model.SegmentID]*Segment),
		routing:       make(map[model.PointID]model.SegmentID),
		sealThreshold: max(1, opts.SegmentCapacity*sealNumerator/sealDenominator),
	}

	report := &OpenReport{}
	manifestPath := filepath.Join(dir, manifestFileName)

	if _, err := os.Stat(manifestPath); err == nil {
		manifest, err := OpenManifest(manifestPath)
		if err != nil {
			return nil, nil, err
		}
		m.manifest = manifest
		if err := m.reopenSegments(report); err != nil {
			m.closePartial()
			return nil, nil, err
		}
	} else if os.IsNotExist(err) {
		manifest, err := CreateManifest(manifestPath)
		if err != nil {
			return nil, nil, err
		}
		m.manifest = manifest
	} else {
		return nil, nil, err
	}

	if m.active == nil {
		if err := m.createActiveSegment(); err != nil {
			m.closePartial()
			return nil, nil, err
		}
	}

	m.loadRouting()
	return m, report, nil
}

func (m *Manager) reopenSegments(report *OpenReport) error {
	count := m.manifest.SegmentCount()
	activeID := m.manifest.ActiveSegment()

	for idx := uint32(0); idx < count; idx++ {
		rec, err := m.manifest.Record(idx)
		if err != nil {
			return err
		}
		if rec.State == model.SegmentTombstone {
			continue
		}

		seg, err := openSegment(m.dir, rec, idx, m.opts)
		if err != nil {
			m.logger.Warn("segment failed to open, skipping",
				"segment", uint32(rec.ID),
				"state", rec.State.String(),
				"error", err,
			)
			report.Failed = append(report.Failed, SegmentFailure{ID: rec.ID, Err: err})
			continue
		}

		m.segments[rec.ID] = seg
		m.order = append(m.order, rec.ID)
		if rec.ID == activeID && rec.State == model.SegmentActive {
			m.active = seg
		}
	}
	return nil
}

func (m *Manager) closePartial() {
	for _, seg := range m.segments {
		seg.pool.Close()
	}
	if m.manifest != nil {
		m.manifest.Close()
	}
}

func (m *Manager) createActiveSegment() error {
	// Create the segment files before touching the manifest, so a failed
	// creation leaves no half-registered record behind and can be retried.
	id := m.manifest.NextSegmentID()
	idx := m.manifest.SegmentCount()

	seg, err := createSegment(m.dir, id, idx, m.opts)
	if err != nil {
		return err
	}

	if _, err := m.manifest.AppendSegment(); err != nil {
		seg.pool.Close()
		os.Remove(segmentPoolPath(m.dir, id))
		return err
	}

	m.manifest.SetActiveSegment(id)
	m.segments[id] = seg
	m.order = append(m.order, id)
	m.active = seg

	m.logger.Info("segment created", "segment", uint32(id))
	return nil
}

func (m *Manager) sealActiveSegment() error {
	seg := m.active
	seg.state = model.SegmentSealed
	if err := m.manifest.UpdateRecord(seg.recordIdx, func(rec *SegmentRecord) {
		rec.State = model.SegmentSealed
		rec.SealedAt = time.Now().Unix()
	}); err != nil {
		return err
	}
	if err := seg.flush(); err != nil {
		return err
	}

	m.logger.Info("segment sealed",
		"segment", uint32(seg.id),
		"nodes", seg.Len(),
	)
	m.active = nil
	return nil
}

// Insert routes (id, vector) to the active segment, sealing it and starting
// a fresh one when it has reached its capacity threshold.
func (m *Manager) Insert(id model.PointID, vec []float32) error {
	if seg, ok := m.locate(id); ok {
		return fmt.Errorf("engine: point already live in segment %d: %w",
			uint32(seg.id), hnsw.ErrDuplicateID)
	}

	if m.active != nil && m.active.Len() >= m.sealThreshold {
		if err := m.sealActiveSegment(); err != nil {
			return err
		}
	}
	if m.active == nil {
		// A previous rollover sealed the old segment but failed to start its
		// successor; retry the creation rather than crash.
		if err := m.createActiveSegment(); err != nil {
			return err
		}
	}

	seg := m.active
	if err := seg.insert(id, vec); err != nil {
		return err
	}

	m.routing[id] = seg.id
	m.manifest.AddTotalNodes(1)
	return m.manifest.UpdateRecord(seg.recordIdx, func(rec *SegmentRecord) {
		rec.NodeCount++
	})
}

// locate resolves the segment holding id: the routing table first, then a
// linear probe across segments that also repairs the stale entry.
func (m *Manager) locate(id model.PointID) (*Segment, bool) {
	if segID, ok := m.routing[id]; ok {
		if seg := m.segments[segID]; seg != nil && seg.Contains(id) {
			return seg, true
		}
		delete(m.routing, id)
	}
	for _, segID := range m.order {
		seg := m.segments[segID]
		if seg != nil && seg.Contains(id) {
			m.routing[id] = segID
			return seg, true
		}
	}
	return nil, false
}

// Remove tombstones id wherever it lives. Removing an unknown id is a no-op
// returning false.
func (m *Manager) Remove(id model.PointID) (bool, error) {
	seg, ok := m.locate(id)
	if !ok {
		return false, nil
	}
	if !seg.remove(id) {
		return false, nil
	}

	delete(m.routing, id)
	m.manifest.AddTotalNodes(-1)
	err := m.manifest.UpdateRecord(seg.recordIdx, func(rec *SegmentRecord) {
		rec.NodeCount--
		rec.DeletedCount++
	})
	return true, err
}

// Lookup reports whether id is live and where.
func (m *Manager) Lookup(id model.PointID) (model.Location, bool) {
	seg, ok := m.locate(id)
	if !ok {
		return model.Location{}, false
	}
	slot, _ := seg.index.Slot(id)
	return model.Location{Segment: seg.id, Slot: slot}, true
}

// Search fans the query out to every open segment and merges the per-segment
// results to the global top-k.
func (m *Manager) Search(query []float32, k int) ([]model.SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}

	perSegment := make([][]model.SearchResult, len(m.order))
	var g errgroup.Group
	for i, segID := range m.order {
		seg := m.segments[segID]
		if seg == nil || seg.Len() == 0 {
			continue
		}
		g.Go(func() error {
			results, err := seg.search(query, k)
			if err != nil {
				return fmt.Errorf("engine: search segment %d: %w", uint32(seg.id), err)
			}
			perSegment[i] = results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []model.SearchResult
	for _, results := range perSegment {
		merged = append(merged, results...)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

// SegmentForCompaction returns the sealed segment with the highest tombstone
// ratio at or above the threshold, if any. The manager only reports the
// candidate; the rewrite itself belongs to external tooling.
func (m *Manager) SegmentForCompaction() (model.SegmentID, bool) {
	var (
		bestID    model.SegmentID
		bestRatio float64
		found     bool
	)
	for _, segID := range m.order {
		seg := m.segments[segID]
		if seg == nil || seg.state != model.SegmentSealed {
			continue
		}
		rec, err := m.manifest.Record(seg.recordIdx)
		if err != nil {
			continue
		}
		ratio := tombstoneRatio(rec.NodeCount, rec.DeletedCount)
		if ratio >= compactionThreshold && (!found || ratio > bestRatio) {
			bestID, bestRatio, found = segID, ratio, true
		}
	}
	return bestID, found
}

// TotalNodes returns the live node count across all segments.
func (m *Manager) TotalNodes() uint64 { return m.manifest.TotalNodes() }

// SegmentCount returns the number of open segments.
func (m *Manager) SegmentCount() int { return len(m.segments) }

// Segment returns an open segment by id.
func (m *Manager) Segment(id model.SegmentID) (*Segment, bool) {
	seg, ok := m.segments[id]
	return seg, ok
}

// Stats snapshots every open segment.
func (m *Manager) Stats() []SegmentStats {
	stats := make([]SegmentStats, 0, len(m.order))
	for _, segID := range m.order {
		seg := m.segments[segID]
		if seg == nil {
			continue
		}
		rec, err := m.manifest.Record(seg.recordIdx)
		if err != nil {
			continue
		}
		stats = append(stats, SegmentStats{
			ID:             seg.id,
			State:          seg.state,
			NodeCount:      rec.NodeCount,
			DeletedCount:   rec.DeletedCount,
			TombstoneRatio: tombstoneRatio(rec.NodeCount, rec.DeletedCount),
			PoolUsedBytes:  seg.pool.UsedBytes(),
			PoolTotalBytes: seg.pool.TotalBytes(),
		})
	}
	return stats
}

// Flush persists every segment, the manifest, and the routing snapshot.
func (m *Manager) Flush() error {
	for _, segID := range m.order {
		seg := m.segments[segID]
		if seg == nil || seg.state == model.SegmentTombstone {
			continue
		}
		if err := seg.flush(); err != nil {
			return err
		}
	}
	if err := m.manifest.Sync(); err != nil {
		return err
	}
	m.saveRouting()
	return nil
}

// Close flushes and releases every segment and the manifest.
func (m *Manager) Close() error {
	var firstErr error
	m.saveRouting()
	for _, segID := range m.order {
		seg := m.segments[segID]
		if seg == nil {
			continue
		}
		if err := seg.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.manifest.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
