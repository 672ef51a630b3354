package recall

import (
	"sync"

	"github.com/substratedb/recall/engine"
	"github.com/substratedb/recall/model"
)

// DB is the public handle to a directory-backed index. It layers a
// reader-writer lock over the synchronization-free engine: writes are
// serialized, reads run concurrently between writes.
type DB struct {
	mu      sync.RWMutex
	manager *engine.Manager
	report  *engine.OpenReport
	logger  *Logger
	closed  bool
}

// Open creates or reopens the index stored under dir.
func Open(dir string, optFns ...Option) (*DB, error) {
	var o options
	for _, fn := range optFns {
		fn(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = NoopLogger()
	}

	manager, report, err := engine.Open(dir, o.engineOptions())
	if err != nil {
		return nil, err
	}
	if !report.Clean() {
		logger.Warn("index opened with unreadable segments",
			"failed", len(report.Failed),
		)
	}

	return &DB{
		manager: manager,
		report:  report,
		logger:  logger.WithComponent("db"),
	}, nil
}

// OpenReport returns the partial-open report from Open: segments the
// manifest names that could not be opened.
func (db *DB) OpenReport() *engine.OpenReport {
	return db.report
}

// Insert adds (id, vector) to the index.
func (db *DB) Insert(id model.PointID, vec []float32) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	err := db.manager.Insert(id, vec)
	if err != nil {
		db.logger.Error("insert failed", "id", id.String(), "error", err)
	}
	return err
}

// Search returns the k nearest neighbors of query across all segments,
// ranked by similarity descending.
func (db *DB) Search(query []float32, k int) ([]model.SearchResult, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	return db.manager.Search(query, k)
}

// Remove deletes id from the index. Removing an unknown id returns false
// with no error.
func (db *DB) Remove(id model.PointID) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return false, ErrClosed
	}
	return db.manager.Remove(id)
}

// Lookup reports whether id is live, and in which segment and slot.
func (db *DB) Lookup(id model.PointID) (model.Location, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return model.Location{}, false
	}
	// Lookup may repair the routing table, so it takes the write lock.
	return db.manager.Lookup(id)
}

// Len returns the number of live points.
func (db *DB) Len() uint64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return 0
	}
	return db.manager.TotalNodes()
}

// SegmentForCompaction exposes the maintenance hook: the sealed segment
// most worth rewriting, if any has a tombstone ratio at or above 30%.
func (db *DB) SegmentForCompaction() (model.SegmentID, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return 0, false
	}
	return db.manager.SegmentForCompaction()
}

// Stats snapshots every open segment.
func (db *DB) Stats() []engine.SegmentStats {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil
	}
	return db.manager.Stats()
}

// Flush persists all segments, the manifest, and the routing snapshot.
func (db *DB) Flush() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	return db.manager.Flush()
}

// Close flushes and releases the index. The DB is unusable afterwards.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.manager.Close()
}
