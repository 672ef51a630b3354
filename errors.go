package recall

import (
	"errors"

	"github.com/substratedb/recall/index/hnsw"
	"github.com/substratedb/recall/persistence"
	"github.com/substratedb/recall/pool"
)

var (
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")

	// ErrClosed is returned by operations on a closed DB.
	ErrClosed = errors.New("database is closed")

	// Re-exported sentinels, so callers can match failures from the inner
	// layers without importing them.

	// ErrDuplicateID is returned when inserting a PointID that is already live.
	ErrDuplicateID = hnsw.ErrDuplicateID

	// ErrPoolFull is returned when an edge file would grow past its ceiling.
	ErrPoolFull = pool.ErrPoolFull

	// ErrChecksum is returned when a persisted header fails its CRC check.
	ErrChecksum = persistence.ErrChecksum
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
type ErrDimensionMismatch = hnsw.ErrDimensionMismatch
