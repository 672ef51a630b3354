// Package model defines the identifiers and value types shared across the
// retrieval core: point identifiers, segment identifiers and states, and
// search results.
package model

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// PointID is the opaque 128-bit identifier for a stored vector. It is the
// join key across every component and never changes for the lifetime of a
// point.
type PointID struct {
	Hi uint64
	Lo uint64
}

// NewPointID mints a random PointID.
func NewPointID() PointID {
	u := uuid.New()
	return PointID{
		Hi: binary.BigEndian.Uint64(u[0:8]),
		Lo: binary.BigEndian.Uint64(u[8:16]),
	}
}

// IsZero reports whether the ID is the zero value.
func (id PointID) IsZero() bool {
	return id.Hi == 0 && id.Lo == 0
}

// String returns a compact hex representation.
func (id PointID) String() string {
	return fmt.Sprintf("%016x%016x", id.Hi, id.Lo)
}

// SegmentID identifies a segment within a single index instance.
type SegmentID uint32

// SegmentState is the lifecycle state of a segment.
type SegmentState uint8

const (
	// SegmentActive accepts inserts. Exactly one segment is active at a time.
	SegmentActive SegmentState = iota
	// SegmentSealed is read-only for inserts; it still serves queries and
	// removals.
	SegmentSealed
	// SegmentCompacting is being rewritten by external compaction tooling.
	SegmentCompacting
	// SegmentTombstone awaits file deletion.
	SegmentTombstone
)

func (s SegmentState) String() string {
	switch s {
	case SegmentActive:
		return "active"
	case SegmentSealed:
		return "sealed"
	case SegmentCompacting:
		return "compacting"
	case SegmentTombstone:
		return "tombstone"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Location identifies a slot within a specific segment.
type Location struct {
	Segment SegmentID
	Slot    uint32
}

func (l Location) String() string {
	return fmt.Sprintf("loc(%d:%d)", l.Segment, l.Slot)
}

// SearchResult is a single ranked match. Score is a similarity in [0, 1]
// where higher is better.
type SearchResult struct {
	ID    PointID
	Score float32
}
