// Package engine shards the index across capacity-bounded segments, each
// pairing one HNSW graph with one connection-pool file, tracked by a
// memory-mapped manifest.
package engine

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/substratedb/recall/model"
	"github.com/substratedb/recall/persistence"
)

const (
	manifestHeaderSize = 4096
	segmentRecordSize  = 64

	// Header field offsets. The checksum covers the first 32 bytes.
	offManifestMagic    = 0
	offManifestVersion  = 4
	offSegmentCount     = 8
	offActiveSegment    = 12
	offTotalNodes       = 16
	offNextSegment      = 24
	offManifestChecksum = 32

	manifestChecksumSpan = 32
)

// SegmentRecord is the 64-byte per-segment metadata entry appended after the
// manifest header.
//
//	[id:u32][state:u8][reserved:3]
//	[node_count:u32][deleted_count:u32]
//	[created_at:i64][sealed_at:i64]
//	[min_key:u64][max_key:u64]
//	[reserved:16]
type SegmentRecord struct {
	ID           model.SegmentID
	State        model.SegmentState
	NodeCount    uint32
	DeletedCount uint32
	CreatedAt    int64
	SealedAt     int64
	MinKey       uint64
	MaxKey       uint64
}

// Manifest is the authoritative record of which segment files exist. It
// lives in a mapped region: a 4096-byte header followed by one 64-byte
// record per segment ever created.
type Manifest struct {
	region *persistence.MappedRegion
}

// CreateManifest initializes a fresh manifest file at path.
func CreateManifest(path string) (*Manifest, error) {
	region, err := persistence.CreateRegion(path, manifestHeaderSize)
	if err != nil {
		return nil, err
	}

	m := &Manifest{region: region}

	hdr, err := region.Slice(0, manifestHeaderSize)
	if err != nil {
		region.Close()
		os.Remove(path)
		return nil, err
	}
	binary.LittleEndian.PutUint32(hdr[offManifestMagic:], persistence.ManifestMagic)
	binary.LittleEndian.PutUint32(hdr[offManifestVersion:], persistence.ManifestVersion)
	m.writeChecksum(hdr)

	if err := region.Sync(); err != nil {
		region.Close()
		os.Remove(path)
		return nil, err
	}
	return m, nil
}

// OpenManifest maps an existing manifest file and validates its header.
func OpenManifest(path string) (*Manifest, error) {
	region, err := persistence.OpenRegion(path, false)
	if err != nil {
		return nil, err
	}

	m := &Manifest{region: region}

	hdr, err := region.Slice(0, manifestHeaderSize)
	if err != nil {
		region.Close()
		return nil, fmt.Errorf("engine: manifest header: %w", err)
	}
	if magic := binary.LittleEndian.Uint32(hdr[offManifestMagic:]); magic != persistence.ManifestMagic {
		region.Close()
		return nil, fmt.Errorf("engine: manifest got 0x%08X: %w", magic, persistence.ErrInvalidMagic)
	}
	if version := binary.LittleEndian.Uint32(hdr[offManifestVersion:]); version != persistence.ManifestVersion {
		region.Close()
		return nil, fmt.Errorf("engine: manifest version %d: %w", version, persistence.ErrInvalidVersion)
	}
	if got := binary.LittleEndian.Uint32(hdr[offManifestChecksum:]); got != persistence.Checksum(hdr[:manifestChecksumSpan]) {
		region.Close()
		return nil, fmt.Errorf("engine: manifest header: %w", persistence.ErrChecksum)
	}

	count := binary.LittleEndian.Uint32(hdr[offSegmentCount:])
	if want := int64(manifestHeaderSize + int(count)*segmentRecordSize); region.Len() < want {
		region.Close()
		return nil, fmt.Errorf("engine: manifest holds %d records but file is %d bytes: %w",
			count, region.Len(), persistence.ErrShortBuffer)
	}

	return m, nil
}

func (m *Manifest) header() []byte {
	hdr, err := m.region.Slice(0, manifestHeaderSize)
	if err != nil {
		// The region is never smaller than the header after a successful
		// create/open.
		panic(fmt.Sprintf("engine: manifest mapping shrank below header: %v", err))
	}
	return hdr
}

func (m *Manifest) writeChecksum(hdr []byte) {
	binary.LittleEndian.PutUint32(hdr[offManifestChecksum:], persistence.Checksum(hdr[:manifestChecksumSpan]))
}

// SegmentCount returns the number of records in the manifest, including
// tombstoned ones.
func (m *Manifest) SegmentCount() uint32 {
	return binary.LittleEndian.Uint32(m.header()[offSegmentCount:])
}

// ActiveSegment returns the id of the segment currently accepting inserts.
func (m *Manifest) ActiveSegment() model.SegmentID {
	return model.SegmentID(binary.LittleEndian.Uint32(m.header()[offActiveSegment:]))
}

// SetActiveSegment flips the active segment id.
func (m *Manifest) SetActiveSegment(id model.SegmentID) {
	hdr := m.header()
	binary.LittleEndian.PutUint32(hdr[offActiveSegment:], uint32(id))
	m.writeChecksum(hdr)
}

// TotalNodes returns the live node count summed across segments.
func (m *Manifest) TotalNodes() uint64 {
	return binary.LittleEndian.Uint64(m.header()[offTotalNodes:])
}

// AddTotalNodes adjusts the live node count by delta.
func (m *Manifest) AddTotalNodes(delta int64) {
	hdr := m.header()
	total := binary.LittleEndian.Uint64(hdr[offTotalNodes:])
	binary.LittleEndian.PutUint64(hdr[offTotalNodes:], uint64(int64(total)+delta))
	m.writeChecksum(hdr)
}

// NextSegmentID returns the next unused segment id.
func (m *Manifest) NextSegmentID() model.SegmentID {
	return model.SegmentID(binary.LittleEndian.Uint32(m.header()[offNextSegment:]))
}

func recordOffset(idx uint32) int64 {
	return manifestHeaderSize + int64(idx)*segmentRecordSize
}

// AppendSegment grows the manifest by one record, assigns it the next unused
// id, and returns the record. The caller activates it separately.
func (m *Manifest) AppendSegment() (SegmentRecord, error) {
	hdr := m.header()
	count := binary.LittleEndian.Uint32(hdr[offSegmentCount:])
	next := binary.LittleEndian.Uint32(hdr[offNextSegment:])

	if err := m.region.Resize(recordOffset(count) + segmentRecordSize); err != nil {
		return SegmentRecord{}, fmt.Errorf("engine: grow manifest: %w", err)
	}

	rec := SegmentRecord{
		ID:        model.SegmentID(next),
		State:     model.SegmentActive,
		CreatedAt: time.Now().Unix(),
	}
	if err := m.putRecord(count, rec); err != nil {
		return SegmentRecord{}, err
	}

	// Resize invalidated hdr.
	hdr = m.header()
	binary.LittleEndian.PutUint32(hdr[offSegmentCount:], count+1)
	binary.LittleEndian.PutUint32(hdr[offNextSegment:], next+1)
	m.writeChecksum(hdr)
	return rec, nil
}

// Record reads the idx-th segment record.
func (m *Manifest) Record(idx uint32) (SegmentRecord, error) {
	b, err := m.region.Slice(recordOffset(idx), segmentRecordSize)
	if err != nil {
		return SegmentRecord{}, fmt.Errorf("engine: segment record %d: %w", idx, err)
	}
	return SegmentRecord{
		ID:           model.SegmentID(binary.LittleEndian.Uint32(b[0:])),
		State:        model.SegmentState(b[4]),
		NodeCount:    binary.LittleEndian.Uint32(b[8:]),
		DeletedCount: binary.LittleEndian.Uint32(b[12:]),
		CreatedAt:    int64(binary.LittleEndian.Uint64(b[16:])),
		SealedAt:     int64(binary.LittleEndian.Uint64(b[24:])),
		MinKey:       binary.LittleEndian.Uint64(b[32:]),
		MaxKey:       binary.LittleEndian.Uint64(b[40:]),
	}, nil
}

func (m *Manifest) putRecord(idx uint32, rec SegmentRecord) error {
	b, err := m.region.Slice(recordOffset(idx), segmentRecordSize)
	if err != nil {
		return fmt.Errorf("engine: segment record %d: %w", idx, err)
	}
	binary.LittleEndian.PutUint32(b[0:], uint32(rec.ID))
	b[4] = uint8(rec.State)
	b[5], b[6], b[7] = 0, 0, 0
	binary.LittleEndian.PutUint32(b[8:], rec.NodeCount)
	binary.LittleEndian.PutUint32(b[12:], rec.DeletedCount)
	binary.LittleEndian.PutUint64(b[16:], uint64(rec.CreatedAt))
	binary.LittleEndian.PutUint64(b[24:], uint64(rec.SealedAt))
	binary.LittleEndian.PutUint64(b[32:], rec.MinKey)
	binary.LittleEndian.PutUint64(b[40:], rec.MaxKey)
	return nil
}

// UpdateRecord applies fn to the idx-th record and writes it back.
func (m *Manifest) UpdateRecord(idx uint32, fn func(rec *SegmentRecord)) error {
	rec, err := m.Record(idx)
	if err != nil {
		return err
	}
	fn(&rec)
	return m.putRecord(idx, rec)
}

// Sync flushes the manifest to disk.
func (m *Manifest) Sync() error {
	return m.region.Sync()
}

// Close unmaps the manifest, syncing first.
func (m *Manifest) Close() error {
	return m.region.Close()
}
