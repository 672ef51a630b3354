// Package pool persists a graph's adjacency lists in a single memory-mapped
// file. Records are written once and replaced wholesale on edit; reclaimed
// space is tracked by a best-fit free list threaded through the file itself.
package pool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/substratedb/recall/persistence"
)

const (
	// headerSize is the fixed file header.
	headerSize = 64

	// recordHeaderSize covers slot id, level count, flags and reserved bytes.
	recordHeaderSize = 8

	// freeBlockHeaderSize is the in-file free block header: size and next.
	freeBlockHeaderSize = 16

	// splitSlack is the minimum remainder worth keeping as a separate free
	// block after a best-fit split.
	splitSlack = 64

	// edgeSize is one (target slot, cached distance) pair.
	edgeSize = 8

	flagDeleted = 1
)

var (
	// ErrPoolFull indicates growth beyond the configured maximum size.
	ErrPoolFull = errors.New("pool: maximum size exceeded")

	// ErrInvalidOffset indicates a read or mutation at an offset that does
	// not hold a live record.
	ErrInvalidOffset = errors.New("pool: invalid record offset")
)

// Edge is a single directed connection: the neighbor's slot id and the
// distance cached at write time.
type Edge struct {
	Target   uint32
	Distance float32
}

// Record is the decoded form of an on-disk connection record.
type Record struct {
	Slot   uint32
	Levels [][]Edge
}

// Options configures a Pool.
type Options struct {
	// InitialSize is the byte size of a newly created pool file.
	InitialSize uint64
	// MaxSize is the hard growth ceiling. Growth beyond it fails with
	// ErrPoolFull.
	MaxSize uint64
	// GrowthFactor is the geometric growth multiplier.
	GrowthFactor float64
}

// DefaultOptions are the defaults applied by New.
var DefaultOptions = Options{
	InitialSize:  1 << 20,
	MaxSize:      1 << 32,
	GrowthFactor: 2.0,
}

// Pool stores variable-length connection records in one MappedRegion using a
// bump allocator with a best-fit free list for reclaimed space.
//
// A byte range in the file is either live (owned by a current record), free
// (linked into the free list) or tombstoned (delete flag set, bytes still in
// place). Tombstoned space is reclaimed by segment compaction, not by the
// pool itself: rewriting the flagged record as a free block would destroy
// the ability of late readers to recognize it as deleted.
//
// The pool has no internal synchronization; it assumes a single logical
// writer.
type Pool struct {
	region *persistence.MappedRegion
	opts   Options

	// Header mirrors, written through on every mutation.
	total     uint64
	used      uint64
	nodeCount uint64
	freeHead  uint64
}

// New opens the pool file at path, creating it when absent.
func New(path string, optFns ...func(o *Options)) (*Pool, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.InitialSize < headerSize {
		opts.InitialSize = headerSize
	}
	if opts.GrowthFactor < 1.1 {
		opts.GrowthFactor = DefaultOptions.GrowthFactor
	}

	if _, err := os.Stat(path); err == nil {
		return open(path, opts)
	}
	return create(path, opts)
}

func create(path string, opts Options) (*Pool, error) {
	region, err := persistence.CreateRegion(path, int64(opts.InitialSize))
	if err != nil {
		return nil, err
	}

	p := &Pool{
		region: region,
		opts:   opts,
		total:  opts.InitialSize,
		used:   headerSize,
	}
	if err := p.writeHeader(); err != nil {
		region.Close()
		return nil, err
	}
	return p, nil
}

func open(path string, opts Options) (*Pool, error) {
	region, err := persistence.OpenRegion(path, false)
	if err != nil {
		return nil, err
	}

	hdr, err := region.Slice(0, headerSize)
	if err != nil {
		region.Close()
		return nil, err
	}

	if magic := binary.LittleEndian.Uint32(hdr[0:4]); magic != persistence.PoolMagic {
		region.Close()
		return nil, fmt.Errorf("pool: %s: got 0x%08X: %w", path, magic, persistence.ErrInvalidMagic)
	}
	if version := binary.LittleEndian.Uint32(hdr[4:8]); version != persistence.PoolVersion {
		region.Close()
		return nil, fmt.Errorf("pool: %s: version %d: %w", path, version, persistence.ErrInvalidVersion)
	}
	if sum := binary.LittleEndian.Uint32(hdr[40:44]); sum != persistence.Checksum(hdr[0:40]) {
		region.Close()
		return nil, fmt.Errorf("pool: %s header: %w", path, persistence.ErrChecksum)
	}

	p := &Pool{
		region:    region,
		opts:      opts,
		total:     binary.LittleEndian.Uint64(hdr[8:16]),
		used:      binary.LittleEndian.Uint64(hdr[16:24]),
		nodeCount: binary.LittleEndian.Uint64(hdr[24:32]),
		freeHead:  binary.LittleEndian.Uint64(hdr[32:40]),
	}

	if p.total != uint64(region.Len()) {
		region.Close()
		return nil, fmt.Errorf("pool: %s: header size %d != file size %d", path, p.total, region.Len())
	}
	if p.used < headerSize || p.used > p.total {
		region.Close()
		return nil, fmt.Errorf("pool: %s: corrupt used bytes %d", path, p.used)
	}

	return p, nil
}

func (p *Pool) writeHeader() error {
	hdr, err := p.region.Slice(0, headerSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(hdr[0:4], persistence.PoolMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], persistence.PoolVersion)
	binary.LittleEndian.PutUint64(hdr[8:16], p.total)
	binary.LittleEndian.PutUint64(hdr[16:24], p.used)
	binary.LittleEndian.PutUint64(hdr[24:32], p.nodeCount)
	binary.LittleEndian.PutUint64(hdr[32:40], p.freeHead)
	binary.LittleEndian.PutUint32(hdr[40:44], persistence.Checksum(hdr[0:40]))
	return nil
}

// recordSize returns the exact encoded size of a record with the given
// adjacency lists.
func recordSize(levels [][]Edge) uint64 {
	size := uint64(recordHeaderSize)
	for _, edges := range levels {
		size += 2 + uint64(len(edges))*edgeSize
	}
	return size
}

// allocSize rounds a record size up to the allocation granularity: at least
// one free block header, 8-byte aligned, so every allocation can later rejoin
// the free list.
func allocSize(levels [][]Edge) uint64 {
	size := recordSize(levels)
	if size < freeBlockHeaderSize {
		size = freeBlockHeaderSize
	}
	return (size + 7) &^ 7
}

// NodeCount returns the number of live records.
func (p *Pool) NodeCount() uint64 { return p.nodeCount }

// UsedBytes returns the bump pointer: the end of the allocated region.
func (p *Pool) UsedBytes() uint64 { return p.used }

// TotalBytes returns the current file capacity.
func (p *Pool) TotalBytes() uint64 { return p.total }

// Allocate writes a new connection record for slot with the given per-level
// edges and returns its byte offset. Space comes from the best-fit free list
// when possible, otherwise from a bump allocation at the end of the used
// region, growing the file geometrically up to Options.MaxSize.
func (p *Pool) Allocate(slot uint32, levels [][]Edge) (uint64, error) {
	if len(levels) == 0 || len(levels) > math.MaxUint8 {
		return 0, fmt.Errorf("pool: invalid level count %d", len(levels))
	}
	for _, edges := range levels {
		if len(edges) > math.MaxUint16 {
			return 0, fmt.Errorf("pool: level with %d edges exceeds format limit", len(edges))
		}
	}

	size := allocSize(levels)

	offset, ok := p.tryAllocateFromFreeList(size)
	if !ok {
		var err error
		offset, err = p.bumpAllocate(size)
		if err != nil {
			return 0, err
		}
	}

	buf, err := p.region.Slice(int64(offset), int64(size))
	if err != nil {
		return 0, err
	}
	for i := range buf {
		buf[i] = 0
	}

	binary.LittleEndian.PutUint32(buf[0:4], slot)
	buf[4] = uint8(len(levels))
	buf[5] = 0 // flags
	pos := recordHeaderSize
	for _, edges := range levels {
		binary.LittleEndian.PutUint16(buf[pos:], uint16(len(edges)))
		pos += 2
		for _, e := range edges {
			binary.LittleEndian.PutUint32(buf[pos:], e.Target)
			binary.LittleEndian.PutUint32(buf[pos+4:], math.Float32bits(e.Distance))
			pos += edgeSize
		}
	}

	p.nodeCount++
	if err := p.writeHeader(); err != nil {
		return 0, err
	}
	return offset, nil
}

// tryAllocateFromFreeList scans the free list for the smallest block of at
// least size bytes, stopping early on an exact match. The winning block is
// split when the remainder is worth keeping, otherwise consumed whole.
func (p *Pool) tryAllocateFromFreeList(size uint64) (uint64, bool) {
	var (
		prev           uint64
		curr           = p.freeHead
		bestPrev, best uint64
		bestSize       uint64
		found          bool
	)

	for curr != 0 {
		blockSize, next, err := p.readFreeBlock(curr)
		if err != nil {
			// A broken chain link is corruption; stop using the list.
			return 0, false
		}
		if blockSize == size {
			p.unlinkFreeBlock(prev, curr, next)
			return curr, true
		}
		if blockSize > size && (!found || blockSize < bestSize) {
			bestPrev, best, bestSize = prev, curr, blockSize
			found = true
		}
		prev, curr = curr, next
	}

	if !found {
		return 0, false
	}

	_, bestNext, err := p.readFreeBlock(best)
	if err != nil {
		return 0, false
	}

	if bestSize >= size+freeBlockHeaderSize+splitSlack {
		// Split: the tail remains on the free list in place of the winner.
		remainder := best + size
		if err := p.writeFreeBlock(remainder, bestSize-size, bestNext); err != nil {
			return 0, false
		}
		p.relinkFreeBlock(bestPrev, remainder)
	} else {
		p.unlinkFreeBlock(bestPrev, best, bestNext)
	}
	return best, true
}

func (p *Pool) readFreeBlock(offset uint64) (size, next uint64, err error) {
	buf, err := p.region.Slice(int64(offset), freeBlockHeaderSize)
	if err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint64(buf[0:8]), binary.LittleEndian.Uint64(buf[8:16]), nil
}

func (p *Pool) writeFreeBlock(offset, size, next uint64) error {
	buf, err := p.region.Slice(int64(offset), freeBlockHeaderSize)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(buf[0:8], size)
	binary.LittleEndian.PutUint64(buf[8:16], next)
	return nil
}

func (p *Pool) unlinkFreeBlock(prev, curr, next uint64) {
	if prev == 0 {
		p.freeHead = next
		return
	}
	if buf, err := p.region.Slice(int64(prev), freeBlockHeaderSize); err == nil {
		binary.LittleEndian.PutUint64(buf[8:16], next)
	}
}

func (p *Pool) relinkFreeBlock(prev, replacement uint64) {
	if prev == 0 {
		p.freeHead = replacement
		return
	}
	if buf, err := p.region.Slice(int64(prev), freeBlockHeaderSize); err == nil {
		binary.LittleEndian.PutUint64(buf[8:16], replacement)
	}
}

// bumpAllocate takes size bytes from the end of the used region, growing the
// backing file when needed.
func (p *Pool) bumpAllocate(size uint64) (uint64, error) {
	if p.used+size > p.total {
		if err := p.grow(p.used + size); err != nil {
			return 0, err
		}
	}
	offset := p.used
	p.used += size
	return offset, nil
}

// grow resizes the backing region to max(total*factor, needed), capped at
// Options.MaxSize. Growth past the cap is an explicit allocation failure,
// never a silent truncation.
func (p *Pool) grow(needed uint64) error {
	newTotal := uint64(float64(p.total) * p.opts.GrowthFactor)
	if newTotal < needed {
		newTotal = needed
	}
	if newTotal > p.opts.MaxSize {
		if needed > p.opts.MaxSize {
			return fmt.Errorf("%w: need %d bytes, ceiling %d", ErrPoolFull, needed, p.opts.MaxSize)
		}
		newTotal = p.opts.MaxSize
	}

	if err := p.region.Resize(int64(newTotal)); err != nil {
		return err
	}
	p.total = newTotal
	return p.writeHeader()
}

// parseRecord decodes the record at offset. It does not check the delete
// flag; callers that care pass wantLive.
func (p *Pool) parseRecord(offset uint64, wantLive bool) (*Record, uint64, bool) {
	if offset < headerSize || offset >= p.used {
		return nil, 0, false
	}

	hdr, err := p.region.Slice(int64(offset), recordHeaderSize)
	if err != nil {
		return nil, 0, false
	}

	levelCount := int(hdr[4])
	if levelCount == 0 {
		return nil, 0, false
	}
	if wantLive && hdr[5]&flagDeleted != 0 {
		return nil, 0, false
	}

	rec := &Record{
		Slot:   binary.LittleEndian.Uint32(hdr[0:4]),
		Levels: make([][]Edge, levelCount),
	}

	pos := offset + recordHeaderSize
	for level := 0; level < levelCount; level++ {
		cntBuf, err := p.region.Slice(int64(pos), 2)
		if err != nil {
			return nil, 0, false
		}
		count := int(binary.LittleEndian.Uint16(cntBuf))
		pos += 2

		edgeBuf, err := p.region.Slice(int64(pos), int64(count)*edgeSize)
		if err != nil {
			return nil, 0, false
		}
		edges := make([]Edge, count)
		for i := 0; i < count; i++ {
			edges[i] = Edge{
				Target:   binary.LittleEndian.Uint32(edgeBuf[i*edgeSize:]),
				Distance: math.Float32frombits(binary.LittleEndian.Uint32(edgeBuf[i*edgeSize+4:])),
			}
		}
		rec.Levels[level] = edges
		pos += uint64(count) * edgeSize
	}

	if pos > p.used {
		return nil, 0, false
	}
	return rec, pos - offset, true
}

// Read returns the full record at offset. It reports false when the offset
// is outside the used region or the record is tombstoned; per the error
// policy this logical miss is not an error.
func (p *Pool) Read(offset uint64) (*Record, bool) {
	rec, _, ok := p.parseRecord(offset, true)
	return rec, ok
}

// ReadLevel returns only one layer's edges, for the search hot path that
// never needs the whole record.
func (p *Pool) ReadLevel(offset uint64, level int) ([]Edge, bool) {
	rec, _, ok := p.parseRecord(offset, true)
	if !ok || level < 0 || level >= len(rec.Levels) {
		return nil, false
	}
	return rec.Levels[level], true
}

// Remove tombstones the record at offset: the delete flag is set but the
// bytes stay in place until compaction rewrites the file. Removing an
// already-removed record is a no-op.
func (p *Pool) Remove(offset uint64) error {
	if offset < headerSize || offset >= p.used {
		return fmt.Errorf("%w: %d", ErrInvalidOffset, offset)
	}
	hdr, err := p.region.Slice(int64(offset), recordHeaderSize)
	if err != nil {
		return err
	}
	if hdr[5]&flagDeleted != 0 {
		return nil
	}
	hdr[5] |= flagDeleted
	if p.nodeCount > 0 {
		p.nodeCount--
	}
	return p.writeHeader()
}

// Free returns the record's bytes to the free list. Unlike Remove this
// destroys the record, so it is only valid when no reader can still hold the
// offset — the record-replace path and compaction. Freeing the same offset
// twice corrupts the list; callers own that discipline.
func (p *Pool) Free(offset uint64) error {
	_, encoded, ok := p.parseRecord(offset, false)
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidOffset, offset)
	}

	size := encoded
	if size < freeBlockHeaderSize {
		size = freeBlockHeaderSize
	}
	size = (size + 7) &^ 7

	wasLive := true
	if hdr, err := p.region.Slice(int64(offset), recordHeaderSize); err == nil {
		wasLive = hdr[5]&flagDeleted == 0
	}

	if err := p.writeFreeBlock(offset, size, p.freeHead); err != nil {
		return err
	}
	p.freeHead = offset
	if wasLive && p.nodeCount > 0 {
		p.nodeCount--
	}
	return p.writeHeader()
}

// AddConnection appends an edge to one level of the record at offset. Record
// sizes are not edit-compatible in place, so the old record is released and
// a fresh one written; the new offset is returned. O(total edges) per call,
// bounded by the graph's degree caps.
func (p *Pool) AddConnection(offset uint64, level int, e Edge) (uint64, error) {
	rec, ok := p.Read(offset)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrInvalidOffset, offset)
	}
	if level < 0 || level >= len(rec.Levels) {
		return 0, fmt.Errorf("pool: level %d out of range for record with %d levels", level, len(rec.Levels))
	}

	rec.Levels[level] = append(rec.Levels[level], e)

	if err := p.Free(offset); err != nil {
		return 0, err
	}
	return p.Allocate(rec.Slot, rec.Levels)
}

// Replace rewrites the record at offset with new adjacency lists and returns
// the new offset. A zero offset writes a fresh record.
func (p *Pool) Replace(offset uint64, slot uint32, levels [][]Edge) (uint64, error) {
	if offset != 0 {
		if err := p.Free(offset); err != nil {
			return 0, err
		}
	}
	return p.Allocate(slot, levels)
}

// Sync flushes the header and all record pages to disk.
func (p *Pool) Sync() error {
	if err := p.writeHeader(); err != nil {
		return err
	}
	return p.region.Sync()
}

// Close flushes and unmaps the pool file.
func (p *Pool) Close() error {
	if p.region == nil {
		return nil
	}
	if err := p.writeHeader(); err != nil {
		p.region.Close()
		return err
	}
	err := p.region.Close()
	p.region = nil
	return err
}
