// Package persistence provides the low-level durable storage primitives of
// the index: a growable memory-mapped region with bounds-checked access, the
// on-disk format constants shared by every file type, and checksum helpers.
package persistence

import "errors"

// File format magics. All on-disk layouts are little-endian.
const (
	// PoolMagic identifies connection pool files (ASCII "CONN").
	PoolMagic = 0x434F4E4E
	// ManifestMagic identifies segment manifest files (ASCII "SEGM").
	ManifestMagic = 0x5345474D
	// IndexMagic identifies serialized HNSW graph blobs (ASCII "HNSW").
	IndexMagic = 0x484E5357

	// PoolVersion is the current connection pool format version.
	PoolVersion = 1
	// ManifestVersion is the current manifest format version.
	ManifestVersion = 1
	// IndexVersion is the current graph blob format version.
	IndexVersion = 1
)

var (
	// ErrInvalidMagic indicates a file or buffer that does not start with the
	// expected magic number.
	ErrInvalidMagic = errors.New("invalid magic number")

	// ErrInvalidVersion indicates an unsupported format version.
	ErrInvalidVersion = errors.New("unsupported format version")

	// ErrShortBuffer indicates a truncated buffer during deserialization.
	ErrShortBuffer = errors.New("buffer too short")

	// ErrChecksum indicates a header whose checksum does not match its
	// contents.
	ErrChecksum = errors.New("checksum mismatch")
)
