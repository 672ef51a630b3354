//go:build unix

package persistence

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var (
	// ErrOutOfRange indicates an access past the end of the mapping.
	ErrOutOfRange = errors.New("mapped region: access out of range")

	// ErrReadOnly indicates a mutation attempt on a read-only mapping.
	ErrReadOnly = errors.New("mapped region: read-only")
)

// MappedRegion is a growable virtual-memory mapping backed by a file.
//
// All access goes through Slice, which validates offset and length against
// the current mapping before returning a window. This is the memory-safety
// boundary: an out-of-range access is a recoverable error, never a fault.
//
// Resize invalidates every slice previously obtained from the region. No
// caller may retain a Slice result across a call that can grow the region.
type MappedRegion struct {
	f        *os.File
	data     []byte
	readonly bool
	path     string
}

// CreateRegion allocates a new backing file of exactly size bytes and maps
// it read-write. The file must not already exist.
func CreateRegion(path string, size int64) (*MappedRegion, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mapped region: invalid size %d", size)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mapped region: create %s: %w", path, err)
	}

	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("mapped region: truncate %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("mapped region: mmap %s: %w", path, err)
	}

	return &MappedRegion{f: f, data: data, path: path}, nil
}

// OpenRegion maps an existing file, sizing the mapping to the file's current
// length.
func OpenRegion(path string, readonly bool) (*MappedRegion, error) {
	flags := os.O_RDWR
	if readonly {
		flags = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mapped region: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mapped region: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("mapped region: %s is empty", path)
	}

	prot := unix.PROT_READ
	if !readonly {
		prot |= unix.PROT_WRITE
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mapped region: mmap %s: %w", path, err)
	}

	return &MappedRegion{f: f, data: data, readonly: readonly, path: path}, nil
}

// Len returns the current mapping length in bytes.
func (r *MappedRegion) Len() int64 {
	return int64(len(r.data))
}

// Path returns the backing file path.
func (r *MappedRegion) Path() string {
	return r.path
}

// ReadOnly reports whether the mapping is read-only.
func (r *MappedRegion) ReadOnly() bool {
	return r.readonly
}

// Slice returns the window [off, off+n) of the mapping. The returned slice
// aliases the mapped file and is invalidated by Resize and Close.
func (r *MappedRegion) Slice(off, n int64) ([]byte, error) {
	if off < 0 || n < 0 || off+n > int64(len(r.data)) {
		return nil, fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfRange, off, off+n, len(r.data))
	}
	return r.data[off : off+n : off+n], nil
}

// Sync flushes dirty pages to the backing file synchronously.
func (r *MappedRegion) Sync() error {
	if r.readonly {
		return nil
	}
	if err := unix.Msync(r.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("mapped region: msync %s: %w", r.path, err)
	}
	return nil
}

// Resize grows (or shrinks) the region to newSize bytes, preserving existing
// content: sync, unmap, truncate, remap. Every slice previously obtained
// from the region is invalid after this call.
func (r *MappedRegion) Resize(newSize int64) error {
	if r.readonly {
		return ErrReadOnly
	}
	if newSize <= 0 {
		return fmt.Errorf("mapped region: invalid size %d", newSize)
	}

	if err := r.Sync(); err != nil {
		return err
	}
	if err := unix.Munmap(r.data); err != nil {
		return fmt.Errorf("mapped region: munmap %s: %w", r.path, err)
	}
	r.data = nil

	if err := r.f.Truncate(newSize); err != nil {
		return fmt.Errorf("mapped region: truncate %s: %w", r.path, err)
	}

	data, err := unix.Mmap(int(r.f.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mapped region: remap %s: %w", r.path, err)
	}
	r.data = data
	return nil
}

// Close syncs (when writable), unmaps and closes the backing file.
func (r *MappedRegion) Close() error {
	if r.data == nil {
		return nil
	}

	var firstErr error
	if !r.readonly {
		firstErr = r.Sync()
	}
	if err := unix.Munmap(r.data); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("mapped region: munmap %s: %w", r.path, err)
	}
	r.data = nil

	if err := r.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
