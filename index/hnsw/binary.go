package hnsw

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/substratedb/recall/model"
	"github.com/substratedb/recall/persistence"
	"github.com/substratedb/recall/quantization"
)

// Blob layout (little-endian):
//
//	[magic:u32][version:u32]
//	[dimension:u16][M:u16][efConstruction:u16][efSearch:u16]
//	[maxLayers:u8][flags:u8][reserved:u16]
//	[count:u32][maxLevel:u8][hasEntry:u8]
//	[entry PointID: hi u64, lo u64]
//	count × node:
//	  [id: hi u64, lo u64][level:u8]
//	  [quantized vector: D bytes + scale f32 + offset f32]
//	  (level+1) × layer: [n:u16][n × neighbor index u32]
//
// Nodes are written in ascending slot order; neighbor references are dense
// indexes into that write order, so the blob is independent of historical
// slot assignment.

// MarshalBinary serializes the graph to a flat byte blob.
func (ix *Index) MarshalBinary() ([]byte, error) {
	// Dense index per live slot, in write order.
	denseOf := make(map[uint32]uint32, ix.count)
	var order []uint32
	for slot, n := range ix.nodes {
		if n == nil {
			continue
		}
		denseOf[uint32(slot)] = uint32(len(order))
		order = append(order, uint32(slot))
	}

	buf := make([]byte, 0, 64+ix.count*(17+quantization.EncodedSize(ix.opts.Dimension)))

	buf = binary.LittleEndian.AppendUint32(buf, persistence.IndexMagic)
	buf = binary.LittleEndian.AppendUint32(buf, persistence.IndexVersion)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(ix.opts.Dimension))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(ix.opts.M))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(ix.opts.EFConstruction))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(ix.opts.EFSearch))
	buf = append(buf, uint8(ix.opts.MaxLayers), 0)
	buf = binary.LittleEndian.AppendUint16(buf, 0)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(order)))
	buf = append(buf, uint8(ix.maxLevel))
	if ix.hasEntry {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	var entryID model.PointID
	if ix.hasEntry {
		if n := ix.nodeAt(ix.entry); n != nil {
			entryID = n.id
		}
	}
	buf = binary.LittleEndian.AppendUint64(buf, entryID.Hi)
	buf = binary.LittleEndian.AppendUint64(buf, entryID.Lo)

	for _, slot := range order {
		n := ix.nodes[slot]
		buf = binary.LittleEndian.AppendUint64(buf, n.id.Hi)
		buf = binary.LittleEndian.AppendUint64(buf, n.id.Lo)
		buf = append(buf, uint8(n.level))
		buf = n.vec.AppendBinary(buf)

		for layer := 0; layer <= n.level; layer++ {
			// Dangling references are dropped at serialization time.
			live := make([]uint32, 0, len(n.neighbors[layer]))
			for _, nb := range n.neighbors[layer] {
				if dense, ok := denseOf[nb]; ok {
					live = append(live, dense)
				}
			}
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(live)))
			for _, dense := range live {
				buf = binary.LittleEndian.AppendUint32(buf, dense)
			}
		}
	}

	return buf, nil
}

// blobReader walks a byte blob with explicit bounds checks so a truncated
// buffer surfaces as a descriptive error instead of a slice panic.
type blobReader struct {
	b   []byte
	off int
}

func (r *blobReader) take(n int, what string) ([]byte, error) {
	if r.off+n > len(r.b) {
		return nil, fmt.Errorf("hnsw: truncated blob reading %s at offset %d (need %d bytes, have %d): %w",
			what, r.off, n, len(r.b)-r.off, persistence.ErrShortBuffer)
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *blobReader) u8(what string) (uint8, error) {
	b, err := r.take(1, what)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *blobReader) u16(what string) (uint16, error) {
	b, err := r.take(2, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *blobReader) u32(what string) (uint32, error) {
	b, err := r.take(4, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *blobReader) u64(what string) (uint64, error) {
	b, err := r.take(8, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Load rebuilds an index from a serialized blob. Configuration is taken
// from the blob; optFns may attach runtime-only options such as a
// connection pool or a random seed. Pool record offsets are not carried by
// the blob, so mirrored records are rewritten lazily on the next edge
// change of each node.
func Load(data []byte, optFns ...func(o *Options)) (*Index, error) {
	r := &blobReader{b: data}

	magic, err := r.u32("magic")
	if err != nil {
		return nil, err
	}
	if magic != persistence.IndexMagic {
		return nil, fmt.Errorf("hnsw: got 0x%08X: %w", magic, persistence.ErrInvalidMagic)
	}
	version, err := r.u32("version")
	if err != nil {
		return nil, err
	}
	if version != persistence.IndexVersion {
		return nil, fmt.Errorf("hnsw: version %d: %w", version, persistence.ErrInvalidVersion)
	}

	dimension, err := r.u16("dimension")
	if err != nil {
		return nil, err
	}
	m, err := r.u16("M")
	if err != nil {
		return nil, err
	}
	efc, err := r.u16("efConstruction")
	if err != nil {
		return nil, err
	}
	efs, err := r.u16("efSearch")
	if err != nil {
		return nil, err
	}
	maxLayers, err := r.u8("maxLayers")
	if err != nil {
		return nil, err
	}
	if _, err := r.take(3, "reserved"); err != nil {
		return nil, err
	}

	count, err := r.u32("node count")
	if err != nil {
		return nil, err
	}
	maxLevel, err := r.u8("max level")
	if err != nil {
		return nil, err
	}
	hasEntry, err := r.u8("entry flag")
	if err != nil {
		return nil, err
	}
	entryHi, err := r.u64("entry id")
	if err != nil {
		return nil, err
	}
	entryLo, err := r.u64("entry id")
	if err != nil {
		return nil, err
	}

	var requested Options
	for _, fn := range optFns {
		fn(&requested)
	}
	if requested.Dimension != 0 && requested.Dimension != int(dimension) {
		return nil, &ErrDimensionMismatch{Expected: requested.Dimension, Actual: int(dimension)}
	}

	ix, err := New(func(o *Options) {
		for _, fn := range optFns {
			fn(o)
		}
		o.Dimension = int(dimension)
		o.M = int(m)
		o.EFConstruction = int(efc)
		o.EFSearch = int(efs)
		o.MaxLayers = int(maxLayers)
	})
	if err != nil {
		return nil, err
	}

	ix.nodes = make([]*node, count)
	for i := uint32(0); i < count; i++ {
		idHi, err := r.u64("node id")
		if err != nil {
			return nil, err
		}
		idLo, err := r.u64("node id")
		if err != nil {
			return nil, err
		}
		level, err := r.u8("node level")
		if err != nil {
			return nil, err
		}
		if int(level) >= int(maxLayers) {
			return nil, fmt.Errorf("hnsw: node %d level %d exceeds max layers %d", i, level, maxLayers)
		}

		vecBytes, err := r.take(quantization.EncodedSize(int(dimension)), "quantized vector")
		if err != nil {
			return nil, err
		}
		vec, err := quantization.DecodeQuantized(vecBytes, int(dimension))
		if err != nil {
			return nil, err
		}

		n := &node{
			id:        model.PointID{Hi: idHi, Lo: idLo},
			vec:       vec,
			sketch:    quantization.BinarizeQuantized(vec),
			level:     int(level),
			neighbors: make([][]uint32, int(level)+1),
		}

		for layer := 0; layer <= int(level); layer++ {
			cnt, err := r.u16("neighbor count")
			if err != nil {
				return nil, err
			}
			nbs := make([]uint32, cnt)
			for j := range nbs {
				nb, err := r.u32("neighbor index")
				if err != nil {
					return nil, err
				}
				if nb >= count {
					return nil, fmt.Errorf("hnsw: node %d references neighbor %d beyond node count %d", i, nb, count)
				}
				nbs[j] = nb
			}
			n.neighbors[layer] = nbs
		}

		ix.nodes[i] = n
		ix.byID[n.id] = i
	}

	ix.count = int(count)
	ix.maxLevel = int(maxLevel)

	if hasEntry != 0 {
		slot, ok := ix.byID[model.PointID{Hi: entryHi, Lo: entryLo}]
		if !ok {
			return nil, fmt.Errorf("hnsw: entry point %016x%016x not present in blob", entryHi, entryLo)
		}
		ix.entry = slot
		ix.hasEntry = true
	}

	return ix, nil
}

// SaveToFile atomically writes the serialized graph: a temporary file is
// synced and renamed over the target.
func (ix *Index) SaveToFile(path string) error {
	data, err := ix.MarshalBinary()
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}

	// Persist the rename itself.
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		_ = dir.Sync()
		dir.Close()
	}
	return nil
}

// LoadFromFile reads a serialized graph from disk.
func LoadFromFile(path string, optFns ...func(o *Options)) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(data, optFns...)
}
