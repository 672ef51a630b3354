package engine

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/s2"

	"github.com/substratedb/recall/model"
	"github.com/substratedb/recall/persistence"
)

// The routing sidecar is a cache, not a source of truth: locate falls back
// to a linear probe when an entry is missing or stale, so a sidecar that is
// absent or corrupt is dropped silently and routing is rebuilt lazily.
//
// File shape: [checksum:u32] then an s2 block containing
// [count:u32] count × [point hi:u64][point lo:u64][segment:u32].

func (m *Manager) saveRouting() {
	raw := make([]byte, 0, 4+len(m.routing)*20)
	raw = binary.LittleEndian.AppendUint32(raw, uint32(len(m.routing)))
	for id, segID := range m.routing {
		raw = binary.LittleEndian.AppendUint64(raw, id.Hi)
		raw = binary.LittleEndian.AppendUint64(raw, id.Lo)
		raw = binary.LittleEndian.AppendUint32(raw, uint32(segID))
	}

	compressed := s2.Encode(nil, raw)
	out := make([]byte, 0, 4+len(compressed))
	out = binary.LittleEndian.AppendUint32(out, persistence.Checksum(compressed))
	out = append(out, compressed...)

	path := filepath.Join(m.dir, routingFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		m.logger.Warn("routing snapshot write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		m.logger.Warn("routing snapshot rename failed", "error", err)
	}
}

func (m *Manager) loadRouting() {
	path := filepath.Join(m.dir, routingFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("routing snapshot unreadable, rebuilding lazily", "error", err)
		}
		return
	}

	routing, err := decodeRouting(data)
	if err != nil {
		m.logger.Warn("routing snapshot corrupt, rebuilding lazily", "error", err)
		return
	}

	// Drop entries for segments that did not open; locate would evict them
	// one miss at a time otherwise.
	for id, segID := range routing {
		if _, ok := m.segments[segID]; !ok {
			delete(routing, id)
		}
	}
	m.routing = routing
}

func decodeRouting(data []byte) (map[model.PointID]model.SegmentID, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("engine: routing sidecar: %w", persistence.ErrShortBuffer)
	}
	compressed := data[4:]
	if got := binary.LittleEndian.Uint32(data); got != persistence.Checksum(compressed) {
		return nil, fmt.Errorf("engine: routing sidecar: %w", persistence.ErrChecksum)
	}

	raw, err := s2.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("engine: routing sidecar: %w", err)
	}
	if len(raw) < 4 {
		return nil, fmt.Errorf("engine: routing sidecar: %w", persistence.ErrShortBuffer)
	}

	count := binary.LittleEndian.Uint32(raw)
	if uint64(len(raw)) < 4+uint64(count)*20 {
		return nil, fmt.Errorf("engine: routing sidecar truncated at %d entries: %w",
			count, persistence.ErrShortBuffer)
	}

	routing := make(map[model.PointID]model.SegmentID, count)
	off := 4
	for i := uint32(0); i < count; i++ {
		id := model.PointID{
			Hi: binary.LittleEndian.Uint64(raw[off:]),
			Lo: binary.LittleEndian.Uint64(raw[off+8:]),
		}
		routing[id] = model.SegmentID(binary.LittleEndian.Uint32(raw[off+16:]))
		off += 20
	}
	return routing, nil
}
