package recall

import (
	"github.com/substratedb/recall/engine"
)

type options struct {
	dimension       int
	m               int
	efConstruction  int
	efSearch        int
	maxLayers       int
	segmentCapacity int
	randomSeed      *int64
	logger          *Logger
}

// Option configures Open behavior.
type Option func(*options)

// WithDimension sets the vector dimensionality. Required for a fresh index;
// on reopen it is validated against the stored segments.
func WithDimension(d int) Option {
	return func(o *options) {
		o.dimension = d
	}
}

// WithM sets the maximum neighbors per graph layer (2M at the base layer).
// Larger values improve recall at the cost of memory and insert time.
func WithM(m int) Option {
	return func(o *options) {
		o.m = m
	}
}

// WithEFConstruction sets the beam width used while building the graph.
func WithEFConstruction(ef int) Option {
	return func(o *options) {
		o.efConstruction = ef
	}
}

// WithEFSearch sets the default beam width used by Search. Search widens it
// to k automatically when k is larger.
func WithEFSearch(ef int) Option {
	return func(o *options) {
		o.efSearch = ef
	}
}

// WithMaxLayers caps the graph height.
func WithMaxLayers(n int) Option {
	return func(o *options) {
		o.maxLayers = n
	}
}

// WithSegmentCapacity sets the node budget per segment. A segment seals at
// 90% of this and a fresh one starts accepting inserts.
func WithSegmentCapacity(n int) Option {
	return func(o *options) {
		o.segmentCapacity = n
	}
}

// WithRandomSeed fixes the level-draw RNG, for reproducible graphs in tests.
func WithRandomSeed(seed int64) Option {
	return func(o *options) {
		o.randomSeed = &seed
	}
}

// WithLogger configures structured logging. Nil (the default) discards all
// output.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func (o *options) engineOptions() func(eo *engine.Options) {
	return func(eo *engine.Options) {
		eo.Dimension = o.dimension
		if o.m > 0 {
			eo.M = o.m
		}
		if o.efConstruction > 0 {
			eo.EFConstruction = o.efConstruction
		}
		if o.efSearch > 0 {
			eo.EFSearch = o.efSearch
		}
		if o.maxLayers > 0 {
			eo.MaxLayers = o.maxLayers
		}
		if o.segmentCapacity > 0 {
			eo.SegmentCapacity = o.segmentCapacity
		}
		eo.RandomSeed = o.randomSeed
		if o.logger != nil {
			eo.Logger = o.logger.Logger
		}
	}
}
