// Package testutil provides helpers for tests and benchmarks: a seeded
// thread-safe RNG, random unit vectors, and brute-force ground-truth search.
package testutil

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/substratedb/recall/model"
)

// RNG encapsulates a seeded random number generator. It is thread-safe.
type RNG struct {
	mu   sync.Mutex
	rand *rand.Rand
	seed int64
}

// NewRNG creates a new RNG with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 { return r.seed }

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Uint64 returns a pseudo-random uint64.
func (r *RNG) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Uint64()
}

// PointID mints a random 128-bit identifier.
func (r *RNG) PointID() model.PointID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return model.PointID{Hi: r.rand.Uint64(), Lo: r.rand.Uint64()}
}

// FillUniform fills dst with values in [-1, 1). Locks once per call.
func (r *RNG) FillUniform(dst []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range dst {
		dst[i] = r.rand.Float32()*2 - 1
	}
}

// UnitVector returns a random vector of the given dimension normalized to
// unit length.
func (r *RNG) UnitVector(dim int) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := make([]float32, dim)
	var norm float64
	for i := range v {
		x := r.rand.NormFloat64()
		v[i] = float32(x)
		norm += x * x
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		v[0] = 1
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

// UnitVectors returns n random unit vectors of the given dimension.
func (r *RNG) UnitVectors(n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = r.UnitVector(dim)
	}
	return out
}

// Cosine computes the exact cosine similarity between two float32 vectors.
func Cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// ExactTopK runs a brute-force scan and returns the k most cosine-similar
// dataset entries, ranked by similarity descending. The ground truth that
// approximate search is measured against.
func ExactTopK(query []float32, ids []model.PointID, dataset [][]float32, k int) []model.SearchResult {
	results := make([]model.SearchResult, 0, len(dataset))
	for i, vec := range dataset {
		results = append(results, model.SearchResult{
			ID:    ids[i],
			Score: Cosine(query, vec),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// Recall computes the fraction of expected ids present in got.
func Recall(got, expected []model.SearchResult) float64 {
	if len(expected) == 0 {
		return 1
	}
	want := make(map[model.PointID]struct{}, len(expected))
	for _, r := range expected {
		want[r.ID] = struct{}{}
	}
	hits := 0
	for _, r := range got {
		if _, ok := want[r.ID]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(expected))
}
