// Package recall is a persistent approximate nearest-neighbor search engine
// for high-dimensional semantic vectors.
//
// It accepts (identifier, vector) pairs, maintains a hierarchical navigable
// small-world (HNSW) proximity graph over int8-quantized copies of the
// vectors, answers k-nearest-neighbor queries with sub-linear latency, and
// survives process restarts without rebuilding the index from raw vectors.
//
// The index is sharded into capacity-bounded segments, each pairing one
// graph with one memory-mapped edge file; a manifest tracks segment state
// and routing across restarts.
//
// # Quick start
//
//	db, err := recall.Open("./data", recall.WithDimension(384))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	id := model.NewPointID()
//	if err := db.Insert(id, vec); err != nil {
//	    log.Fatal(err)
//	}
//
//	results, err := db.Search(query, 10)
//
// DB serializes writers internally; the packages underneath (engine, pool,
// index/hnsw, persistence) are synchronization-free and assume a single
// logical writer.
package recall
