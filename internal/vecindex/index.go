// Package vecindex maintains the semantic index over insight embeddings.
// It prefers the sqlite-vec vec0 virtual table when the extension is
// available and falls back to a plain table with an in-process cosine
// scan otherwise. Both layouts live in the same SQLite file as the
// relational store, which stays the source of truth; the index can be
// rebuilt from it at any time.
package vecindex

import "context"

// Match is a single nearest-neighbor hit. Score is cosine similarity in
// [-1, 1]; higher is closer.
type Match struct {
	ID       string
	Score    float64
	Metadata map[string]interface{}
}

// Index is the write/query surface the insight and search layers use.
type Index interface {
	// Upsert replaces any existing vector for id.
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]interface{}) error
	// Query returns up to topK matches ordered by descending similarity.
	Query(ctx context.Context, vector []float32, topK int) ([]Match, error)
	// Delete removes id from the index. Missing ids are not an error.
	Delete(ctx context.Context, id string) error
	// Count reports how many vectors the index currently holds.
	Count(ctx context.Context) (int, error)
}
