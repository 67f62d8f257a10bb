package store

import (
	"context"

	"github.com/Protocol-Lattice/recall/src/memory/model"
)

// VectorStore is the uniform contract over heterogeneous vector backends.
// Backend-specific behavior (the networked backend's explicit load state)
// stays inside the adapter: EnsureLoaded is a no-op for backends whose index
// is memory-resident once opened.
//
// Failure semantics: connection failures are retried, bounded, inside the
// adapter; dimension conflicts are reported immediately as schema mismatches
// and never retried.
type VectorStore interface {
	// CreateCollection is idempotent when the collection already exists with
	// the same dimension; an existing collection with a different dimension is
	// a fatal schema mismatch.
	CreateCollection(ctx context.Context, name string, dim int, indexKind string) error

	// DropCollection irreversibly removes the collection and all its records.
	DropCollection(ctx context.Context, name string) error

	// EnsureLoaded brings the collection into a queryable state. Already
	// loaded counts as success. A failed attempt releases any partial load so
	// the collection never wedges in an ambiguous state.
	EnsureLoaded(ctx context.Context, name string) error

	// Insert persists records all-or-nothing. Records whose embedding length
	// differs from the collection dimension are rejected before anything is
	// written.
	Insert(ctx context.Context, name string, records []model.MemoryRecord) error

	// Query is a structured boolean-filter scan, not similarity-based.
	// limit <= 0 means no limit. A missing collection yields an empty result.
	Query(ctx context.Context, name, filterExpr string, outputFields []string, limit int) ([]model.MemoryRecord, error)

	// Search returns similarity results ordered by descending score, ties
	// broken by more recent create time. Results scoring below scoreThreshold
	// are excluded.
	Search(ctx context.Context, name string, queryVector []float32, topK int, filterExpr string, scoreThreshold float64) ([]model.ScoredRecord, error)

	// Delete removes records matching filterExpr.
	Delete(ctx context.Context, name, filterExpr string) error

	// Stats reports count, dimension and backend kind for one collection.
	Stats(ctx context.Context, name string) (model.CollectionStats, error)

	// ListCollections names every collection in the backend.
	ListCollections(ctx context.Context) ([]string, error)

	// IsConnected reports whether the backend is reachable.
	IsConnected(ctx context.Context) bool

	Close() error
}
