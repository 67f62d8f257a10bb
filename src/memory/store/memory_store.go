package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/Protocol-Lattice/recall/src/memory/model"
)

// InMemoryStore is a process-local VectorStore. It backs tests and acts as a
// scratch backend; nothing survives a restart.
type InMemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	dim     int
	nextID  int64
	records []model.MemoryRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{collections: make(map[string]*memCollection)}
}

func (s *InMemoryStore) CreateCollection(_ context.Context, name string, dim int, _ string) error {
	if dim <= 0 {
		return fmt.Errorf("collection %q: dimension must be positive", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.collections[name]; ok {
		if existing.dim != dim {
			return &model.SchemaMismatchError{Collection: name, Want: existing.dim, Got: dim}
		}
		return nil
	}
	s.collections[name] = &memCollection{dim: dim, nextID: 1}
	return nil
}

func (s *InMemoryStore) DropCollection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, name)
	return nil
}

// EnsureLoaded is a no-op: the index is always memory-resident.
func (s *InMemoryStore) EnsureLoaded(context.Context, string) error { return nil }

func (s *InMemoryStore) Insert(_ context.Context, name string, records []model.MemoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[name]
	if !ok {
		return fmt.Errorf("collection %q: %w", name, model.ErrNotFound)
	}
	for _, rec := range records {
		if len(rec.Embedding) != col.dim {
			return &model.SchemaMismatchError{Collection: name, Want: col.dim, Got: len(rec.Embedding)}
		}
	}
	for _, rec := range records {
		rec.Embedding = append([]float32(nil), rec.Embedding...)
		rec.MemoryID = col.nextID
		col.nextID++
		col.records = append(col.records, rec)
	}
	return nil
}

func (s *InMemoryStore) Query(_ context.Context, name, filterExpr string, _ []string, limit int) ([]model.MemoryRecord, error) {
	filter, err := model.ParseFilter(filterExpr)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.collections[name]
	if !ok {
		return nil, nil
	}
	var out []model.MemoryRecord
	for _, rec := range col.records {
		if !filter.Matches(rec) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) Search(_ context.Context, name string, queryVector []float32, topK int, filterExpr string, scoreThreshold float64) ([]model.ScoredRecord, error) {
	if topK <= 0 {
		return nil, nil
	}
	filter, err := model.ParseFilter(filterExpr)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.collections[name]
	if !ok {
		return nil, nil
	}
	var results []model.ScoredRecord
	for _, rec := range col.records {
		if !filter.Matches(rec) {
			continue
		}
		score := model.CosineSimilarity(queryVector, rec.Embedding)
		if score < scoreThreshold {
			continue
		}
		results = append(results, model.ScoredRecord{MemoryRecord: rec, Score: score})
	}
	model.SortScoredRecords(results)
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (s *InMemoryStore) Delete(_ context.Context, name, filterExpr string) error {
	filter, err := model.ParseFilter(filterExpr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[name]
	if !ok {
		return nil
	}
	kept := col.records[:0]
	for _, rec := range col.records {
		if !filter.Matches(rec) {
			kept = append(kept, rec)
		}
	}
	col.records = kept
	return nil
}

func (s *InMemoryStore) Stats(_ context.Context, name string) (model.CollectionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.collections[name]
	if !ok {
		return model.CollectionStats{}, fmt.Errorf("collection %q: %w", name, model.ErrNotFound)
	}
	return model.CollectionStats{
		Name:    name,
		Count:   len(col.records),
		Dim:     col.dim,
		Backend: model.BackendMemory,
	}, nil
}

func (s *InMemoryStore) ListCollections(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	return names, nil
}

func (s *InMemoryStore) IsConnected(context.Context) bool { return true }

func (s *InMemoryStore) Close() error { return nil }
