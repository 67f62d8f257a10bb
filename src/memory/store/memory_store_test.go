package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Protocol-Lattice/recall/src/memory/model"
)

func mustEq(t *testing.T, field, value string) string {
	t.Helper()
	expr, err := model.Eq(field, value)
	if err != nil {
		t.Fatalf("Eq(%s, %s): %v", field, value, err)
	}
	return expr
}

func seedRecords(t *testing.T, s VectorStore, name string, n int) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateCollection(ctx, name, 4, "COSINE"); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	records := make([]model.MemoryRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, model.MemoryRecord{
			SessionID: fmt.Sprintf("sess-%d", i%2),
			PersonaID: "assistant",
			Content:   fmt.Sprintf("memory %d", i),
			Embedding: []float32{float32(i + 1), 1, 0, 0},
			CreatedAt: time.Unix(int64(1000+i), 0),
		})
	}
	if err := s.Insert(ctx, name, records); err != nil {
		t.Fatalf("Insert: %v", err)
	}
}

func TestInMemoryInsertAssignsIDs(t *testing.T) {
	s := NewInMemoryStore()
	seedRecords(t, s, "mem", 3)

	got, err := s.Query(context.Background(), "mem", model.BaseFilter, nil, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	seen := map[int64]bool{}
	for _, rec := range got {
		if rec.MemoryID <= 0 {
			t.Fatalf("record %q has non-positive id %d", rec.Content, rec.MemoryID)
		}
		if seen[rec.MemoryID] {
			t.Fatalf("duplicate memory id %d", rec.MemoryID)
		}
		seen[rec.MemoryID] = true
	}
}

func TestInMemoryCreateIdempotentAndMismatch(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	if err := s.CreateCollection(ctx, "mem", 4, ""); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := s.CreateCollection(ctx, "mem", 4, ""); err != nil {
		t.Fatalf("second create should be a no-op, got %v", err)
	}
	err := s.CreateCollection(ctx, "mem", 8, "")
	if !model.IsSchemaMismatch(err) {
		t.Fatalf("want schema mismatch, got %v", err)
	}
}

func TestInMemoryInsertDimCheckIsAtomic(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	if err := s.CreateCollection(ctx, "mem", 4, ""); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	err := s.Insert(ctx, "mem", []model.MemoryRecord{
		{Content: "ok", Embedding: []float32{1, 0, 0, 0}},
		{Content: "bad", Embedding: []float32{1, 0}},
	})
	if !model.IsSchemaMismatch(err) {
		t.Fatalf("want schema mismatch, got %v", err)
	}
	got, err := s.Query(ctx, "mem", "", nil, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("partial insert left %d records behind", len(got))
	}
}

func TestInMemoryQueryFilters(t *testing.T) {
	s := NewInMemoryStore()
	seedRecords(t, s, "mem", 4)
	ctx := context.Background()

	got, err := s.Query(ctx, "mem", mustEq(t, model.FieldSessionID, "sess-0"), nil, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("session filter matched %d records, want 2", len(got))
	}
	for _, rec := range got {
		if rec.SessionID != "sess-0" {
			t.Fatalf("filter leaked session %q", rec.SessionID)
		}
	}

	got, err = s.Query(ctx, "mem", "create_time >= 1002", nil, 0)
	if err != nil {
		t.Fatalf("Query with time filter: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("time filter matched %d records, want 2", len(got))
	}
}

func TestInMemoryQueryMissingCollection(t *testing.T) {
	s := NewInMemoryStore()
	got, err := s.Query(context.Background(), "nope", "", nil, 0)
	if err != nil {
		t.Fatalf("missing collection should not error on Query: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d records from a missing collection", len(got))
	}
}

func TestInMemorySearchOrderAndThreshold(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	if err := s.CreateCollection(ctx, "mem", 2, ""); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	err := s.Insert(ctx, "mem", []model.MemoryRecord{
		{Content: "aligned", Embedding: []float32{1, 0}, CreatedAt: time.Unix(1, 0)},
		{Content: "diagonal", Embedding: []float32{1, 1}, CreatedAt: time.Unix(2, 0)},
		{Content: "orthogonal", Embedding: []float32{0, 1}, CreatedAt: time.Unix(3, 0)},
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.Search(ctx, "mem", []float32{1, 0}, 10, "", 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("threshold kept %d results, want 2", len(got))
	}
	if got[0].Content != "aligned" || got[1].Content != "diagonal" {
		t.Fatalf("wrong order: %q then %q", got[0].Content, got[1].Content)
	}

	got, err = s.Search(ctx, "mem", []float32{1, 0}, 1, "", 0)
	if err != nil {
		t.Fatalf("Search topK=1: %v", err)
	}
	if len(got) != 1 || got[0].Content != "aligned" {
		t.Fatalf("topK truncation failed: %+v", got)
	}
}

func TestInMemoryDelete(t *testing.T) {
	s := NewInMemoryStore()
	seedRecords(t, s, "mem", 4)
	ctx := context.Background()

	if err := s.Delete(ctx, "mem", ""); err == nil {
		t.Fatal("empty filter delete must be refused")
	}
	if err := s.Delete(ctx, "mem", mustEq(t, model.FieldSessionID, "sess-1")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	stats, err := s.Stats(ctx, "mem")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Count != 2 {
		t.Fatalf("after delete count=%d, want 2", stats.Count)
	}
}

func TestInMemoryStats(t *testing.T) {
	s := NewInMemoryStore()
	seedRecords(t, s, "mem", 3)
	stats, err := s.Stats(context.Background(), "mem")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Count != 3 || stats.Dim != 4 || stats.Backend != model.BackendMemory {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if _, err := s.Stats(context.Background(), "nope"); !model.IsNotFound(err) {
		t.Fatalf("want not-found for missing collection, got %v", err)
	}
}

func TestFactoryUnknownBackend(t *testing.T) {
	if _, err := Open(FactoryOptions{Backend: "bolt"}); err == nil {
		t.Fatal("unknown backend must error")
	}
	s, err := Open(FactoryOptions{Backend: model.BackendMemory})
	if err != nil {
		t.Fatalf("open memory backend: %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("wrong store type %T", s)
	}
}

func TestInMemoryDropCollection(t *testing.T) {
	s := NewInMemoryStore()
	seedRecords(t, s, "mem", 2)
	ctx := context.Background()
	if err := s.DropCollection(ctx, "mem"); err != nil {
		t.Fatalf("DropCollection: %v", err)
	}
	if _, err := s.Stats(ctx, "mem"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("stats after drop: %v", err)
	}
	if err := s.DropCollection(ctx, "mem"); err != nil {
		t.Fatalf("double drop should be a no-op: %v", err)
	}
}
