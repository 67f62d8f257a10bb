package migrate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Protocol-Lattice/recall/src/memory/model"
	"github.com/Protocol-Lattice/recall/src/memory/store"
)

func seedSource(t *testing.T, n int) store.VectorStore {
	t.Helper()
	src := store.NewInMemoryStore()
	ctx := context.Background()
	if err := src.CreateCollection(ctx, "mem", 4, ""); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	records := make([]model.MemoryRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, model.MemoryRecord{
			SessionID: fmt.Sprintf("s%d", i%3),
			PersonaID: "p",
			Content:   fmt.Sprintf("memory %d", i),
			Embedding: []float32{float32(i), 1, 2, 3},
			CreatedAt: time.Unix(int64(i), 0),
		})
	}
	if err := src.Insert(ctx, "mem", records); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return src
}

func TestRunCopiesEverything(t *testing.T) {
	src := seedSource(t, 25)
	dst := store.NewInMemoryStore()
	ctx := context.Background()

	var progress [][2]int
	res, err := Run(ctx, src, dst, Options{
		Collection: "mem",
		BatchSize:  10,
		Progress:   func(copied, total int) { progress = append(progress, [2]int{copied, total}) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Migrated != 25 || res.SourceCount != 25 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.JobID == "" {
		t.Fatal("missing job id")
	}
	if len(progress) != 3 || progress[2] != [2]int{25, 25} {
		t.Fatalf("progress callbacks wrong: %v", progress)
	}

	// Source untouched.
	srcStats, _ := src.Stats(ctx, "mem")
	if srcStats.Count != 25 {
		t.Fatalf("source modified: %+v", srcStats)
	}
	// Target holds identical content.
	got, err := dst.Query(ctx, "mem", "", nil, 0)
	if err != nil {
		t.Fatalf("target Query: %v", err)
	}
	if len(got) != 25 {
		t.Fatalf("target has %d records", len(got))
	}
	byContent := make(map[string]model.MemoryRecord, len(got))
	for _, rec := range got {
		byContent[rec.Content] = rec
	}
	orig, _ := src.Query(ctx, "mem", "", nil, 0)
	for _, want := range orig {
		rec, ok := byContent[want.Content]
		if !ok {
			t.Fatalf("record %q missing from target", want.Content)
		}
		if rec.SessionID != want.SessionID || rec.PersonaID != want.PersonaID {
			t.Fatalf("identity fields lost: %+v vs %+v", rec, want)
		}
		if !rec.CreatedAt.Equal(want.CreatedAt) {
			t.Fatalf("timestamp lost on %q", want.Content)
		}
		if len(rec.Embedding) != len(want.Embedding) {
			t.Fatalf("embedding lost on %q", want.Content)
		}
	}
}

func TestRunEmptySource(t *testing.T) {
	src := store.NewInMemoryStore()
	if err := src.CreateCollection(context.Background(), "mem", 4, ""); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	res, err := Run(context.Background(), src, store.NewInMemoryStore(), Options{Collection: "mem"})
	if err != nil {
		t.Fatalf("Run on empty source: %v", err)
	}
	if res.Migrated != 0 || res.SourceCount != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRunMissingSourceCollection(t *testing.T) {
	_, err := Run(context.Background(), store.NewInMemoryStore(), store.NewInMemoryStore(), Options{Collection: "ghost"})
	if !model.IsNotFound(err) {
		t.Fatalf("want not-found, got %v", err)
	}
}

type insertFailStore struct {
	store.VectorStore
	failAfter int
	batches   int
}

func (f *insertFailStore) Insert(ctx context.Context, name string, recs []model.MemoryRecord) error {
	f.batches++
	if f.batches > f.failAfter {
		return model.Transient(errors.New("target gone"))
	}
	return f.VectorStore.Insert(ctx, name, recs)
}

func TestRunReportsIncompleteOnTargetFailure(t *testing.T) {
	src := seedSource(t, 30)
	dst := &insertFailStore{VectorStore: store.NewInMemoryStore(), failAfter: 2}

	res, err := Run(context.Background(), src, dst, Options{Collection: "mem", BatchSize: 10})
	if !errors.Is(err, model.ErrMigrationIncomplete) {
		t.Fatalf("want incomplete migration error, got %v", err)
	}
	if res.Migrated != 20 {
		t.Fatalf("copied %d before failing, want 20", res.Migrated)
	}
	var inc *model.MigrationIncompleteError
	if !errors.As(err, &inc) {
		t.Fatalf("typed error missing: %v", err)
	}
	if inc.SourceCount != 30 || inc.TargetCount != 20 {
		t.Fatalf("wrong counts in error: %+v", inc)
	}
	// Source still intact, run can be retried.
	stats, _ := src.Stats(context.Background(), "mem")
	if stats.Count != 30 {
		t.Fatalf("source modified by failed run: %+v", stats)
	}
}

// projectingStore honors output fields on Query the way the networked backend
// does: fields the caller did not ask for come back zeroed.
type projectingStore struct {
	store.VectorStore
}

func (p *projectingStore) Query(ctx context.Context, name, filterExpr string, outputFields []string, limit int) ([]model.MemoryRecord, error) {
	recs, err := p.VectorStore.Query(ctx, name, filterExpr, outputFields, limit)
	if err != nil || len(outputFields) == 0 {
		return recs, err
	}
	want := make(map[string]bool, len(outputFields))
	for _, f := range outputFields {
		want[f] = true
	}
	out := make([]model.MemoryRecord, len(recs))
	for i, rec := range recs {
		var proj model.MemoryRecord
		if want[model.FieldMemoryID] {
			proj.MemoryID = rec.MemoryID
		}
		if want[model.FieldSessionID] {
			proj.SessionID = rec.SessionID
		}
		if want[model.FieldPersonaID] {
			proj.PersonaID = rec.PersonaID
		}
		if want[model.FieldContent] {
			proj.Content = rec.Content
		}
		if want[model.FieldEmbedding] {
			proj.Embedding = rec.Embedding
		}
		if want[model.FieldCreateTime] {
			proj.CreatedAt = rec.CreatedAt
		}
		out[i] = proj
	}
	return out, nil
}

func TestRunReadsFullRecordsFromProjectingSource(t *testing.T) {
	src := &projectingStore{VectorStore: seedSource(t, 6)}
	dst := store.NewInMemoryStore()
	ctx := context.Background()

	res, err := Run(ctx, src, dst, Options{Collection: "mem", BatchSize: 4})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Migrated != 6 {
		t.Fatalf("migrated %d, want 6", res.Migrated)
	}
	got, err := dst.Query(ctx, "mem", "", nil, 0)
	if err != nil {
		t.Fatalf("target Query: %v", err)
	}
	for _, rec := range got {
		if len(rec.Embedding) != 4 {
			t.Fatalf("embedding lost in transit: %+v", rec)
		}
		if rec.SessionID == "" || rec.PersonaID == "" {
			t.Fatalf("identity fields lost in transit: %+v", rec)
		}
	}
}

// droppingStore acknowledges inserts without storing anything.
type droppingStore struct {
	store.VectorStore
}

func (d *droppingStore) Insert(context.Context, string, []model.MemoryRecord) error { return nil }

func TestRunDetectsSilentTargetLoss(t *testing.T) {
	src := seedSource(t, 5)
	dst := &droppingStore{VectorStore: store.NewInMemoryStore()}
	ctx := context.Background()

	// A target that already holds records must not mask the lost batch.
	if err := dst.VectorStore.CreateCollection(ctx, "mem", 4, ""); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	pad := make([]model.MemoryRecord, 10)
	for i := range pad {
		pad[i] = model.MemoryRecord{Content: "old", Embedding: []float32{1, 2, 3, 4}}
	}
	if err := dst.VectorStore.Insert(ctx, "mem", pad); err != nil {
		t.Fatalf("seed target: %v", err)
	}

	_, err := Run(ctx, src, dst, Options{Collection: "mem"})
	var inc *model.MigrationIncompleteError
	if !errors.As(err, &inc) {
		t.Fatalf("want incomplete migration error, got %v", err)
	}
	if inc.SourceCount != 5 || inc.TargetCount != 0 {
		t.Fatalf("wrong counts in error: %+v", inc)
	}
}

func TestRunRequiresCollection(t *testing.T) {
	if _, err := Run(context.Background(), store.NewInMemoryStore(), store.NewInMemoryStore(), Options{}); err == nil {
		t.Fatal("missing collection must error")
	}
}
