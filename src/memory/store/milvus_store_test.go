package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Protocol-Lattice/recall/src/memory/model"
	"github.com/Protocol-Lattice/recall/src/retry"
)

// fakeMilvus is a minimal RESTful v2 endpoint double. Handlers are keyed by
// path; unhandled paths return an envelope error.
type fakeMilvus struct {
	mu       sync.Mutex
	calls    map[string]int
	handlers map[string]func(body map[string]any) (int, string, any)
	server   *httptest.Server
}

func newFakeMilvus(t *testing.T) *fakeMilvus {
	t.Helper()
	f := &fakeMilvus{
		calls:    make(map[string]int),
		handlers: make(map[string]func(map[string]any) (int, string, any)),
	}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		f.mu.Lock()
		f.calls[r.URL.Path]++
		h, ok := f.handlers[r.URL.Path]
		f.mu.Unlock()
		if !ok {
			writeEnvelope(w, 1, fmt.Sprintf("unhandled path %s", r.URL.Path), nil)
			return
		}
		code, msg, data := h(body)
		writeEnvelope(w, code, msg, data)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func writeEnvelope(w http.ResponseWriter, code int, msg string, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "message": msg, "data": data})
}

func (f *fakeMilvus) handle(path string, fn func(map[string]any) (int, string, any)) {
	f.mu.Lock()
	f.handlers[path] = fn
	f.mu.Unlock()
}

func (f *fakeMilvus) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeMilvus) store() *MilvusStore {
	fast := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	return NewMilvusStore(MilvusOptions{Address: f.server.URL, Policy: &fast})
}

func describeData(dim int) any {
	return map[string]any{
		"collectionName": "mem",
		"fields": []map[string]any{
			{
				"name": model.FieldEmbedding,
				"type": "FloatVector",
				"params": []map[string]any{
					{"key": "dim", "value": fmt.Sprintf("%d", dim)},
				},
			},
		},
	}
}

func TestMilvusCreateCollection(t *testing.T) {
	f := newFakeMilvus(t)
	exists := false
	f.handle("/v2/vectordb/collections/describe", func(map[string]any) (int, string, any) {
		if !exists {
			return 100, "can't find collection: mem", nil
		}
		return 0, "", describeData(4)
	})
	f.handle("/v2/vectordb/collections/create", func(body map[string]any) (int, string, any) {
		if body["dimension"].(float64) != 4 || body["autoID"] != true {
			t.Errorf("unexpected create body: %v", body)
		}
		exists = true
		return 0, "", nil
	})

	ms := f.store()
	ctx := context.Background()
	if err := ms.CreateCollection(ctx, "mem", 4, ""); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if f.callCount("/v2/vectordb/collections/create") != 1 {
		t.Fatalf("create called %d times", f.callCount("/v2/vectordb/collections/create"))
	}
	// Re-create with the same dim is a no-op.
	if err := ms.CreateCollection(ctx, "mem", 4, ""); err != nil {
		t.Fatalf("second CreateCollection: %v", err)
	}
	if f.callCount("/v2/vectordb/collections/create") != 1 {
		t.Fatal("idempotent create issued a second create call")
	}
	// Different dim against the live collection is a schema mismatch.
	if err := ms.CreateCollection(ctx, "mem", 8, ""); !model.IsSchemaMismatch(err) {
		t.Fatalf("want schema mismatch, got %v", err)
	}
}

func TestMilvusInsertDimMismatch(t *testing.T) {
	f := newFakeMilvus(t)
	f.handle("/v2/vectordb/collections/describe", func(map[string]any) (int, string, any) {
		return 0, "", describeData(4)
	})
	ms := f.store()
	err := ms.Insert(context.Background(), "mem", []model.MemoryRecord{
		{Content: "short", Embedding: []float32{1, 2}},
	})
	if !model.IsSchemaMismatch(err) {
		t.Fatalf("want schema mismatch, got %v", err)
	}
	if f.callCount("/v2/vectordb/entities/insert") != 0 {
		t.Fatal("insert endpoint called despite local dim check")
	}
}

func TestMilvusInsertAndFlush(t *testing.T) {
	f := newFakeMilvus(t)
	f.handle("/v2/vectordb/collections/describe", func(map[string]any) (int, string, any) {
		return 0, "", describeData(2)
	})
	f.handle("/v2/vectordb/entities/insert", func(body map[string]any) (int, string, any) {
		rows := body["data"].([]any)
		return 0, "", map[string]any{"insertCount": len(rows)}
	})
	f.handle("/v2/vectordb/collections/flush", func(map[string]any) (int, string, any) { return 0, "", nil })

	ms := f.store()
	err := ms.Insert(context.Background(), "mem", []model.MemoryRecord{
		{SessionID: "s1", Content: "a", Embedding: []float32{1, 0}, CreatedAt: time.Unix(10, 0)},
		{SessionID: "s1", Content: "b", Embedding: []float32{0, 1}, CreatedAt: time.Unix(11, 0)},
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if f.callCount("/v2/vectordb/collections/flush") != 1 {
		t.Fatal("flush not attempted after insert")
	}
}

func TestMilvusSearchLoadsWhenNotLoaded(t *testing.T) {
	var mu sync.Mutex
	loaded := false
	loadCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.URL.Path {
		case "/v2/vectordb/entities/search":
			if !loaded {
				writeEnvelope(w, 65535, "collection not loaded", nil)
				return
			}
			writeEnvelope(w, 0, "", []map[string]any{
				{
					"memory_id":      float64(7),
					"session_id":     "s1",
					"personality_id": "p",
					"content":        "hello",
					"create_time":    float64(100),
					"distance":       0.92,
				},
			})
		case "/v2/vectordb/collections/get_load_state":
			state := loadStateNotLoad
			if loaded {
				state = loadStateLoaded
			}
			writeEnvelope(w, 0, "", map[string]any{"loadState": state})
		case "/v2/vectordb/collections/load":
			loaded = true
			loadCalls++
			writeEnvelope(w, 0, "", nil)
		default:
			writeEnvelope(w, 1, "unhandled "+r.URL.Path, nil)
		}
	}))
	defer srv.Close()

	fast := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	ms := NewMilvusStore(MilvusOptions{Address: srv.URL, Policy: &fast})
	got, err := ms.Search(context.Background(), "mem", []float32{1, 0}, 5, "", 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].MemoryID != 7 || got[0].Score != 0.92 {
		t.Fatalf("unexpected results: %+v", got)
	}
	mu.Lock()
	calls := loadCalls
	mu.Unlock()
	if calls != 1 {
		t.Fatal("collection was never loaded")
	}
	if got[0].CreatedAt.Unix() != 100 {
		t.Fatalf("create_time lost: %v", got[0].CreatedAt)
	}
}

func TestMilvusQueryPaginates(t *testing.T) {
	f := newFakeMilvus(t)
	total := 1500
	f.handle("/v2/vectordb/entities/query", func(body map[string]any) (int, string, any) {
		offset := int(body["offset"].(float64))
		limit := int(body["limit"].(float64))
		var rows []map[string]any
		for i := offset; i < total && len(rows) < limit; i++ {
			rows = append(rows, map[string]any{
				"memory_id":   float64(i + 1),
				"session_id":  "s1",
				"content":     fmt.Sprintf("row %d", i),
				"create_time": float64(i),
			})
		}
		return 0, "", rows
	})

	ms := f.store()
	got, err := ms.Query(context.Background(), "mem", "", nil, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != total {
		t.Fatalf("got %d rows, want %d", len(got), total)
	}
	if f.callCount("/v2/vectordb/entities/query") < 2 {
		t.Fatal("expected paginated query calls")
	}

	got, err = ms.Query(context.Background(), "mem", "", nil, 10)
	if err != nil {
		t.Fatalf("limited Query: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("limit ignored: got %d rows", len(got))
	}
}

func TestMilvusServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	}))
	defer srv.Close()
	fast := retry.Policy{MaxAttempts: 1}
	ms := NewMilvusStore(MilvusOptions{Address: srv.URL, Policy: &fast})
	_, err := ms.ListCollections(context.Background())
	if !model.IsTransient(err) {
		t.Fatalf("5xx should classify as transient, got %v", err)
	}
}

func TestMilvusStats(t *testing.T) {
	f := newFakeMilvus(t)
	f.handle("/v2/vectordb/collections/describe", func(map[string]any) (int, string, any) {
		return 0, "", describeData(4)
	})
	f.handle("/v2/vectordb/collections/get_stats", func(map[string]any) (int, string, any) {
		return 0, "", map[string]any{"rowCount": 42}
	})
	ms := f.store()
	stats, err := ms.Stats(context.Background(), "mem")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Count != 42 || stats.Dim != 4 || stats.Backend != model.BackendMilvus {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
