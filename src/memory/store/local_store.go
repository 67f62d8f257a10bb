package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/Protocol-Lattice/recall/src/memory/model"
)

const sidecarName = "records.json"

// localSidecar is the on-disk shape of a collection's metadata file. It is
// the source of truth for scans, stats and migration; the chromem index next
// to it only serves similarity search.
type localSidecar struct {
	SchemaVersion int                  `json:"schemaVersion"`
	Name          string               `json:"name"`
	Dim           int                  `json:"dim"`
	NextID        int64                `json:"nextID"`
	Records       []model.MemoryRecord `json:"records"`
}

type localCollection struct {
	mu      sync.RWMutex
	sidecar localSidecar
	path    string // directory holding records.json
}

// LocalStore keeps memories on the local filesystem: a chromem-go index for
// vector search plus a JSON sidecar per collection. Everything survives a
// restart without any external service.
type LocalStore struct {
	dataDir string
	db      *chromem.DB
	log     *slog.Logger

	mu          sync.RWMutex
	collections map[string]*localCollection

	// addDocs writes a batch into the chromem index. Tests swap it out to
	// exercise the index-failure path.
	addDocs func(ctx context.Context, cc *chromem.Collection, docs []chromem.Document) error
}

// NewLocalStore opens (or creates) the store rooted at dataDir and reloads
// every collection found there.
func NewLocalStore(dataDir string, logger *slog.Logger) (*LocalStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := chromem.NewPersistentDB(filepath.Join(dataDir, "index"), false)
	if err != nil {
		return nil, fmt.Errorf("open chromem index: %w", err)
	}
	ls := &LocalStore{
		dataDir:     dataDir,
		db:          db,
		log:         logger.With("store", "local"),
		collections: make(map[string]*localCollection),
		addDocs: func(ctx context.Context, cc *chromem.Collection, docs []chromem.Document) error {
			return cc.AddDocuments(ctx, docs, 1)
		},
	}
	if err := ls.reload(); err != nil {
		return nil, err
	}
	return ls, nil
}

func (ls *LocalStore) reload() error {
	entries, err := os.ReadDir(ls.dataDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "index" {
			continue
		}
		dir := filepath.Join(ls.dataDir, entry.Name())
		raw, err := os.ReadFile(filepath.Join(dir, sidecarName))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read collection %q: %w", entry.Name(), err)
		}
		var sc localSidecar
		if err := json.Unmarshal(raw, &sc); err != nil {
			return fmt.Errorf("decode collection %q: %w", entry.Name(), err)
		}
		if err := ls.ensureIndex(&sc); err != nil {
			return err
		}
		ls.collections[sc.Name] = &localCollection{sidecar: sc, path: dir}
		ls.log.Debug("collection loaded", "collection", sc.Name, "count", len(sc.Records))
	}
	return nil
}

// ensureIndex rebuilds a collection's chromem index from its sidecar when the
// index directory was lost or fell behind. The sidecar is the source of
// truth; re-adding a document that already exists overwrites it in place.
func (ls *LocalStore) ensureIndex(sc *localSidecar) error {
	cc := ls.db.GetCollection(sc.Name, nil)
	if cc != nil && cc.Count() >= len(sc.Records) {
		return nil
	}
	if cc == nil {
		var err error
		cc, err = ls.db.GetOrCreateCollection(sc.Name, nil, nil)
		if err != nil {
			return fmt.Errorf("recreate index for %q: %w", sc.Name, err)
		}
	}
	if len(sc.Records) == 0 {
		return nil
	}
	docs := make([]chromem.Document, 0, len(sc.Records))
	for _, rec := range sc.Records {
		docs = append(docs, indexDocument(rec))
	}
	if err := ls.addDocs(context.Background(), cc, docs); err != nil {
		return fmt.Errorf("rebuild index for %q: %w", sc.Name, err)
	}
	ls.log.Warn("index rebuilt from sidecar", "collection", sc.Name, "records", len(docs))
	return nil
}

func indexDocument(rec model.MemoryRecord) chromem.Document {
	return chromem.Document{
		ID:        strconv.FormatInt(rec.MemoryID, 10),
		Content:   rec.Content,
		Embedding: rec.Embedding,
		Metadata: map[string]string{
			model.FieldSessionID:  rec.SessionID,
			model.FieldPersonaID:  rec.PersonaID,
			model.FieldCreateTime: strconv.FormatInt(rec.CreatedAt.Unix(), 10),
		},
	}
}

func (ls *LocalStore) CreateCollection(ctx context.Context, name string, dim int, indexKind string) error {
	if dim <= 0 {
		return fmt.Errorf("collection %q: dimension must be positive", name)
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if col, ok := ls.collections[name]; ok {
		if col.sidecar.Dim != dim {
			return &model.SchemaMismatchError{Collection: name, Want: col.sidecar.Dim, Got: dim}
		}
		return nil
	}
	dir := filepath.Join(ls.dataDir, sanitizeDirName(name))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create collection %q: %w", name, err)
	}
	col := &localCollection{
		sidecar: localSidecar{SchemaVersion: 1, Name: name, Dim: dim, NextID: 1},
		path:    dir,
	}
	if err := col.save(); err != nil {
		return err
	}
	if _, err := ls.db.GetOrCreateCollection(name, nil, nil); err != nil {
		return fmt.Errorf("create index for %q: %w", name, err)
	}
	ls.collections[name] = col
	ls.log.InfoContext(ctx, "collection created", "collection", name, "dim", dim)
	return nil
}

func (ls *LocalStore) DropCollection(ctx context.Context, name string) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	col, ok := ls.collections[name]
	if !ok {
		return nil
	}
	if err := ls.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("drop index for %q: %w", name, err)
	}
	if err := os.RemoveAll(col.path); err != nil {
		return fmt.Errorf("drop collection %q: %w", name, err)
	}
	delete(ls.collections, name)
	ls.log.InfoContext(ctx, "collection dropped", "collection", name)
	return nil
}

// EnsureLoaded is trivially satisfied for a local store: collections are in
// memory from the moment the store opens.
func (ls *LocalStore) EnsureLoaded(ctx context.Context, name string) error {
	ls.mu.RLock()
	_, ok := ls.collections[name]
	ls.mu.RUnlock()
	if !ok {
		return fmt.Errorf("collection %q: %w", name, model.ErrNotFound)
	}
	return nil
}

func (ls *LocalStore) Insert(ctx context.Context, name string, records []model.MemoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	col, err := ls.collection(name)
	if err != nil {
		return err
	}
	col.mu.Lock()
	defer col.mu.Unlock()
	for _, rec := range records {
		if len(rec.Embedding) != col.sidecar.Dim {
			return &model.SchemaMismatchError{Collection: name, Want: col.sidecar.Dim, Got: len(rec.Embedding)}
		}
	}

	docs := make([]chromem.Document, 0, len(records))
	added := make([]model.MemoryRecord, 0, len(records))
	for _, rec := range records {
		rec.MemoryID = col.sidecar.NextID
		col.sidecar.NextID++
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		rec.Embedding = append([]float32(nil), rec.Embedding...)
		added = append(added, rec)
		docs = append(docs, indexDocument(rec))
	}
	rollback := func() {
		col.sidecar.Records = col.sidecar.Records[:len(col.sidecar.Records)-len(added)]
		col.sidecar.NextID -= int64(len(added))
	}
	col.sidecar.Records = append(col.sidecar.Records, added...)
	if err := col.save(); err != nil {
		rollback()
		return model.Transient(err)
	}
	cc, err := ls.db.GetOrCreateCollection(name, nil, nil)
	if err == nil {
		err = ls.addDocs(ctx, cc, docs)
	}
	if err != nil {
		// Keep the sidecar and the index in step: the batch must not be
		// visible to scans while missing from search.
		rollback()
		if saveErr := col.save(); saveErr != nil {
			return fmt.Errorf("index %d records in %q: %w (sidecar rollback failed: %v)", len(docs), name, err, saveErr)
		}
		return fmt.Errorf("index %d records in %q: %w", len(docs), name, err)
	}
	ls.log.DebugContext(ctx, "records inserted", "collection", name, "count", len(added))
	return nil
}

func (ls *LocalStore) Query(ctx context.Context, name, filterExpr string, outputFields []string, limit int) ([]model.MemoryRecord, error) {
	col, err := ls.collection(name)
	if err != nil {
		if model.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	filter, err := model.ParseFilter(filterExpr)
	if err != nil {
		return nil, err
	}
	col.mu.RLock()
	defer col.mu.RUnlock()
	var out []model.MemoryRecord
	for _, rec := range col.sidecar.Records {
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

func (ls *LocalStore) Search(ctx context.Context, name string, queryVector []float32, topK int, filterExpr string, scoreThreshold float64) ([]model.ScoredRecord, error) {
	if topK <= 0 {
		return nil, nil
	}
	col, err := ls.collection(name)
	if err != nil {
		if model.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	filter, err := model.ParseFilter(filterExpr)
	if err != nil {
		return nil, err
	}
	col.mu.RLock()
	total := len(col.sidecar.Records)
	byID := make(map[int64]model.MemoryRecord, total)
	for _, rec := range col.sidecar.Records {
		byID[rec.MemoryID] = rec
	}
	col.mu.RUnlock()
	if total == 0 {
		return nil, nil
	}

	cc, err := ls.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("index for %q: %w", name, err)
	}
	// Equality conditions on session or persona can be pushed down to the
	// index; the remaining conditions run against the sidecar rows below.
	where := whereFromFilter(filter)

	// Over-fetch relative to topK so post-filter rejections still leave
	// enough candidates, capped by the collection size chromem enforces.
	want := topK * 4
	if want > total {
		want = total
	}
	var results []chromem.Result
	for n := want; n >= 1; n-- {
		results, err = cc.QueryEmbedding(ctx, queryVector, n, where, nil)
		if err == nil {
			break
		}
		if strings.Contains(err.Error(), "nResults must be") ||
			strings.Contains(err.Error(), "number of documents") {
			if n == 1 {
				return nil, nil
			}
			continue
		}
		return nil, fmt.Errorf("search %q: %w", name, err)
	}

	out := make([]model.ScoredRecord, 0, len(results))
	for _, res := range results {
		id, err := strconv.ParseInt(res.ID, 10, 64)
		if err != nil {
			continue
		}
		rec, ok := byID[id]
		if !ok || !filter.Matches(rec) {
			continue
		}
		score := float64(res.Similarity)
		if score < scoreThreshold {
			continue
		}
		out = append(out, model.ScoredRecord{MemoryRecord: rec, Score: score})
	}
	model.SortScoredRecords(out)
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (ls *LocalStore) Delete(ctx context.Context, name, filterExpr string) error {
	if strings.TrimSpace(filterExpr) == "" {
		return errors.New("refusing to delete with an empty filter")
	}
	col, err := ls.collection(name)
	if err != nil {
		if model.IsNotFound(err) {
			return nil
		}
		return err
	}
	filter, err := model.ParseFilter(filterExpr)
	if err != nil {
		return err
	}
	col.mu.Lock()
	defer col.mu.Unlock()
	var kept []model.MemoryRecord
	var removedIDs []string
	for _, rec := range col.sidecar.Records {
		if filter.Matches(rec) {
			removedIDs = append(removedIDs, strconv.FormatInt(rec.MemoryID, 10))
			continue
		}
		kept = append(kept, rec)
	}
	if len(removedIDs) == 0 {
		return nil
	}
	col.sidecar.Records = kept
	if err := col.save(); err != nil {
		return model.Transient(err)
	}
	cc, err := ls.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return fmt.Errorf("index for %q: %w", name, err)
	}
	if err := cc.Delete(ctx, nil, nil, removedIDs...); err != nil {
		return fmt.Errorf("delete %d records from index %q: %w", len(removedIDs), name, err)
	}
	ls.log.DebugContext(ctx, "records deleted", "collection", name, "count", len(removedIDs))
	return nil
}

func (ls *LocalStore) Stats(ctx context.Context, name string) (model.CollectionStats, error) {
	col, err := ls.collection(name)
	if err != nil {
		return model.CollectionStats{}, err
	}
	col.mu.RLock()
	defer col.mu.RUnlock()
	return model.CollectionStats{
		Name:    name,
		Count:   len(col.sidecar.Records),
		Dim:     col.sidecar.Dim,
		Backend: model.BackendLocal,
	}, nil
}

func (ls *LocalStore) ListCollections(ctx context.Context) ([]string, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	names := make([]string, 0, len(ls.collections))
	for name := range ls.collections {
		names = append(names, name)
	}
	return names, nil
}

// IsConnected always reports true once the store opened: there is no remote
// party to lose.
func (ls *LocalStore) IsConnected(ctx context.Context) bool { return true }

func (ls *LocalStore) Close() error { return nil }

func (ls *LocalStore) collection(name string) (*localCollection, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	col, ok := ls.collections[name]
	if !ok {
		return nil, fmt.Errorf("collection %q: %w", name, model.ErrNotFound)
	}
	return col, nil
}

// save writes the sidecar atomically: temp file in the same directory, then
// rename.
func (c *localCollection) save() error {
	data, err := json.MarshalIndent(&c.sidecar, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(c.path, sidecarName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(c.path, sidecarName))
}

func whereFromFilter(f model.Filter) map[string]string {
	var where map[string]string
	for _, cond := range f {
		if cond.Op != "==" || cond.IsNum {
			continue
		}
		if cond.Field != model.FieldSessionID && cond.Field != model.FieldPersonaID {
			continue
		}
		if where == nil {
			where = make(map[string]string)
		}
		where[cond.Field] = cond.Str
	}
	return where
}

func sanitizeDirName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, name)
}
