package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Protocol-Lattice/recall/src/memory/model"
	"github.com/Protocol-Lattice/recall/src/retry"
)

// MilvusStore talks to a Milvus cluster over its RESTful v2 API. Collections
// have an explicit loaded-into-memory state distinct from existing, so search
// paths go through EnsureLoaded.
type MilvusStore struct {
	baseURL string
	token   string
	client  *http.Client
	policy  retry.Policy
	log     *slog.Logger

	mu   sync.Mutex
	dims map[string]int // collection -> dimension, filled lazily
}

// MilvusOptions configures the adapter. Address defaults to the local
// standalone deployment.
type MilvusOptions struct {
	Address string
	Token   string
	Timeout time.Duration
	Policy  *retry.Policy
	Logger  *slog.Logger
}

func NewMilvusStore(opts MilvusOptions) *MilvusStore {
	addr := opts.Address
	if addr == "" {
		addr = "http://localhost:19530"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	policy := retry.DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MilvusStore{
		baseURL: strings.TrimRight(addr, "/"),
		token:   opts.Token,
		client:  &http.Client{Timeout: timeout},
		policy:  policy,
		log:     logger.With("store", "milvus"),
		dims:    make(map[string]int),
	}
}

// milvusEnvelope is the uniform response wrapper. Older servers answer 200
// for success where current ones answer 0.
type milvusEnvelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func (e *milvusEnvelope[T]) ok() bool { return e.Code == 0 || e.Code == 200 }

type milvusField struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Params []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"params"`
}

type milvusDescribe struct {
	CollectionName string        `json:"collectionName"`
	Load           string        `json:"load"`
	Fields         []milvusField `json:"fields"`
}

const (
	loadStateLoaded   = "LoadStateLoaded"
	loadStateLoading  = "LoadStateLoading"
	loadStateNotLoad  = "LoadStateNotLoad"
	loadStateNotExist = "LoadStateNotExist"
)

func (ms *MilvusStore) CreateCollection(ctx context.Context, name string, dim int, indexKind string) error {
	if dim <= 0 {
		return fmt.Errorf("collection %q: dimension must be positive", name)
	}
	existing, err := ms.describe(ctx, name)
	if err == nil && existing != nil {
		got := dimFromFields(existing.Fields)
		if got != 0 && got != dim {
			return &model.SchemaMismatchError{Collection: name, Want: got, Got: dim}
		}
		ms.rememberDim(name, dim)
		return nil
	}
	if err != nil && !model.IsNotFound(err) {
		return err
	}

	metric := strings.ToUpper(indexKind)
	if metric == "" {
		metric = "COSINE"
	}
	body := map[string]any{
		"collectionName":   name,
		"dimension":        dim,
		"metricType":       metric,
		"idType":           "Int64",
		"autoID":           true,
		"primaryFieldName": model.FieldMemoryID,
		"vectorFieldName":  model.FieldEmbedding,
	}
	err = ms.policy.Do(ctx, func() error {
		var resp milvusEnvelope[json.RawMessage]
		if err := ms.do(ctx, "/v2/vectordb/collections/create", body, &resp); err != nil {
			return err
		}
		if !resp.ok() {
			if strings.Contains(strings.ToLower(resp.Message), "already exist") {
				return nil
			}
			return retry.Permanent(fmt.Errorf("create collection %q: %s", name, resp.Message))
		}
		return nil
	})
	if err != nil {
		return err
	}
	ms.rememberDim(name, dim)
	ms.log.InfoContext(ctx, "collection created", "collection", name, "dim", dim, "metric", metric)
	return nil
}

func (ms *MilvusStore) DropCollection(ctx context.Context, name string) error {
	var resp milvusEnvelope[json.RawMessage]
	if err := ms.do(ctx, "/v2/vectordb/collections/drop", map[string]any{"collectionName": name}, &resp); err != nil {
		return err
	}
	if !resp.ok() {
		return fmt.Errorf("drop collection %q: %s", name, resp.Message)
	}
	ms.mu.Lock()
	delete(ms.dims, name)
	ms.mu.Unlock()
	ms.log.InfoContext(ctx, "collection dropped", "collection", name)
	return nil
}

// EnsureLoaded checks the server-side load state and loads the collection if
// needed, waiting for completion. A failed or stuck load is released before
// the next attempt so the state is never ambiguous.
func (ms *MilvusStore) EnsureLoaded(ctx context.Context, name string) error {
	state, err := ms.loadState(ctx, name)
	if err != nil {
		return err
	}
	switch state {
	case loadStateLoaded:
		return nil
	case loadStateNotExist:
		return fmt.Errorf("collection %q: %w", name, model.ErrNotFound)
	}

	return ms.policy.Do(ctx, func() error {
		var resp milvusEnvelope[json.RawMessage]
		if err := ms.do(ctx, "/v2/vectordb/collections/load", map[string]any{"collectionName": name}, &resp); err != nil {
			return err
		}
		if !resp.ok() && !strings.Contains(strings.ToLower(resp.Message), "loaded") {
			return fmt.Errorf("load collection %q: %s", name, resp.Message)
		}
		if err := ms.waitLoaded(ctx, name); err != nil {
			// Release the partial load so the next attempt starts clean.
			ms.release(ctx, name)
			return err
		}
		return nil
	})
}

func (ms *MilvusStore) waitLoaded(ctx context.Context, name string) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		state, err := ms.loadState(ctx, name)
		if err != nil {
			return err
		}
		switch state {
		case loadStateLoaded:
			return nil
		case loadStateNotExist:
			return fmt.Errorf("collection %q: %w", name, model.ErrNotFound)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (ms *MilvusStore) release(ctx context.Context, name string) {
	var resp milvusEnvelope[json.RawMessage]
	if err := ms.do(ctx, "/v2/vectordb/collections/release", map[string]any{"collectionName": name}, &resp); err != nil {
		ms.log.WarnContext(ctx, "release after failed load", "collection", name, "error", err)
	}
}

func (ms *MilvusStore) loadState(ctx context.Context, name string) (string, error) {
	var resp milvusEnvelope[struct {
		LoadState string `json:"loadState"`
	}]
	if err := ms.do(ctx, "/v2/vectordb/collections/get_load_state", map[string]any{"collectionName": name}, &resp); err != nil {
		return "", err
	}
	if !resp.ok() {
		return "", fmt.Errorf("load state of %q: %s", name, resp.Message)
	}
	return resp.Data.LoadState, nil
}

func (ms *MilvusStore) Insert(ctx context.Context, name string, records []model.MemoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	dim, err := ms.collectionDim(ctx, name)
	if err != nil {
		return err
	}
	rows := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		if len(rec.Embedding) != dim {
			return &model.SchemaMismatchError{Collection: name, Want: dim, Got: len(rec.Embedding)}
		}
		rows = append(rows, map[string]any{
			model.FieldSessionID:  rec.SessionID,
			model.FieldPersonaID:  rec.PersonaID,
			model.FieldContent:    rec.Content,
			model.FieldEmbedding:  rec.Embedding,
			model.FieldCreateTime: rec.CreatedAt.Unix(),
		})
	}
	body := map[string]any{"collectionName": name, "data": rows}
	err = ms.policy.Do(ctx, func() error {
		var resp milvusEnvelope[struct {
			InsertCount int `json:"insertCount"`
		}]
		if err := ms.do(ctx, "/v2/vectordb/entities/insert", body, &resp); err != nil {
			return err
		}
		if !resp.ok() {
			if isSchemaMessage(resp.Message) {
				return retry.Permanent(&model.SchemaMismatchError{Collection: name, Want: dim, Got: dim})
			}
			return fmt.Errorf("insert into %q: %s", name, resp.Message)
		}
		if resp.Data.InsertCount != len(rows) {
			return fmt.Errorf("insert into %q: wrote %d of %d rows", name, resp.Data.InsertCount, len(rows))
		}
		return nil
	})
	if err != nil {
		return err
	}
	// Flush so freshly written memories are searchable right away. Best
	// effort: older servers do not expose the endpoint.
	var flushResp milvusEnvelope[json.RawMessage]
	if err := ms.do(ctx, "/v2/vectordb/collections/flush", map[string]any{"collectionName": name}, &flushResp); err != nil || !flushResp.ok() {
		ms.log.DebugContext(ctx, "collection flush skipped", "collection", name)
	}
	ms.log.DebugContext(ctx, "records inserted", "collection", name, "count", len(rows))
	return nil
}

func (ms *MilvusStore) Query(ctx context.Context, name, filterExpr string, outputFields []string, limit int) ([]model.MemoryRecord, error) {
	if filterExpr == "" {
		filterExpr = model.BaseFilter
	}
	if len(outputFields) == 0 {
		outputFields = []string{"*"}
	}
	const page = 1000
	var out []model.MemoryRecord
	offset := 0
	for {
		want := page
		if limit > 0 && limit-len(out) < want {
			want = limit - len(out)
		}
		if want <= 0 {
			break
		}
		body := map[string]any{
			"collectionName": name,
			"filter":         filterExpr,
			"outputFields":   outputFields,
			"limit":          want,
			"offset":         offset,
		}
		var resp milvusEnvelope[[]map[string]any]
		if err := ms.do(ctx, "/v2/vectordb/entities/query", body, &resp); err != nil {
			return nil, err
		}
		if !resp.ok() {
			if isMissingCollection(resp.Message) {
				return nil, nil
			}
			return nil, fmt.Errorf("query %q: %s", name, resp.Message)
		}
		for _, row := range resp.Data {
			out = append(out, recordFromRow(row))
		}
		if len(resp.Data) < want {
			break
		}
		offset += len(resp.Data)
	}
	return out, nil
}

func (ms *MilvusStore) Search(ctx context.Context, name string, queryVector []float32, topK int, filterExpr string, scoreThreshold float64) ([]model.ScoredRecord, error) {
	if topK <= 0 {
		return nil, nil
	}
	if filterExpr == "" {
		filterExpr = model.BaseFilter
	}
	body := map[string]any{
		"collectionName": name,
		"data":           [][]float32{queryVector},
		"annsField":      model.FieldEmbedding,
		"filter":         filterExpr,
		"limit":          topK,
		"outputFields":   []string{model.FieldSessionID, model.FieldPersonaID, model.FieldContent, model.FieldCreateTime, model.FieldMemoryID},
	}
	run := func() (*milvusEnvelope[[]map[string]any], error) {
		var resp milvusEnvelope[[]map[string]any]
		if err := ms.do(ctx, "/v2/vectordb/entities/search", body, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	}
	resp, err := run()
	if err != nil {
		return nil, err
	}
	if !resp.ok() && isNotLoadedMessage(resp.Message) {
		// Not loaded is not terminal: load once, then retry the search.
		ms.log.WarnContext(ctx, "collection not loaded, loading before search", "collection", name)
		if err := ms.EnsureLoaded(ctx, name); err != nil {
			return nil, err
		}
		if resp, err = run(); err != nil {
			return nil, err
		}
	}
	if !resp.ok() {
		if isMissingCollection(resp.Message) {
			return nil, nil
		}
		return nil, fmt.Errorf("search %q: %s", name, resp.Message)
	}
	results := make([]model.ScoredRecord, 0, len(resp.Data))
	for _, row := range resp.Data {
		score := floatFromAny(row["distance"])
		if score < scoreThreshold {
			continue
		}
		results = append(results, model.ScoredRecord{MemoryRecord: recordFromRow(row), Score: score})
	}
	model.SortScoredRecords(results)
	return results, nil
}

func (ms *MilvusStore) Delete(ctx context.Context, name, filterExpr string) error {
	if strings.TrimSpace(filterExpr) == "" {
		return errors.New("refusing to delete with an empty filter")
	}
	var resp milvusEnvelope[json.RawMessage]
	if err := ms.do(ctx, "/v2/vectordb/entities/delete", map[string]any{"collectionName": name, "filter": filterExpr}, &resp); err != nil {
		return err
	}
	if !resp.ok() {
		return fmt.Errorf("delete from %q: %s", name, resp.Message)
	}
	return nil
}

func (ms *MilvusStore) Stats(ctx context.Context, name string) (model.CollectionStats, error) {
	desc, err := ms.describe(ctx, name)
	if err != nil {
		return model.CollectionStats{}, err
	}
	var resp milvusEnvelope[struct {
		RowCount json.Number `json:"rowCount"`
	}]
	if err := ms.do(ctx, "/v2/vectordb/collections/get_stats", map[string]any{"collectionName": name}, &resp); err != nil {
		return model.CollectionStats{}, err
	}
	if !resp.ok() {
		return model.CollectionStats{}, fmt.Errorf("stats of %q: %s", name, resp.Message)
	}
	count, _ := resp.Data.RowCount.Int64()
	return model.CollectionStats{
		Name:    name,
		Count:   int(count),
		Dim:     dimFromFields(desc.Fields),
		Backend: model.BackendMilvus,
	}, nil
}

func (ms *MilvusStore) ListCollections(ctx context.Context) ([]string, error) {
	var resp milvusEnvelope[[]string]
	if err := ms.do(ctx, "/v2/vectordb/collections/list", map[string]any{}, &resp); err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, fmt.Errorf("list collections: %s", resp.Message)
	}
	return resp.Data, nil
}

func (ms *MilvusStore) IsConnected(ctx context.Context) bool {
	_, err := ms.ListCollections(ctx)
	return err == nil
}

func (ms *MilvusStore) Close() error {
	ms.client.CloseIdleConnections()
	return nil
}

func (ms *MilvusStore) describe(ctx context.Context, name string) (*milvusDescribe, error) {
	var resp milvusEnvelope[milvusDescribe]
	if err := ms.do(ctx, "/v2/vectordb/collections/describe", map[string]any{"collectionName": name}, &resp); err != nil {
		return nil, err
	}
	if !resp.ok() {
		if isMissingCollection(resp.Message) {
			return nil, fmt.Errorf("collection %q: %w", name, model.ErrNotFound)
		}
		return nil, fmt.Errorf("describe %q: %s", name, resp.Message)
	}
	return &resp.Data, nil
}

func (ms *MilvusStore) collectionDim(ctx context.Context, name string) (int, error) {
	ms.mu.Lock()
	dim, ok := ms.dims[name]
	ms.mu.Unlock()
	if ok {
		return dim, nil
	}
	desc, err := ms.describe(ctx, name)
	if err != nil {
		return 0, err
	}
	dim = dimFromFields(desc.Fields)
	if dim == 0 {
		return 0, fmt.Errorf("collection %q: could not determine vector dimension", name)
	}
	ms.rememberDim(name, dim)
	return dim, nil
}

func (ms *MilvusStore) rememberDim(name string, dim int) {
	ms.mu.Lock()
	ms.dims[name] = dim
	ms.mu.Unlock()
}

func (ms *MilvusStore) do(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ms.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if ms.token != "" {
		req.Header.Set("Authorization", "Bearer "+ms.token)
	}
	resp, err := ms.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return model.Transient(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return model.Transient(err)
	}
	if resp.StatusCode >= 500 {
		return model.Transient(fmt.Errorf("milvus %s -> http %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data))))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("milvus %s -> http %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode milvus response from %s: %w", path, err)
		}
	}
	return nil
}

func recordFromRow(row map[string]any) model.MemoryRecord {
	rec := model.MemoryRecord{
		MemoryID:  int64FromAny(row[model.FieldMemoryID]),
		SessionID: stringFromAny(row[model.FieldSessionID]),
		PersonaID: stringFromAny(row[model.FieldPersonaID]),
		Content:   stringFromAny(row[model.FieldContent]),
		CreatedAt: time.Unix(int64FromAny(row[model.FieldCreateTime]), 0).UTC(),
	}
	if raw, ok := row[model.FieldEmbedding]; ok {
		rec.Embedding = vectorFromAny(raw)
	}
	return rec
}

func dimFromFields(fields []milvusField) int {
	for _, f := range fields {
		if f.Name != model.FieldEmbedding {
			continue
		}
		for _, p := range f.Params {
			if p.Key == "dim" {
				if d, err := strconv.Atoi(p.Value); err == nil {
					return d
				}
			}
		}
	}
	return 0
}

func isMissingCollection(msg string) bool {
	low := strings.ToLower(msg)
	return strings.Contains(low, "can't find collection") ||
		strings.Contains(low, "collection not found") ||
		strings.Contains(low, "not exist")
}

func isNotLoadedMessage(msg string) bool {
	low := strings.ToLower(msg)
	return strings.Contains(low, "not loaded") || strings.Contains(low, "not load")
}

func isSchemaMessage(msg string) bool {
	low := strings.ToLower(msg)
	return strings.Contains(low, "dimension") || strings.Contains(low, "schema")
}

func stringFromAny(v any) string {
	s, _ := v.(string)
	return s
}

func int64FromAny(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func floatFromAny(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
	}
	return 0
}

func vectorFromAny(v any) []float32 {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	vec := make([]float32, 0, len(raw))
	for _, item := range raw {
		vec = append(vec, float32(floatFromAny(item)))
	}
	return vec
}
