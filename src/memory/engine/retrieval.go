package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/Protocol-Lattice/recall/src/memory/model"
)

// RetrieveOptions narrow a retrieval. Zero values mean "no constraint".
type RetrieveOptions struct {
	SessionID string
	PersonaID string
	TopK      int
	Threshold float64
}

// Retrieve embeds the query and returns the closest stored memories.
// Retrieval is best effort: backend or embedding trouble yields an empty
// result and a log line, never an error to the conversation path.
func (e *Engine) Retrieve(ctx context.Context, query string, opts RetrieveOptions) []model.ScoredRecord {
	e.metrics.Retrievals.Add(1)
	vector, err := e.embedder.Embed(ctx, query)
	if err != nil {
		e.metrics.RetrievalMiss.Add(1)
		e.log.WarnContext(ctx, "query embedding failed, returning no memories", "error", err)
		return nil
	}

	expr, err := e.retrieveFilter(opts)
	if err != nil {
		e.metrics.RetrievalMiss.Add(1)
		e.log.WarnContext(ctx, "bad retrieval filter", "error", err)
		return nil
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = e.opts.TopK
	}
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = e.opts.Threshold
	}
	results, err := e.store.Search(ctx, e.opts.Collection, vector, topK, expr, threshold)
	if err != nil {
		e.metrics.RetrievalMiss.Add(1)
		e.log.WarnContext(ctx, "memory search failed, returning no memories", "error", err)
		return nil
	}
	if max := e.opts.MaxVisible; max > 0 && len(results) > max {
		results = keepMostRecent(results, max)
	}
	if len(results) == 0 {
		e.metrics.RetrievalMiss.Add(1)
	}
	return results
}

// keepMostRecent caps the hit set at n records, preferring the newest by
// create time while preserving the score ordering among survivors.
func keepMostRecent(results []model.ScoredRecord, n int) []model.ScoredRecord {
	byTime := make([]int, len(results))
	for i := range byTime {
		byTime[i] = i
	}
	sort.SliceStable(byTime, func(a, b int) bool {
		return results[byTime[a]].CreatedAt.After(results[byTime[b]].CreatedAt)
	})
	keep := make(map[int]bool, n)
	for _, idx := range byTime[:n] {
		keep[idx] = true
	}
	capped := make([]model.ScoredRecord, 0, n)
	for i, r := range results {
		if keep[i] {
			capped = append(capped, r)
		}
	}
	return capped
}

func (e *Engine) retrieveFilter(opts RetrieveOptions) (string, error) {
	terms := []string{model.BaseFilter}
	if opts.SessionID != "" && !e.opts.DisableSessionFilter {
		if !model.ValidSessionID(opts.SessionID) {
			return "", fmt.Errorf("invalid session id %q", opts.SessionID)
		}
		term, err := model.Eq(model.FieldSessionID, opts.SessionID)
		if err != nil {
			return "", err
		}
		terms = append(terms, term)
	}
	if opts.PersonaID != "" && !e.opts.DisablePersonaFilter {
		if !model.ValidPersonaID(opts.PersonaID) {
			return "", fmt.Errorf("invalid persona id %q", opts.PersonaID)
		}
		term, err := model.Eq(model.FieldPersonaID, opts.PersonaID)
		if err != nil {
			return "", err
		}
		terms = append(terms, term)
	}
	return model.And(terms...), nil
}

// History returns a session's stored memories in insertion order, without
// similarity ranking.
func (e *Engine) History(ctx context.Context, sessionID string, limit int) ([]model.MemoryRecord, error) {
	if !model.ValidSessionID(sessionID) {
		return nil, fmt.Errorf("invalid session id %q", sessionID)
	}
	expr, err := model.Eq(model.FieldSessionID, sessionID)
	if err != nil {
		return nil, err
	}
	return e.store.Query(ctx, e.opts.Collection, model.And(model.BaseFilter, expr), model.DefaultOutputFields, limit)
}

// Stats reports the engine's collection statistics.
func (e *Engine) Stats(ctx context.Context) (model.CollectionStats, error) {
	return e.store.Stats(ctx, e.opts.Collection)
}
