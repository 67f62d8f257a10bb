package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/Protocol-Lattice/recall/src/memory/model"
	"github.com/Protocol-Lattice/recall/src/memory/session"
	"github.com/Protocol-Lattice/recall/src/retry"
)

// ErrFlushInFlight is returned when a flush is requested for a session that
// is already being flushed; the caller's trigger has been coalesced into the
// running one.
var ErrFlushInFlight = errors.New("flush already in flight for session")

// EnsureCollection creates and loads the engine's collection. Safe to call
// on every start.
func (e *Engine) EnsureCollection(ctx context.Context) error {
	if err := e.store.CreateCollection(ctx, e.opts.Collection, e.opts.Dim, "COSINE"); err != nil {
		return err
	}
	return e.store.EnsureLoaded(ctx, e.opts.Collection)
}

// AddTurn buffers one user/assistant exchange. When the buffered pair count
// reaches the trigger, a flush starts in the background unless the engine
// runs in manual-flush mode.
func (e *Engine) AddTurn(ctx context.Context, sessionID, personaID string, pair model.TurnPair) (session.Trigger, error) {
	trig, err := e.buffer.Append(sessionID, personaID, pair)
	if err != nil {
		return session.TriggerNone, err
	}
	e.metrics.TurnsBuffered.Add(1)
	if trig == session.TriggerCount && !e.opts.ManualFlush && !e.closed.Load() {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.Flush(context.WithoutCancel(ctx), sessionID); err != nil && !errors.Is(err, ErrFlushInFlight) {
				e.log.Error("background flush failed", "session", sessionID, "error", err)
			}
		}()
	}
	return trig, nil
}

// Flush summarizes a session's buffered turns, embeds the summary and writes
// one record. On any failure the turns go back to the buffer, in order,
// ahead of anything that arrived while the flush ran.
func (e *Engine) Flush(ctx context.Context, sessionID string) error {
	turns, persona, ok := e.buffer.BeginFlush(sessionID)
	if !ok {
		if e.buffer.Pending(sessionID) == 0 {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrFlushInFlight, sessionID)
	}

	summary, err := e.summarizer.Summarize(ctx, turns, e.opts.Prompt)
	if err != nil {
		e.buffer.CompleteFlush(sessionID, turns)
		e.metrics.FlushFailures.Add(1)
		return fmt.Errorf("flush %s: %w", sessionID, err)
	}

	vector, err := e.embedder.Embed(ctx, summary)
	if err != nil {
		// The summary is discarded; it can be recomputed from the
		// restored turns on the next attempt.
		e.buffer.CompleteFlush(sessionID, turns)
		e.metrics.FlushFailures.Add(1)
		return fmt.Errorf("flush %s: %w", sessionID, err)
	}

	if persona == "" {
		persona = model.UnknownPersona
	}
	rec := model.MemoryRecord{
		SessionID: sessionID,
		PersonaID: persona,
		Content:   summary,
		Embedding: vector,
		CreatedAt: nowUTC(),
	}
	err = e.policy.Do(ctx, func() error {
		err := e.store.Insert(ctx, e.opts.Collection, []model.MemoryRecord{rec})
		if model.IsSchemaMismatch(err) {
			// A dimension conflict is a configuration error; retrying
			// cannot fix it.
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		e.buffer.CompleteFlush(sessionID, turns)
		e.metrics.FlushFailures.Add(1)
		if model.IsSchemaMismatch(err) {
			return fmt.Errorf("flush %s: %w", sessionID, err)
		}
		return fmt.Errorf("flush %s: %w: %w", sessionID, model.ErrStorageFailed, err)
	}

	e.buffer.CompleteFlush(sessionID, nil)
	e.metrics.Flushes.Add(1)
	e.metrics.RecordsWritten.Add(1)
	e.log.InfoContext(ctx, "session flushed", "session", sessionID, "turns", len(turns), "summary_len", len(summary))
	return nil
}

// FlushAll flushes every session currently holding turns. Errors are
// collected per session; one bad session does not stop the rest.
func (e *Engine) FlushAll(ctx context.Context) error {
	var errs []error
	for _, id := range e.buffer.Sessions() {
		if err := e.Flush(ctx, id); err != nil && !errors.Is(err, ErrFlushInFlight) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Forget removes every stored memory for a session.
func (e *Engine) Forget(ctx context.Context, sessionID string) error {
	if !model.ValidSessionID(sessionID) {
		return fmt.Errorf("invalid session id %q", sessionID)
	}
	expr, err := model.Eq(model.FieldSessionID, sessionID)
	if err != nil {
		return err
	}
	return e.store.Delete(ctx, e.opts.Collection, expr)
}
