package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Protocol-Lattice/recall/src/memory/model"
	"github.com/Protocol-Lattice/recall/src/memory/store"
)

const DefaultBatchSize = 1000

// Options configure one migration run.
type Options struct {
	Collection string
	BatchSize  int
	// Progress, when set, is called after every batch lands in the target.
	Progress func(copied, total int)
	Logger   *slog.Logger
}

// Result describes a finished migration.
type Result struct {
	JobID       string
	Collection  string
	SourceCount int
	Migrated    int
	Elapsed     time.Duration
}

// Run copies every record of a collection from source to target. The source
// is never modified, so a failed run can simply be retried. Target ids are
// reassigned by the target backend; content, identity fields, embeddings and
// timestamps carry over unchanged.
func Run(ctx context.Context, source, target store.VectorStore, opts Options) (Result, error) {
	if opts.Collection == "" {
		return Result{}, fmt.Errorf("migrate: collection required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	res := Result{JobID: uuid.NewString(), Collection: opts.Collection}
	log := logger.With("component", "migrate", "job", res.JobID, "collection", opts.Collection)
	start := time.Now()

	srcStats, err := source.Stats(ctx, opts.Collection)
	if err != nil {
		return res, fmt.Errorf("migrate: source stats: %w", err)
	}
	res.SourceCount = srcStats.Count

	records, err := source.Query(ctx, opts.Collection, model.BaseFilter, model.AllOutputFields, 0)
	if err != nil {
		return res, fmt.Errorf("migrate: read source: %w", err)
	}
	if len(records) != srcStats.Count {
		log.Warn("source count drifted during read", "stats", srcStats.Count, "read", len(records))
		res.SourceCount = len(records)
	}

	if err := target.CreateCollection(ctx, opts.Collection, srcStats.Dim, "COSINE"); err != nil {
		return res, fmt.Errorf("migrate: prepare target: %w", err)
	}
	preStats, err := target.Stats(ctx, opts.Collection)
	if err != nil {
		return res, fmt.Errorf("migrate: target stats: %w", err)
	}
	if preStats.Count > 0 {
		log.Warn("target collection already holds records", "count", preStats.Count)
	}

	for off := 0; off < len(records); off += opts.BatchSize {
		end := off + opts.BatchSize
		if end > len(records) {
			end = len(records)
		}
		if err := target.Insert(ctx, opts.Collection, records[off:end]); err != nil {
			incomplete := &model.MigrationIncompleteError{
				Collection:  opts.Collection,
				SourceCount: res.SourceCount,
				TargetCount: res.Migrated,
			}
			return res, fmt.Errorf("migrate: batch at %d: %w: %w", off, incomplete, err)
		}
		res.Migrated = end
		if opts.Progress != nil {
			opts.Progress(res.Migrated, res.SourceCount)
		}
		log.Debug("batch copied", "copied", res.Migrated, "total", res.SourceCount)
	}

	tgtStats, err := target.Stats(ctx, opts.Collection)
	if err != nil {
		return res, fmt.Errorf("migrate: target stats: %w", err)
	}
	if copied := tgtStats.Count - preStats.Count; copied != res.Migrated {
		return res, &model.MigrationIncompleteError{
			Collection:  opts.Collection,
			SourceCount: res.SourceCount,
			TargetCount: copied,
		}
	}

	res.Elapsed = time.Since(start)
	log.Info("migration finished",
		"migrated", res.Migrated, "source_count", res.SourceCount, "elapsed", res.Elapsed)
	return res, nil
}
