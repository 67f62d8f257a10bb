package engine

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Protocol-Lattice/recall/src/memory/embed"
	"github.com/Protocol-Lattice/recall/src/memory/session"
	"github.com/Protocol-Lattice/recall/src/memory/store"
	"github.com/Protocol-Lattice/recall/src/memory/summarize"
	"github.com/Protocol-Lattice/recall/src/retry"
)

const (
	DefaultCollection = "recall_default"
	DefaultTopK       = 5
	DefaultDim        = 1024
)

// Options tune an Engine. Zero values fall back to sane defaults.
type Options struct {
	Collection string
	Dim        int
	TopK       int
	// Threshold drops search hits scoring below it. Zero keeps everything.
	Threshold float64
	// MaxVisible caps how many records a single retrieval may surface.
	// Zero means no cap beyond TopK.
	MaxVisible int
	// Prompt overrides the summarization instruction.
	Prompt string
	// CountTrigger is how many buffered turn pairs force a flush.
	CountTrigger int
	// ManualFlush disables the automatic background flush on a count
	// trigger; callers drive Flush themselves.
	ManualFlush bool
	// DisableSessionFilter shares memories across sessions: retrieval
	// ignores the requesting session id instead of restricting to it.
	DisableSessionFilter bool
	// DisablePersonaFilter stops retrieval from restricting results to
	// the requesting persona's records.
	DisablePersonaFilter bool

	Policy *retry.Policy
	Logger *slog.Logger
}

// Metrics counts engine activity. Snapshot for a consistent read.
type Metrics struct {
	Flushes        atomic.Int64
	FlushFailures  atomic.Int64
	TurnsBuffered  atomic.Int64
	Retrievals     atomic.Int64
	RetrievalMiss  atomic.Int64
	RecordsWritten atomic.Int64
}

type MetricsSnapshot struct {
	Flushes        int64
	FlushFailures  int64
	TurnsBuffered  int64
	Retrievals     int64
	RetrievalMiss  int64
	RecordsWritten int64
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Flushes:        m.Flushes.Load(),
		FlushFailures:  m.FlushFailures.Load(),
		TurnsBuffered:  m.TurnsBuffered.Load(),
		Retrievals:     m.Retrievals.Load(),
		RetrievalMiss:  m.RetrievalMiss.Load(),
		RecordsWritten: m.RecordsWritten.Load(),
	}
}

// Engine ties the session buffer, summarizer, embedder and vector store into
// the write and read paths of long-term memory.
type Engine struct {
	store      store.VectorStore
	embedder   embed.Embedder
	summarizer summarize.Summarizer
	buffer     *session.Buffer
	opts       Options
	policy     retry.Policy
	log        *slog.Logger
	metrics    Metrics

	wg     sync.WaitGroup
	closed atomic.Bool
}

func New(vs store.VectorStore, emb embed.Embedder, sum summarize.Summarizer, opts Options) *Engine {
	if opts.Collection == "" {
		opts.Collection = DefaultCollection
	}
	if opts.Dim <= 0 {
		if emb != nil {
			opts.Dim = emb.Dim()
		} else {
			opts.Dim = DefaultDim
		}
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.CountTrigger <= 0 {
		opts.CountTrigger = session.DefaultCountTrigger
	}
	policy := retry.DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      vs,
		embedder:   emb,
		summarizer: sum,
		buffer:     session.NewBuffer(session.WithCountTrigger(opts.CountTrigger)),
		opts:       opts,
		policy:     policy,
		log:        logger.With("component", "engine"),
	}
}

// Buffer exposes the session buffer, mainly for the scheduler.
func (e *Engine) Buffer() *session.Buffer { return e.buffer }

// Metrics returns a live view of the engine counters.
func (e *Engine) Metrics() *Metrics { return &e.metrics }

// Collection reports the collection this engine writes to.
func (e *Engine) Collection() string { return e.opts.Collection }

// Close waits for in-flight background flushes and closes the store.
func (e *Engine) Close() error {
	e.closed.Store(true)
	e.wg.Wait()
	return e.store.Close()
}

func nowUTC() time.Time { return time.Now().UTC() }
