package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Protocol-Lattice/recall/src/concurrent"
	"github.com/Protocol-Lattice/recall/src/memory/engine"
	"github.com/Protocol-Lattice/recall/src/memory/session"
)

const (
	DefaultInterval      = time.Minute
	DefaultIdleThreshold = session.DefaultIdleThreshold
	DefaultMaxConcurrent = 4
)

// Options tune the background sweeper.
type Options struct {
	// Interval between sweeps.
	Interval time.Duration
	// IdleThreshold is how long a session may hold turns untouched
	// before a sweep flushes it.
	IdleThreshold time.Duration
	// MaxConcurrent bounds how many sessions one sweep flushes at once.
	MaxConcurrent int
	Logger        *slog.Logger
}

// Scheduler periodically flushes idle sessions. One sweep runs at a time; a
// tick that arrives mid-sweep is skipped, not queued.
type Scheduler struct {
	engine   *engine.Engine
	opts     Options
	cron     *cron.Cron
	pool     *concurrent.WorkerPool
	log      *slog.Logger
	sweeping atomic.Bool

	sweeps  atomic.Int64
	flushed atomic.Int64
	failed  atomic.Int64
}

func New(eng *engine.Engine, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.IdleThreshold <= 0 {
		opts.IdleThreshold = DefaultIdleThreshold
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine: eng,
		opts:   opts,
		pool:   concurrent.NewWorkerPool(opts.MaxConcurrent),
		log:    logger.With("component", "scheduler"),
	}
}

// Start begins the periodic sweep. Stop must be called to shut it down.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc("@every "+s.opts.Interval.String(), func() {
		s.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	s.cron = c
	c.Start()
	s.log.InfoContext(ctx, "scheduler started",
		"interval", s.opts.Interval, "idle_threshold", s.opts.IdleThreshold)
	return nil
}

// Stop halts the cron loop and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped", "sweeps", s.sweeps.Load(), "flushed", s.flushed.Load())
}

// Sweep flushes every idle session once. It reports how many sessions were
// flushed. Reentrant calls return immediately.
func (s *Scheduler) Sweep(ctx context.Context) int {
	if !s.sweeping.CompareAndSwap(false, true) {
		return 0
	}
	defer s.sweeping.Store(false)
	s.sweeps.Add(1)

	due := s.engine.Buffer().IdleSessions(s.opts.IdleThreshold)
	if len(due) == 0 {
		return 0
	}
	s.log.DebugContext(ctx, "sweep starting", "sessions", len(due))

	var flushed atomic.Int64
	// Session errors are isolated: one failing flush must not starve the
	// rest of the sweep, so the per-session error is logged, not
	// propagated.
	_ = concurrent.ForEach(ctx, s.pool, due, func(id string) error {
		if err := s.engine.Flush(ctx, id); err != nil {
			s.failed.Add(1)
			s.log.WarnContext(ctx, "idle flush failed", "session", id, "error", err)
			return nil
		}
		flushed.Add(1)
		return nil
	})

	n := int(flushed.Load())
	s.flushed.Add(int64(n))
	if n > 0 {
		s.log.InfoContext(ctx, "sweep finished", "flushed", n, "of", len(due))
	}
	return n
}

// Counters reports lifetime sweep statistics.
func (s *Scheduler) Counters() (sweeps, flushed, failed int64) {
	return s.sweeps.Load(), s.flushed.Load(), s.failed.Load()
}
