// Command recall runs the long-term conversational memory engine: a serve
// loop that buffers, summarizes and stores session turns, plus operational
// subcommands for collection stats and cross-backend migration.
//
// Examples:
//
//	recall serve -config recall.yaml
//	recall stats -config recall.yaml -collection recall_default
//	recall migrate -config recall.yaml -target-kind milvus -target-address http://milvus:19530
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Protocol-Lattice/recall/src/config"
	"github.com/Protocol-Lattice/recall/src/memory/embed"
	"github.com/Protocol-Lattice/recall/src/memory/engine"
	"github.com/Protocol-Lattice/recall/src/memory/migrate"
	"github.com/Protocol-Lattice/recall/src/memory/model"
	"github.com/Protocol-Lattice/recall/src/memory/scheduler"
	"github.com/Protocol-Lattice/recall/src/memory/store"
	"github.com/Protocol-Lattice/recall/src/memory/summarize"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "migrate":
		err = runMigrate(os.Args[2:])
	case "collections":
		err = runCollections(os.Args[2:])
	case "forget":
		err = runForget(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: recall <command> [flags]

commands:
  serve        run the memory engine, reading turns from stdin
  stats        print collection statistics
  collections  list collections in the configured backend
  forget       delete one session's memories from a collection
  migrate      copy a collection to another backend`)
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func openStore(cfg config.Config, logger *slog.Logger) (store.VectorStore, error) {
	return store.Open(store.FactoryOptions{
		Backend: model.BackendKind(cfg.Backend.Kind),
		Address: cfg.Backend.Address,
		Token:   cfg.Backend.Token,
		Timeout: cfg.Backend.Timeout,
		DataDir: cfg.Backend.DataDir,
		Logger:  logger,
	})
}

func buildEngine(cfg config.Config, vs store.VectorStore, logger *slog.Logger) (*engine.Engine, error) {
	embedder, err := embed.New(embed.ProviderOptions{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		APIKey:   cfg.Embedding.APIKey,
		BaseURL:  cfg.Embedding.BaseURL,
		Dim:      cfg.Memory.Dim,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Embedding.CacheSize > 0 {
		embedder = embed.NewCachedEmbedder(embedder, cfg.Embedding.CacheSize, cfg.Embedding.CacheTTL)
	}

	var summarizer summarize.Summarizer
	switch cfg.Summarizer.Provider {
	case "openai":
		summarizer, err = summarize.NewOpenAISummarizer(cfg.Summarizer.Model, cfg.Summarizer.APIKey, cfg.Summarizer.BaseURL)
	case "anthropic":
		summarizer, err = summarize.NewAnthropicSummarizer(cfg.Summarizer.Model, cfg.Summarizer.APIKey)
	default:
		summarizer = summarize.HeuristicSummarizer{}
	}
	if err != nil {
		return nil, err
	}

	return engine.New(vs, embedder, summarizer, engine.Options{
		Collection:   cfg.Memory.Collection,
		Dim:          cfg.Memory.Dim,
		TopK:         cfg.Memory.TopK,
		Threshold:    cfg.Memory.Threshold,
		MaxVisible:   cfg.Memory.MaxVisible,
		Prompt:       cfg.Memory.Prompt,
		CountTrigger: cfg.Memory.CountTrigger,

		DisableSessionFilter: !cfg.Memory.SessionIsolation,
		DisablePersonaFilter: !cfg.Memory.PersonaFilter,

		Logger: logger,
	}), nil
}

// runServe reads `session|persona|user|assistant` lines from stdin, buffers
// them and lets the engine and scheduler do the rest. Lines starting with
// "? " run a retrieval instead: `? session|query`.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (yaml or json)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	vs, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	eng, err := buildEngine(cfg, vs, logger)
	if err != nil {
		vs.Close()
		return err
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.EnsureCollection(ctx); err != nil {
		return err
	}

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(eng, scheduler.Options{
			Interval:      cfg.Scheduler.Interval,
			IdleThreshold: cfg.Scheduler.IdleThreshold,
			MaxConcurrent: cfg.Scheduler.MaxConcurrent,
			Logger:        logger,
		})
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	logger.Info("recall serving", "backend", cfg.Backend.Kind, "collection", cfg.Memory.Collection)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down, flushing pending sessions")
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return eng.FlushAll(flushCtx)
		case line, ok := <-lines:
			if !ok {
				flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				return eng.FlushAll(flushCtx)
			}
			handleLine(ctx, eng, logger, line)
		}
	}
}

func handleLine(ctx context.Context, eng *engine.Engine, logger *slog.Logger, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if rest, ok := strings.CutPrefix(line, "? "); ok {
		parts := strings.SplitN(rest, "|", 2)
		opts := engine.RetrieveOptions{}
		query := rest
		if len(parts) == 2 {
			opts.SessionID = strings.TrimSpace(parts[0])
			query = strings.TrimSpace(parts[1])
		}
		for _, rec := range eng.Retrieve(ctx, query, opts) {
			fmt.Printf("%.3f\t%s\t%s\n", rec.Score, rec.SessionID, rec.Content)
		}
		return
	}
	parts := strings.SplitN(line, "|", 4)
	if len(parts) != 4 {
		logger.Warn("skipping malformed line", "line", line)
		return
	}
	_, err := eng.AddTurn(ctx, strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), model.TurnPair{
		User:      strings.TrimSpace(parts[2]),
		Assistant: strings.TrimSpace(parts[3]),
	})
	if err != nil {
		logger.Warn("turn rejected", "error", err)
	}
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (yaml or json)")
	collection := fs.String("collection", "", "collection to inspect (default: configured collection)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	vs, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer vs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	name := *collection
	if name == "" {
		name = cfg.Memory.Collection
	}
	stats, err := vs.Stats(ctx, name)
	if err != nil {
		return err
	}
	fmt.Printf("collection\t%s\nbackend \t%s\nrecords \t%d\ndimension\t%d\n",
		stats.Name, stats.Backend, stats.Count, stats.Dim)
	return nil
}

func runCollections(args []string) error {
	fs := flag.NewFlagSet("collections", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (yaml or json)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	vs, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer vs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	names, err := vs.ListCollections(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func runForget(args []string) error {
	fs := flag.NewFlagSet("forget", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (yaml or json)")
	collection := fs.String("collection", "", "collection to delete from (default: configured collection)")
	sessionID := fs.String("session", "", "session whose memories to delete")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)
	if *sessionID == "" {
		return fmt.Errorf("forget: -session is required")
	}
	if !model.ValidSessionID(*sessionID) {
		return fmt.Errorf("forget: invalid session id %q", *sessionID)
	}

	vs, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer vs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	name := *collection
	if name == "" {
		name = cfg.Memory.Collection
	}
	expr, err := model.Eq(model.FieldSessionID, *sessionID)
	if err != nil {
		return err
	}
	if err := vs.Delete(ctx, name, expr); err != nil {
		return err
	}
	logger.Info("session memories deleted", "collection", name, "session", *sessionID)
	return nil
}

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (yaml or json)")
	collection := fs.String("collection", "", "collection to migrate (default: configured collection)")
	targetKind := fs.String("target-kind", "", "target backend: milvus|local|memory")
	targetAddress := fs.String("target-address", "", "target milvus address")
	targetToken := fs.String("target-token", "", "target milvus token")
	targetDir := fs.String("target-dir", "", "target local data directory")
	batch := fs.Int("batch", 0, "batch size (default: configured batch size)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)
	if *targetKind == "" {
		return fmt.Errorf("migrate: -target-kind is required")
	}

	source, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer source.Close()

	target, err := store.Open(store.FactoryOptions{
		Backend: model.BackendKind(*targetKind),
		Address: *targetAddress,
		Token:   *targetToken,
		Timeout: cfg.Backend.Timeout,
		DataDir: *targetDir,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer target.Close()

	name := *collection
	if name == "" {
		name = cfg.Memory.Collection
	}
	batchSize := *batch
	if batchSize <= 0 {
		batchSize = cfg.Migrate.BatchSize
	}

	res, err := migrate.Run(context.Background(), source, target, migrate.Options{
		Collection: name,
		BatchSize:  batchSize,
		Logger:     logger,
		Progress: func(copied, total int) {
			fmt.Fprintf(os.Stderr, "\rmigrating %s: %d/%d", name, copied, total)
		},
	})
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}
	fmt.Printf("job \t%s\nmigrated\t%d\nsource  \t%d\nelapsed \t%s\n",
		res.JobID, res.Migrated, res.SourceCount, res.Elapsed.Round(time.Millisecond))
	return nil
}
