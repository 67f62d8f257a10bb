// Package memory re-exports the engine's public surface so callers can work
// from a single import.
package memory

import (
	embedpkg "github.com/Protocol-Lattice/recall/src/memory/embed"
	enginepkg "github.com/Protocol-Lattice/recall/src/memory/engine"
	migratepkg "github.com/Protocol-Lattice/recall/src/memory/migrate"
	"github.com/Protocol-Lattice/recall/src/memory/model"
	schedulerpkg "github.com/Protocol-Lattice/recall/src/memory/scheduler"
	sessionpkg "github.com/Protocol-Lattice/recall/src/memory/session"
	storepkg "github.com/Protocol-Lattice/recall/src/memory/store"
	summarizepkg "github.com/Protocol-Lattice/recall/src/memory/summarize"
)

type (
	Engine          = enginepkg.Engine
	Options         = enginepkg.Options
	RetrieveOptions = enginepkg.RetrieveOptions
	Metrics         = enginepkg.Metrics
	MetricsSnapshot = enginepkg.MetricsSnapshot

	MemoryRecord    = model.MemoryRecord
	ScoredRecord    = model.ScoredRecord
	TurnPair        = model.TurnPair
	CollectionStats = model.CollectionStats
	BackendKind     = model.BackendKind

	Buffer  = sessionpkg.Buffer
	Trigger = sessionpkg.Trigger

	VectorStore   = storepkg.VectorStore
	InMemoryStore = storepkg.InMemoryStore
	LocalStore    = storepkg.LocalStore
	MilvusStore   = storepkg.MilvusStore

	Embedder        = embedpkg.Embedder
	ProviderOptions = embedpkg.ProviderOptions
	Summarizer      = summarizepkg.Summarizer

	Scheduler        = schedulerpkg.Scheduler
	SchedulerOptions = schedulerpkg.Options

	MigrateOptions = migratepkg.Options
	MigrateResult  = migratepkg.Result
)

const (
	BackendMilvus = model.BackendMilvus
	BackendLocal  = model.BackendLocal
	BackendMemory = model.BackendMemory

	UnknownPersona = model.UnknownPersona

	TriggerNone  = sessionpkg.TriggerNone
	TriggerCount = sessionpkg.TriggerCount
	TriggerIdle  = sessionpkg.TriggerIdle
)

var (
	NewEngine    = enginepkg.New
	NewBuffer    = sessionpkg.NewBuffer
	NewScheduler = schedulerpkg.New
	Migrate      = migratepkg.Run

	OpenStore        = storepkg.Open
	NewInMemoryStore = storepkg.NewInMemoryStore
	NewLocalStore    = storepkg.NewLocalStore
	NewMilvusStore   = storepkg.NewMilvusStore

	NewEmbedder       = embedpkg.New
	NewCachedEmbedder = embedpkg.NewCachedEmbedder

	ErrNotFound            = model.ErrNotFound
	ErrSchemaMismatch      = model.ErrSchemaMismatch
	ErrMigrationIncomplete = model.ErrMigrationIncomplete
	IsTransient            = model.IsTransient
	IsNotFound             = model.IsNotFound
	IsSchemaMismatch       = model.IsSchemaMismatch
)
