package store

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/Protocol-Lattice/recall/src/memory/model"
	"github.com/Protocol-Lattice/recall/src/retry"
)

// FactoryOptions carries everything needed to open any backend. Only the
// fields for the selected backend are consulted.
type FactoryOptions struct {
	Backend model.BackendKind

	// Milvus
	Address string
	Token   string
	Timeout time.Duration
	Policy  *retry.Policy

	// Local
	DataDir string

	Logger *slog.Logger
}

// Open builds the VectorStore for the requested backend.
func Open(opts FactoryOptions) (VectorStore, error) {
	switch opts.Backend {
	case model.BackendMilvus:
		return NewMilvusStore(MilvusOptions{
			Address: opts.Address,
			Token:   opts.Token,
			Timeout: opts.Timeout,
			Policy:  opts.Policy,
			Logger:  opts.Logger,
		}), nil
	case model.BackendLocal:
		dir := opts.DataDir
		if dir == "" {
			dir = "recall-data"
		}
		return NewLocalStore(dir, opts.Logger)
	case model.BackendMemory:
		return NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", opts.Backend)
	}
}
