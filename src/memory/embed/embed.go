package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Embedder is a pluggable text-embedding provider.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dim reports the vector dimension this provider produces.
	Dim() int
}

// ErrNotSupported is returned by providers that do not offer embeddings.
var ErrNotSupported = errors.New("embeddings not supported by this provider")

// DummyEmbedder produces deterministic vectors from byte content. It exists
// for tests and offline runs; two equal texts always embed identically.
type DummyEmbedder struct {
	dim int
}

func NewDummyEmbedder(dim int) *DummyEmbedder {
	if dim <= 0 {
		dim = 1024
	}
	return &DummyEmbedder{dim: dim}
}

func (d *DummyEmbedder) Dim() int { return d.dim }

func (d *DummyEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, d.dim)
	for i, ch := range []byte(text) {
		vec[i%d.dim] += float32(ch) / 255.0
	}
	return vec, nil
}

// ProviderOptions selects and configures an embedding provider by name.
type ProviderOptions struct {
	Provider string // openai | ollama | voyage | dummy
	Model    string
	APIKey   string
	BaseURL  string
	Dim      int
}

// New builds the embedder named in opts. Unknown providers are an error
// rather than a silent dummy fallback so a misconfigured deployment cannot
// quietly write junk vectors.
func New(opts ProviderOptions) (Embedder, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case "openai":
		return NewOpenAIEmbedder(opts.Model, opts.APIKey, opts.BaseURL, opts.Dim)
	case "ollama":
		return NewOllamaEmbedder(opts.Model, opts.BaseURL, opts.Dim)
	case "voyage", "anthropic":
		return NewVoyageEmbedder(opts.Model, opts.APIKey, opts.BaseURL, opts.Dim)
	case "dummy", "":
		return NewDummyEmbedder(opts.Dim), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", opts.Provider)
	}
}
