package embed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	ollama "github.com/ollama/ollama/api"

	"github.com/Protocol-Lattice/recall/src/memory/model"
)

type OllamaEmbedder struct {
	client *ollama.Client
	model  string
	dim    int
}

func NewOllamaEmbedder(embModel, host string, dim int) (*OllamaEmbedder, error) {
	if host == "" {
		host = "http://localhost:11434"
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: bad host %q: %w", host, err)
	}
	if embModel == "" {
		embModel = "nomic-embed-text"
	}
	if dim <= 0 {
		dim = 1024
	}
	cli := ollama.NewClient(u, &http.Client{Timeout: 60 * time.Second})
	return &OllamaEmbedder{client: cli, model: embModel, dim: dim}, nil
}

func (e *OllamaEmbedder) Dim() int { return e.dim }

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := e.client.Embed(ctx, &ollama.EmbedRequest{
		Model: e.model,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrEmbeddingFailed, err)
	}
	if res == nil || len(res.Embeddings) == 0 || len(res.Embeddings[0]) == 0 {
		return nil, ErrNotSupported
	}
	return res.Embeddings[0], nil
}
