package embed

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Protocol-Lattice/recall/src/memory/model"
)

type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dim    int
}

func NewOpenAIEmbedder(embModel, apiKey, baseURL string, dim int) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embedder: api key required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if embModel == "" {
		embModel = string(openai.SmallEmbedding3)
	}
	if dim <= 0 {
		dim = 1024
	}
	return &OpenAIEmbedder{client: openai.NewClientWithConfig(cfg), model: embModel, dim: dim}, nil
}

func (e *OpenAIEmbedder) Dim() int { return e.dim }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model:      openai.EmbeddingModel(e.model),
		Input:      []string{text},
		Dimensions: e.dim,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrEmbeddingFailed, err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, ErrNotSupported
	}
	return resp.Data[0].Embedding, nil
}
