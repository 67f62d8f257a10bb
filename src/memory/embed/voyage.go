package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Protocol-Lattice/recall/src/memory/model"
)

// VoyageEmbedder calls the Voyage AI embeddings API, the provider Anthropic
// recommends since they offer no first-party embeddings.
type VoyageEmbedder struct {
	client   *http.Client
	apiKey   string
	model    string
	endpoint string
	dim      int
}

func NewVoyageEmbedder(embModel, apiKey, endpoint string, dim int) (*VoyageEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("voyage embedder: api key required")
	}
	if embModel == "" {
		embModel = "voyage-3.5"
	}
	if endpoint == "" {
		endpoint = "https://api.voyageai.com/v1/embeddings"
	}
	if dim <= 0 {
		dim = 1024
	}
	return &VoyageEmbedder{
		client:   &http.Client{Timeout: 60 * time.Second},
		apiKey:   apiKey,
		model:    embModel,
		endpoint: endpoint,
		dim:      dim,
	}, nil
}

func (v *VoyageEmbedder) Dim() int { return v.dim }

func (v *VoyageEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(map[string]any{
		"model":      v.model,
		"input":      []string{text},
		"input_type": "document",
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+v.apiKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrEmbeddingFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: voyage http %d: %s", model.ErrEmbeddingFailed, resp.StatusCode, data)
	}
	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrEmbeddingFailed, err)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, ErrNotSupported
	}
	return parsed.Data[0].Embedding, nil
}
