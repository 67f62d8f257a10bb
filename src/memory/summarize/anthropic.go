package summarize

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Protocol-Lattice/recall/src/memory/model"
)

type AnthropicSummarizer struct {
	client    *anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

func NewAnthropicSummarizer(chatModel, apiKey string) (*AnthropicSummarizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic summarizer: api key required")
	}
	m := anthropic.Model(chatModel)
	if chatModel == "" {
		m = anthropic.ModelClaude3_5Haiku20241022
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicSummarizer{client: &client, model: m, maxTokens: 1024}, nil
}

func (s *AnthropicSummarizer) Summarize(ctx context.Context, turns []model.TurnPair, prompt string) (string, error) {
	if len(turns) == 0 {
		return "", fmt.Errorf("%w: empty window", model.ErrSummarizationFailed)
	}
	if prompt == "" {
		prompt = DefaultPrompt
	}
	resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       s.model,
		MaxTokens:   s.maxTokens,
		Temperature: anthropic.Float(0.2),
		System:      []anthropic.TextBlockParam{{Text: prompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(Transcript(turns))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrSummarizationFailed, err)
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	summary := strings.TrimSpace(b.String())
	if summary == "" {
		return "", fmt.Errorf("%w: empty completion", model.ErrSummarizationFailed)
	}
	return summary, nil
}
