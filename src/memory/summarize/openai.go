package summarize

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Protocol-Lattice/recall/src/memory/model"
)

type OpenAISummarizer struct {
	client      *openai.Client
	model       string
	temperature float32
}

func NewOpenAISummarizer(chatModel, apiKey, baseURL string) (*OpenAISummarizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai summarizer: api key required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if chatModel == "" {
		chatModel = openai.GPT4oMini
	}
	return &OpenAISummarizer{
		client:      openai.NewClientWithConfig(cfg),
		model:       chatModel,
		temperature: 0.2,
	}, nil
}

func (s *OpenAISummarizer) Summarize(ctx context.Context, turns []model.TurnPair, prompt string) (string, error) {
	if len(turns) == 0 {
		return "", fmt.Errorf("%w: empty window", model.ErrSummarizationFailed)
	}
	if prompt == "" {
		prompt = DefaultPrompt
	}
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.model,
		Temperature: s.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
			{Role: openai.ChatMessageRoleUser, Content: Transcript(turns)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrSummarizationFailed, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", model.ErrSummarizationFailed)
	}
	summary := strings.TrimSpace(resp.Choices[0].Message.Content)
	if summary == "" {
		return "", fmt.Errorf("%w: empty completion", model.ErrSummarizationFailed)
	}
	return summary, nil
}
