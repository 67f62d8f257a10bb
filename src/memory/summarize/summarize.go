package summarize

import (
	"context"
	"fmt"
	"strings"

	"github.com/Protocol-Lattice/recall/src/memory/model"
)

// Summarizer condenses a window of conversation turns into one memory.
type Summarizer interface {
	Summarize(ctx context.Context, turns []model.TurnPair, prompt string) (string, error)
}

// DefaultPrompt is used when the caller supplies none.
const DefaultPrompt = "Summarize the following conversation into a short, factual memory. " +
	"Keep names, preferences, decisions and commitments. Write in the third person. " +
	"Do not add information that is not in the conversation."

// Transcript renders turns into the plain-text form every provider receives.
func Transcript(turns []model.TurnPair) string {
	var b strings.Builder
	for _, t := range turns {
		if t.User != "" {
			b.WriteString("user: ")
			b.WriteString(t.User)
			b.WriteByte('\n')
		}
		if t.Assistant != "" {
			b.WriteString("assistant: ")
			b.WriteString(t.Assistant)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// HeuristicSummarizer produces deterministic summaries suitable for tests and
// offline runs: the user lines joined, truncated to a budget.
type HeuristicSummarizer struct {
	MaxLen int
}

func (h HeuristicSummarizer) Summarize(_ context.Context, turns []model.TurnPair, _ string) (string, error) {
	if len(turns) == 0 {
		return "", fmt.Errorf("%w: empty window", model.ErrSummarizationFailed)
	}
	var sentences []string
	for _, t := range turns {
		if s := strings.TrimSpace(t.User); s != "" {
			sentences = append(sentences, s)
		}
		if s := strings.TrimSpace(t.Assistant); s != "" {
			sentences = append(sentences, s)
		}
	}
	summary := strings.Join(sentences, " ")
	maxLen := h.MaxLen
	if maxLen <= 0 {
		maxLen = 280
	}
	if len(summary) > maxLen {
		summary = summary[:maxLen]
	}
	if summary == "" {
		return "", fmt.Errorf("%w: window had no content", model.ErrSummarizationFailed)
	}
	return summary, nil
}
