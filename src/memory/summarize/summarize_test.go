package summarize

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Protocol-Lattice/recall/src/memory/model"
)

func TestTranscript(t *testing.T) {
	turns := []model.TurnPair{
		{User: "I moved to Lisbon", Assistant: "Noted, congrats on the move."},
		{User: "remind me to buy coffee"},
	}
	got := Transcript(turns)
	want := "user: I moved to Lisbon\nassistant: Noted, congrats on the move.\nuser: remind me to buy coffee\n"
	if got != want {
		t.Fatalf("transcript mismatch:\n got %q\nwant %q", got, want)
	}
}

func TestHeuristicSummarizer(t *testing.T) {
	h := HeuristicSummarizer{}
	got, err := h.Summarize(context.Background(), []model.TurnPair{
		{User: "I like tea", Assistant: "Good to know."},
	}, "")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if !strings.Contains(got, "I like tea") {
		t.Fatalf("summary dropped content: %q", got)
	}

	if _, err := h.Summarize(context.Background(), nil, ""); !errors.Is(err, model.ErrSummarizationFailed) {
		t.Fatalf("empty window: want summarization failure, got %v", err)
	}
	if _, err := h.Summarize(context.Background(), []model.TurnPair{{User: "  "}}, ""); !errors.Is(err, model.ErrSummarizationFailed) {
		t.Fatalf("blank window: want summarization failure, got %v", err)
	}
}

func TestHeuristicSummarizerTruncates(t *testing.T) {
	h := HeuristicSummarizer{MaxLen: 10}
	got, err := h.Summarize(context.Background(), []model.TurnPair{
		{User: "a very long message that easily exceeds the budget"},
	}, "")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("truncation failed, len=%d", len(got))
	}
}

func TestProvidersRequireKeys(t *testing.T) {
	if _, err := NewOpenAISummarizer("", "", ""); err == nil {
		t.Fatal("openai summarizer without key must error")
	}
	if _, err := NewAnthropicSummarizer("", ""); err == nil {
		t.Fatal("anthropic summarizer without key must error")
	}
}
