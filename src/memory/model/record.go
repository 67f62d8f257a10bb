package model

import (
	"math"
	"sort"
	"time"
)

// Field names shared by every backend. The networked backend persists them as
// collection fields; the local backend carries them in its sidecar.
const (
	FieldMemoryID   = "memory_id"
	FieldSessionID  = "session_id"
	FieldPersonaID  = "personality_id"
	FieldContent    = "content"
	FieldEmbedding  = "embedding"
	FieldCreateTime = "create_time"
)

// DefaultOutputFields are the fields returned by retrieval queries unless the
// caller asks for more.
var DefaultOutputFields = []string{FieldContent, FieldCreateTime, FieldMemoryID}

// AllOutputFields names every persisted field, embeddings included. Full-copy
// reads (migration) must use this; backends that honor output fields return
// empty vectors otherwise.
var AllOutputFields = []string{
	FieldMemoryID, FieldSessionID, FieldPersonaID,
	FieldContent, FieldEmbedding, FieldCreateTime,
}

// UnknownPersona is stored when persona filtering is enabled but the host
// could not resolve a persona for the session.
const UnknownPersona = "UNKNOWN_PERSONA"

// MemoryRecord is one persisted long-term memory: a summarized window of
// conversation plus its embedding. Content and embedding are immutable once
// the record exists.
type MemoryRecord struct {
	MemoryID  int64          `json:"memory_id"`
	SessionID string         `json:"session_id"`
	PersonaID string         `json:"personality_id"`
	Content   string         `json:"content"`
	Embedding []float32      `json:"embedding"`
	CreatedAt time.Time      `json:"create_time"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ScoredRecord is a MemoryRecord annotated with a similarity score from a
// vector search.
type ScoredRecord struct {
	MemoryRecord
	Score float64
}

// BackendKind tags which adapter a collection lives in.
type BackendKind string

const (
	BackendMilvus BackendKind = "milvus"
	BackendLocal  BackendKind = "local"
	BackendMemory BackendKind = "memory"
)

// CollectionStats summarizes one collection for operators and for migration
// parity checks.
type CollectionStats struct {
	Name    string
	Count   int
	Dim     int
	Backend BackendKind
}

// TurnPair is one buffered user/assistant exchange awaiting summarization.
type TurnPair struct {
	User      string
	Assistant string
	At        time.Time
}

// CosineSimilarity returns the cosine similarity of two vectors, 0 when either
// is empty or lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// SortScoredRecords orders results by descending score, breaking ties by the
// more recently created record first. Ordering is deterministic for identical
// inputs.
func SortScoredRecords(records []ScoredRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Score != records[j].Score {
			return records[i].Score > records[j].Score
		}
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].MemoryID > records[j].MemoryID
	})
}
