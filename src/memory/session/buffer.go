package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/Protocol-Lattice/recall/src/memory/model"
)

// Trigger says why a session became due for summarization.
type Trigger int

const (
	TriggerNone Trigger = iota
	TriggerCount
	TriggerIdle
)

func (t Trigger) String() string {
	switch t {
	case TriggerCount:
		return "count"
	case TriggerIdle:
		return "idle"
	default:
		return "none"
	}
}

const (
	// DefaultCountTrigger is how many buffered turn pairs make a session
	// due for a flush.
	DefaultCountTrigger = 10
	// DefaultIdleThreshold is how long a session with pending turns may
	// sit untouched before the scheduler flushes it.
	DefaultIdleThreshold = time.Hour

	minCountTrigger = 1
	maxCountTrigger = 500
)

type sessionState struct {
	pending  []model.TurnPair
	lastSeen time.Time
	persona  string
	flushing bool
}

// Buffer accumulates conversation turns per session until a trigger fires.
// All methods are safe for concurrent use; a session is only ever handed to
// one flusher at a time.
type Buffer struct {
	mu           sync.Mutex
	sessions     map[string]*sessionState
	countTrigger int
	now          func() time.Time
}

type BufferOption func(*Buffer)

// WithCountTrigger overrides the pair-count trigger, clamped to a sane range.
func WithCountTrigger(n int) BufferOption {
	return func(b *Buffer) {
		if n < minCountTrigger {
			n = minCountTrigger
		}
		if n > maxCountTrigger {
			n = maxCountTrigger
		}
		b.countTrigger = n
	}
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) BufferOption {
	return func(b *Buffer) { b.now = now }
}

func NewBuffer(opts ...BufferOption) *Buffer {
	b := &Buffer{
		sessions:     make(map[string]*sessionState),
		countTrigger: DefaultCountTrigger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Append records one user/assistant exchange and reports whether the session
// is now due for a flush. The persona sticks to the session; later appends
// may leave it empty without clearing it.
func (b *Buffer) Append(sessionID, personaID string, pair model.TurnPair) (Trigger, error) {
	if !model.ValidSessionID(sessionID) {
		return TriggerNone, fmt.Errorf("invalid session id %q", sessionID)
	}
	if personaID != "" && !model.ValidPersonaID(personaID) {
		return TriggerNone, fmt.Errorf("invalid persona id %q", personaID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		b.sessions[sessionID] = st
	}
	if pair.At.IsZero() {
		pair.At = b.now()
	}
	st.pending = append(st.pending, pair)
	st.lastSeen = b.now()
	if personaID != "" {
		st.persona = personaID
	}
	if !st.flushing && len(st.pending) >= b.countTrigger {
		return TriggerCount, nil
	}
	return TriggerNone, nil
}

// BeginFlush atomically takes the session's pending turns and marks it as
// flushing. It returns false when there is nothing to do or another flush of
// the same session is already in flight, so concurrent triggers coalesce.
func (b *Buffer) BeginFlush(sessionID string) ([]model.TurnPair, string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.sessions[sessionID]
	if !ok || st.flushing || len(st.pending) == 0 {
		return nil, "", false
	}
	taken := st.pending
	st.pending = nil
	st.flushing = true
	return taken, st.persona, true
}

// CompleteFlush ends a flush started by BeginFlush. On failure the caller
// passes the taken turns back and they are prepended, keeping order ahead of
// anything appended while the flush ran.
func (b *Buffer) CompleteFlush(sessionID string, restore []model.TurnPair) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	st.flushing = false
	if len(restore) > 0 {
		st.pending = append(append([]model.TurnPair(nil), restore...), st.pending...)
	}
	if len(st.pending) == 0 {
		delete(b.sessions, sessionID)
	}
}

// IdleSessions lists sessions with pending turns untouched for at least
// threshold. Sessions mid-flush are skipped.
func (b *Buffer) IdleSessions(threshold time.Duration) []string {
	if threshold <= 0 {
		threshold = DefaultIdleThreshold
	}
	cutoff := b.now().Add(-threshold)
	b.mu.Lock()
	defer b.mu.Unlock()
	var due []string
	for id, st := range b.sessions {
		if st.flushing || len(st.pending) == 0 {
			continue
		}
		if st.lastSeen.Before(cutoff) || st.lastSeen.Equal(cutoff) {
			due = append(due, id)
		}
	}
	return due
}

// Pending reports how many turn pairs a session has buffered.
func (b *Buffer) Pending(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.sessions[sessionID]
	if !ok {
		return 0
	}
	return len(st.pending)
}

// Persona returns the persona recorded for a session, if any.
func (b *Buffer) Persona(sessionID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.sessions[sessionID]
	if !ok {
		return ""
	}
	return st.persona
}

// Sessions lists every session currently holding buffered turns.
func (b *Buffer) Sessions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		out = append(out, id)
	}
	return out
}
