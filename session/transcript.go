package session

import (
	"strings"
	"sync"
	"time"
)

// Segment is one finalized transcript unit. Segments are never revised.
type Segment struct {
	Text        string
	CommittedAt time.Time
}

// Transcript holds the reconciled per-session transcript: an append-only
// sequence of committed segments plus at most one partial hypothesis. The
// partial never survives a commit; a commit clears it in the same critical
// section that appends the segment.
type Transcript struct {
	mu       sync.Mutex
	segments []Segment
	partial  string
}

// SetPartial replaces the current partial hypothesis.
func (t *Transcript) SetPartial(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partial = text
}

// Commit appends a finalized segment and clears the partial hypothesis.
// Whitespace-only text is a defined no-op and leaves both untouched.
func (t *Transcript) Commit(text string, at time.Time) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.partial = ""
	t.segments = append(t.segments, Segment{Text: trimmed, CommittedAt: at})
	return true
}

// Partial returns the current partial hypothesis, empty if none.
func (t *Transcript) Partial() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.partial
}

// Segments returns a copy of the committed segments in commit order.
func (t *Transcript) Segments() []Segment {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Segment, len(t.segments))
	copy(out, t.segments)
	return out
}

// Text joins all committed segments with newlines.
func (t *Transcript) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	parts := make([]string, len(t.segments))
	for i, s := range t.segments {
		parts[i] = s.Text
	}
	return strings.Join(parts, "\n")
}
