// Package store persists finished and in-progress meetings: metadata,
// committed transcript segments, and the archived audio recording.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a meeting or its recording does not exist.
var ErrNotFound = errors.New("meeting not found")

// Meeting statuses.
const (
	StatusRecording = "recording"
	StatusCompleted = "completed"
)

type Meeting struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Language        string    `json:"language,omitempty"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	DurationSeconds int       `json:"duration"`
	SegmentCount    int       `json:"segment_count"`
}

type Segment struct {
	Seq         int       `json:"seq"`
	Text        string    `json:"text"`
	CommittedAt time.Time `json:"timestamp"`
}

type Recording struct {
	ContentType string
	Data        []byte
}
