package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory keeps everything in maps. It backs the server when no database
// is configured and the tests.
type Memory struct {
	mu         sync.Mutex
	meetings   map[string]Meeting
	segments   map[string][]Segment
	recordings map[string]Recording
}

func NewMemory() *Memory {
	return &Memory{
		meetings:   make(map[string]Meeting),
		segments:   make(map[string][]Segment),
		recordings: make(map[string]Recording),
	}
}

func (s *Memory) CreateMeeting(ctx context.Context, m Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meetings[m.ID] = m
	return nil
}

func (s *Memory) FinishMeeting(ctx context.Context, id string, durationSeconds, segmentCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = StatusCompleted
	m.DurationSeconds = durationSeconds
	m.SegmentCount = segmentCount
	s.meetings[id] = m
	return nil
}

func (s *Memory) AppendSegment(ctx context.Context, meetingID string, seq int, text string, committedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments[meetingID] = append(s.segments[meetingID], Segment{
		Seq:         seq,
		Text:        text,
		CommittedAt: committedAt,
	})
	return nil
}

func (s *Memory) ListMeetings(ctx context.Context) ([]Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meetings := make([]Meeting, 0, len(s.meetings))
	for _, m := range s.meetings {
		meetings = append(meetings, m)
	}
	sort.Slice(meetings, func(i, j int) bool {
		return meetings[i].CreatedAt.After(meetings[j].CreatedAt)
	})
	return meetings, nil
}

func (s *Memory) GetMeeting(ctx context.Context, id string) (Meeting, []Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return Meeting{}, nil, ErrNotFound
	}
	segments := make([]Segment, len(s.segments[id]))
	copy(segments, s.segments[id])
	return m, segments, nil
}

func (s *Memory) PutAudio(ctx context.Context, meetingID, contentType string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob := make([]byte, len(data))
	copy(blob, data)
	s.recordings[meetingID] = Recording{ContentType: contentType, Data: blob}
	return nil
}

func (s *Memory) GetAudio(ctx context.Context, meetingID string) (Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recordings[meetingID]
	if !ok {
		return Recording{}, ErrNotFound
	}
	return r, nil
}

func (s *Memory) DeleteMeeting(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[id]; !ok {
		return ErrNotFound
	}
	delete(s.meetings, id)
	delete(s.segments, id)
	delete(s.recordings, id)
	return nil
}
