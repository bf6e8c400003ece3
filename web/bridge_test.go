package web

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"meetscribe/asr"
	"meetscribe/store"
	"meetscribe/wire"
)

// scriptEngine hands out scriptStreams that replay canned events: one
// batch after the first audio chunk, another on commit.
type scriptEngine struct {
	onAudio  []asr.Event
	onCommit []asr.Event

	mu     sync.Mutex
	stream *scriptStream
}

func (e *scriptEngine) Start(ctx context.Context, language string) (asr.Stream, error) {
	s := &scriptStream{
		events:   make(chan asr.Event, 32),
		onAudio:  e.onAudio,
		onCommit: e.onCommit,
	}
	e.mu.Lock()
	e.stream = s
	e.mu.Unlock()
	return s, nil
}

func (e *scriptEngine) audioBytes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stream == nil {
		return 0
	}
	return e.stream.audioBytes()
}

type scriptStream struct {
	mu       sync.Mutex
	received int
	chunks   int

	events    chan asr.Event
	onAudio   []asr.Event
	onCommit  []asr.Event
	closeOnce sync.Once
}

func (s *scriptStream) SendAudio(pcm []byte) error {
	s.mu.Lock()
	s.received += len(pcm)
	s.chunks++
	first := s.chunks == 1
	s.mu.Unlock()
	if first {
		for _, ev := range s.onAudio {
			s.events <- ev
		}
	}
	return nil
}

func (s *scriptStream) Commit() error {
	for _, ev := range s.onCommit {
		s.events <- ev
	}
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

func (s *scriptStream) Events() <-chan asr.Event { return s.events }

func (s *scriptStream) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

func (s *scriptStream) audioBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

func dialTranscribe(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/transcribe"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readServerMessage(t *testing.T, conn *websocket.Conn) (wire.ServerMessage, bool) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg wire.ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return wire.ServerMessage{}, false
		}
		t.Fatalf("read: %v", err)
	}
	return msg, true
}

func TestTranscribeSession(t *testing.T) {
	engine := &scriptEngine{
		onAudio: []asr.Event{
			{Kind: asr.KindPartial, Text: "hel"},
			{Kind: asr.KindPartial, Text: "hello"},
			{Kind: asr.KindCommitted, Text: "  Hello.  "},
			{Kind: asr.KindCommitted, Text: "   "},
		},
		onCommit: []asr.Event{
			{Kind: asr.KindCommitted, Text: "Goodbye."},
		},
	}
	st := store.NewMemory()
	srv := NewServer(st, engine, testLogger())
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn := dialTranscribe(t, ts)
	if err := conn.WriteJSON(wire.StartMessage("Standup", "en")); err != nil {
		t.Fatal(err)
	}

	ack, _ := readServerMessage(t, conn)
	if ack.Type != wire.TypeSessionStarted || ack.MeetingID == "" {
		t.Fatalf("ack = %+v", ack)
	}
	meetingID := ack.MeetingID

	// One second of audio at 16 kHz.
	pcm := make([]byte, 32000)
	if err := conn.WriteJSON(wire.AudioMessage(pcm)); err != nil {
		t.Fatal(err)
	}

	var got []wire.ServerMessage
	for len(got) < 3 {
		msg, ok := readServerMessage(t, conn)
		if !ok {
			t.Fatalf("connection closed after %d messages", len(got))
		}
		got = append(got, msg)
	}
	if got[0].Type != wire.TypePartial || got[0].Text != "hel" {
		t.Errorf("first message = %+v", got[0])
	}
	if got[1].Type != wire.TypePartial || got[1].Text != "hello" {
		t.Errorf("second message = %+v", got[1])
	}
	if got[2].Type != wire.TypeCommitted || got[2].Text != "Hello." {
		t.Errorf("third message = %+v", got[2])
	}

	if err := conn.WriteJSON(wire.StopMessage()); err != nil {
		t.Fatal(err)
	}

	// The whitespace-only commit is suppressed, so the next message is the
	// segment finalized on stop, then a normal close.
	final, ok := readServerMessage(t, conn)
	if !ok {
		t.Fatal("connection closed before final segment")
	}
	if final.Type != wire.TypeCommitted || final.Text != "Goodbye." {
		t.Errorf("final message = %+v", final)
	}
	if _, ok := readServerMessage(t, conn); ok {
		t.Error("expected normal close after final segment")
	}

	meeting, segments, err := st.GetMeeting(context.Background(), meetingID)
	if err != nil {
		t.Fatal(err)
	}
	if meeting.Status != store.StatusCompleted {
		t.Errorf("status = %q", meeting.Status)
	}
	if meeting.DurationSeconds != 1 {
		t.Errorf("duration = %d, want 1", meeting.DurationSeconds)
	}
	if meeting.SegmentCount != 2 {
		t.Errorf("segment count = %d, want 2", meeting.SegmentCount)
	}
	if len(segments) != 2 || segments[0].Text != "Hello." || segments[1].Text != "Goodbye." {
		t.Errorf("segments = %+v", segments)
	}

	if engine.audioBytes() != 32000 {
		t.Errorf("engine received %d bytes, want 32000", engine.audioBytes())
	}
}

func TestTranscribeRequiresStartFirst(t *testing.T) {
	st := store.NewMemory()
	srv := NewServer(st, &scriptEngine{}, testLogger())
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn := dialTranscribe(t, ts)
	if err := conn.WriteJSON(wire.AudioMessage([]byte{0, 0})); err != nil {
		t.Fatal(err)
	}

	msg, ok := readServerMessage(t, conn)
	if !ok {
		t.Fatal("closed without an error message")
	}
	if msg.Type != wire.TypeError {
		t.Fatalf("message = %+v, want error", msg)
	}
	if _, ok := readServerMessage(t, conn); ok {
		t.Error("expected close after protocol error")
	}

	meetings, _ := st.ListMeetings(context.Background())
	if len(meetings) != 0 {
		t.Errorf("meeting created despite protocol error: %+v", meetings)
	}
}

func TestTranscribeClientVanishes(t *testing.T) {
	engine := &scriptEngine{}
	st := store.NewMemory()
	srv := NewServer(st, engine, testLogger())
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn := dialTranscribe(t, ts)
	if err := conn.WriteJSON(wire.StartMessage("Standup", "")); err != nil {
		t.Fatal(err)
	}
	ack, _ := readServerMessage(t, conn)
	if ack.Type != wire.TypeSessionStarted {
		t.Fatalf("ack = %+v", ack)
	}
	conn.Close()

	// The meeting is still finalized rather than left dangling.
	deadline := time.Now().Add(5 * time.Second)
	for {
		meeting, _, err := st.GetMeeting(context.Background(), ack.MeetingID)
		if err == nil && meeting.Status == store.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("meeting not finalized: %+v err %v", meeting, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestNewMeetingID(t *testing.T) {
	now := time.Date(2026, 8, 29, 15, 30, 12, 0, time.UTC)
	id := NewMeetingID(now)
	if !strings.HasPrefix(id, "20260829_153012_") {
		t.Errorf("id = %q", id)
	}
	if len(id) != len("20260829_153012_")+8 {
		t.Errorf("id length = %d", len(id))
	}
	if id == NewMeetingID(now) {
		t.Error("ids should differ for the same instant")
	}
}
