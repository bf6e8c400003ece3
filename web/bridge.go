package web

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"meetscribe/asr"
	"meetscribe/store"
	"meetscribe/wire"
)

const (
	// drainWait is how long the bridge keeps listening for late committed
	// segments after asking the engine to finalize.
	drainWait = 800 * time.Millisecond
	// relayWait caps how long teardown waits for the relay goroutine.
	relayWait = 3 * time.Second
)

// NewMeetingID returns a sortable identifier like 20260829_153012_a1b2c3d4.
func NewMeetingID(now time.Time) string {
	return now.UTC().Format("20060102_150405") + "_" + uuid.NewString()[:8]
}

// bridge is one live transcription session: a client websocket on one
// side, an engine stream on the other.
type bridge struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	store  Store
	logger *log.Logger

	meetingID string
	started   time.Time
	pcmBytes  int
	segments  int
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	b := &bridge{conn: conn, store: s.store, logger: s.logger}

	var first wire.ClientMessage
	if err := conn.ReadJSON(&first); err != nil {
		s.logger.Debug("client gone before start", "error", err)
		return
	}
	if first.Type != wire.TypeStart {
		b.send(wire.ServerMessage{
			Type:    wire.TypeError,
			Message: fmt.Sprintf("expected start, got %q", first.Type),
		})
		b.closeNormally()
		return
	}

	ctx := context.Background()

	b.meetingID = NewMeetingID(time.Now())
	b.started = time.Now()
	title := first.Title
	if title == "" {
		title = "Untitled meeting"
	}
	err = s.store.CreateMeeting(ctx, store.Meeting{
		ID:        b.meetingID,
		Title:     title,
		Language:  first.Language,
		Status:    store.StatusRecording,
		CreatedAt: b.started,
	})
	if err != nil {
		s.logger.Error("create meeting", "error", err)
		b.send(wire.ServerMessage{Type: wire.TypeError, Message: "could not create meeting"})
		b.closeNormally()
		return
	}

	stream, err := s.engine.Start(ctx, first.Language)
	if err != nil {
		s.logger.Error("engine start", "meeting", b.meetingID, "error", err)
		b.send(wire.ServerMessage{Type: wire.TypeError, Message: "recognition engine unavailable"})
		b.closeNormally()
		return
	}

	s.logger.Info("session started", "meeting", b.meetingID, "language", first.Language)
	b.send(wire.ServerMessage{Type: wire.TypeSessionStarted, MeetingID: b.meetingID})

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		b.relay(ctx, stream)
	}()

	b.pump(stream)

	// Finalize whether the client said stop or just vanished.
	if err := stream.Commit(); err != nil {
		s.logger.Debug("engine commit", "meeting", b.meetingID, "error", err)
	}
	time.Sleep(drainWait)
	stream.Close()
	select {
	case <-relayDone:
	case <-time.After(relayWait):
		s.logger.Warn("relay did not drain", "meeting", b.meetingID)
	}

	duration := b.pcmBytes / 2 / wire.StreamSampleRate
	if err := s.store.FinishMeeting(ctx, b.meetingID, duration, b.segments); err != nil {
		s.logger.Error("finish meeting", "meeting", b.meetingID, "error", err)
	}
	s.logger.Info("session finished",
		"meeting", b.meetingID,
		"duration", duration,
		"segments", b.segments,
	)
	b.closeNormally()
}

// pump reads client messages until stop or disconnect, forwarding audio
// to the engine.
func (b *bridge) pump(stream asr.Stream) {
	for {
		var msg wire.ClientMessage
		if err := b.conn.ReadJSON(&msg); err != nil {
			b.logger.Debug("client disconnected", "meeting", b.meetingID, "error", err)
			return
		}
		switch msg.Type {
		case wire.TypeAudio:
			pcm, err := msg.PCM()
			if err != nil {
				b.send(wire.ServerMessage{Type: wire.TypeError, Message: "bad audio payload"})
				continue
			}
			b.pcmBytes += len(pcm)
			if err := stream.SendAudio(pcm); err != nil {
				b.logger.Error("engine audio", "meeting", b.meetingID, "error", err)
				b.send(wire.ServerMessage{Type: wire.TypeError, Message: "recognition engine failed"})
				return
			}
		case wire.TypeStop:
			b.logger.Debug("stop requested", "meeting", b.meetingID)
			return
		default:
			b.logger.Warn("ignoring message", "meeting", b.meetingID, "type", msg.Type)
		}
	}
}

// relay forwards engine events to the client and persists committed
// segments until the engine stream closes.
func (b *bridge) relay(ctx context.Context, stream asr.Stream) {
	for ev := range stream.Events() {
		switch ev.Kind {
		case asr.KindPartial:
			b.send(wire.ServerMessage{Type: wire.TypePartial, Text: ev.Text})
		case asr.KindCommitted:
			text := strings.TrimSpace(ev.Text)
			if text == "" {
				continue
			}
			b.segments++
			err := b.store.AppendSegment(ctx, b.meetingID, b.segments, text, time.Now())
			if err != nil {
				b.logger.Error("append segment", "meeting", b.meetingID, "error", err)
			}
			b.send(wire.ServerMessage{Type: wire.TypeCommitted, Text: text})
		case asr.KindError:
			b.logger.Error("engine error", "meeting", b.meetingID, "message", ev.Message)
			b.send(wire.ServerMessage{Type: wire.TypeError, Message: ev.Message})
		case asr.KindClosed:
			return
		}
	}
}

func (b *bridge) send(msg wire.ServerMessage) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.WriteJSON(msg); err != nil {
		b.logger.Debug("write to client", "meeting", b.meetingID, "error", err)
	}
}

func (b *bridge) closeNormally() {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	b.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
}
