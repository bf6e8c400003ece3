package asr

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

// ScribeClient talks to a hosted realtime transcription service over a
// websocket. One client can open many streams.
type ScribeClient struct {
	BaseURL string
	APIKey  string
	Logger  *log.Logger
}

func NewScribeClient(baseURL, apiKey string, logger *log.Logger) *ScribeClient {
	return &ScribeClient{BaseURL: baseURL, APIKey: apiKey, Logger: logger}
}

type scribeOutbound struct {
	AudioBase64 string `json:"audio_base_64,omitempty"`
	Type        string `json:"type,omitempty"`
}

type scribeInbound struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
}

func (c *ScribeClient) Start(ctx context.Context, language string) (Stream, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse engine url: %w", err)
	}
	q := u.Query()
	q.Set("sample_rate", "16000")
	q.Set("encoding", "pcm_s16le")
	if language != "" {
		q.Set("language_code", language)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", fmt.Sprintf("Bearer %s", c.APIKey))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("connect to engine: %w", err)
	}

	s := &scribeStream{
		conn:   conn,
		logger: c.Logger,
		events: make(chan Event, 32),
	}
	go s.readLoop()

	return s, nil
}

type scribeStream struct {
	conn   *websocket.Conn
	logger *log.Logger
	events chan Event

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

func (s *scribeStream) readLoop() {
	defer close(s.events)
	for {
		var msg scribeInbound
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.events <- Event{Kind: KindError, Message: err.Error()}
			}
			s.events <- Event{Kind: KindClosed}
			return
		}

		switch msg.Type {
		case "partial_transcript":
			s.events <- Event{Kind: KindPartial, Text: msg.Text}
		case "committed_transcript", "final_transcript":
			s.events <- Event{Kind: KindCommitted, Text: msg.Text}
		case "error":
			s.events <- Event{Kind: KindError, Message: msg.Message}
		default:
			s.logger.Debug("engine event ignored", "type", msg.Type)
		}
	}
}

func (s *scribeStream) SendAudio(pcm []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(scribeOutbound{
		AudioBase64: base64.StdEncoding.EncodeToString(pcm),
	})
}

func (s *scribeStream) Commit() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(scribeOutbound{Type: "commit"})
}

func (s *scribeStream) Events() <-chan Event {
	return s.events
}

func (s *scribeStream) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.writeMu.Lock()
	err := s.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	s.writeMu.Unlock()
	if err != nil && !strings.Contains(err.Error(), "close sent") {
		s.logger.Debug("engine close message", "error", err)
	}

	return s.conn.Close()
}
