// Package session implements the realtime transcription session: the
// websocket protocol client that streams audio and reconciles server
// events into a transcript, the lifecycle controller that orders capture,
// protocol, and archival teardown, and the best-effort archival uploader.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"meetscribe/wire"
)

// State is the protocol client's lifecycle position. Transitions only move
// forward except into Errored, which is reachable from any non-closed
// state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingAck
	StateStreaming
	StateStopping
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

type EventKind int

const (
	EventStarted EventKind = iota
	EventPartial
	EventCommitted
	EventServerError
	EventDisconnected
	EventClosed
)

// Event is surfaced to the caller (the live view during recording) as
// server messages are reconciled.
type Event struct {
	Kind      EventKind
	MeetingID string
	Text      string
	Message   string
}

// ErrConnection marks channel-level failures. A dropped connection aborts
// the session; there is no reconnect.
var ErrConnection = errors.New("transcription connection failed")

// DefaultStopGrace is how long the client waits after sending stop for the
// server to flush a final commit and close the channel.
const DefaultStopGrace = 1500 * time.Millisecond

// audioQueueCap bounds the outbound audio queue. When the channel cannot
// keep up with capture, the oldest queued chunk is dropped first.
const audioQueueCap = 200

// transcribePath is the server's websocket endpoint.
const transcribePath = "/ws/transcribe"

// StartOptions carries the optional session metadata in the start message.
type StartOptions struct {
	Title    string
	Language string
}

// Client owns one bidirectional channel to the transcription server and
// the transcript reconciled from its messages.
type Client struct {
	logger     *log.Logger
	conn       *websocket.Conn
	transcript *Transcript
	events     chan Event
	outbound   chan wire.ClientMessage
	readerDone chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	mu        sync.Mutex
	state     State
	meetingID string
}

// Dial opens the channel, sends the start message, and begins reading
// server events. Audio is withheld until the server acknowledges the
// session; frames offered in that window are discarded.
func Dial(ctx context.Context, serverURL string, opts StartOptions, logger *log.Logger) (*Client, error) {
	wsURL, err := websocketURL(serverURL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		logger:     logger,
		transcript: &Transcript{},
		events:     make(chan Event, 256),
		outbound:   make(chan wire.ClientMessage, audioQueueCap),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
		state:      StateConnecting,
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		c.setState(StateErrored)
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	c.conn = conn

	// The start message is first on the channel; nothing else is queued yet.
	if err := conn.WriteJSON(wire.StartMessage(opts.Title, opts.Language)); err != nil {
		conn.Close()
		c.setState(StateErrored)
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	c.setState(StateAwaitingAck)

	go c.readLoop()
	go c.writeLoop()

	return c, nil
}

func (c *Client) Transcript() *Transcript { return c.transcript }

func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MeetingID is the server-assigned session identifier, empty until the
// server acknowledges the start message.
func (c *Client) MeetingID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meetingID
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// SendAudio queues one encoded chunk for transmission, fire-and-forget.
// Chunks are dropped while the session is not streaming, and the oldest
// queued chunk is dropped when the queue is full.
func (c *Client) SendAudio(pcm []byte) {
	c.mu.Lock()
	streaming := c.state == StateStreaming
	c.mu.Unlock()
	if !streaming {
		return
	}

	msg := wire.AudioMessage(pcm)
	select {
	case c.outbound <- msg:
	default:
		select {
		case dropped := <-c.outbound:
			if dropped.Type != wire.TypeAudio {
				// Never sacrifice a control message for audio.
				c.outbound <- dropped
				return
			}
			c.logger.Warn("audio queue full, dropping oldest chunk", "bytes", len(dropped.Data))
		default:
		}
		select {
		case c.outbound <- msg:
		default:
		}
	}
}

// RequestStop transitions to stopping and sends the stop message behind
// any queued audio. No-op once the session is stopping, closed, or
// errored.
func (c *Client) RequestStop() {
	c.mu.Lock()
	switch c.state {
	case StateStopping, StateClosed, StateErrored, StateDisconnected:
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	c.mu.Unlock()

	select {
	case c.outbound <- wire.StopMessage():
	case <-c.writerDone:
	}
}

// AwaitClose waits up to grace for the server to close the channel after a
// stop, then forces closure. Safe to call in any state.
func (c *Client) AwaitClose(grace time.Duration) {
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-c.readerDone:
	case <-timer.C:
		c.logger.Debug("close grace elapsed, forcing closure")
	}
	c.forceClose()
	<-c.readerDone

	c.mu.Lock()
	if c.state != StateErrored {
		c.state = StateClosed
	}
	c.mu.Unlock()
}

// Abort tears the channel down immediately, for error paths where no stop
// handshake is possible.
func (c *Client) Abort() {
	c.forceClose()
	<-c.readerDone
	c.mu.Lock()
	if c.state != StateErrored {
		c.state = StateClosed
	}
	c.mu.Unlock()
}

func (c *Client) forceClose() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

func (c *Client) readLoop() {
	defer close(c.readerDone)
	defer close(c.events)

	for {
		var msg wire.ServerMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.handleChannelClosed(err)
			return
		}
		c.handleServerMessage(msg)
	}
}

// handleServerMessage applies one server event. Channel order is the sole
// source of partial/committed sequencing; no reordering happens here.
func (c *Client) handleServerMessage(msg wire.ServerMessage) {
	switch msg.Type {
	case wire.TypeSessionStarted:
		c.mu.Lock()
		c.meetingID = msg.MeetingID
		if c.state == StateAwaitingAck {
			c.state = StateStreaming
		}
		c.mu.Unlock()
		c.logger.Info("session started", "meeting_id", msg.MeetingID)
		c.emit(Event{Kind: EventStarted, MeetingID: msg.MeetingID})

	case wire.TypePartial:
		c.transcript.SetPartial(msg.Text)
		c.emit(Event{Kind: EventPartial, Text: msg.Text})

	case wire.TypeCommitted:
		if c.transcript.Commit(msg.Text, time.Now()) {
			c.logger.Info("committed", "text", msg.Text)
			c.emit(Event{Kind: EventCommitted, Text: strings.TrimSpace(msg.Text)})
		}

	case wire.TypeError:
		c.logger.Error("server error", "message", msg.Message)
		c.emit(Event{Kind: EventServerError, Message: msg.Message})

	default:
		// A single malformed message is logged and ignored, not fatal.
		c.logger.Warn("unexpected server message", "type", msg.Type)
	}
}

func (c *Client) handleChannelClosed(err error) {
	c.mu.Lock()
	stopping := c.state == StateStopping || c.state == StateClosed
	if stopping {
		c.state = StateClosed
	} else {
		c.state = StateErrored
	}
	c.mu.Unlock()

	if stopping || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.emit(Event{Kind: EventClosed})
		return
	}

	c.logger.Error("connection lost", "error", err)
	c.emit(Event{Kind: EventDisconnected, Message: err.Error()})
}

func (c *Client) writeLoop() {
	defer close(c.writerDone)

	for {
		select {
		case <-c.readerDone:
			return
		case msg := <-c.outbound:
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debug("write failed", "type", msg.Type, "error", err)
				return
			}
		}
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event buffer full, dropping", "kind", ev.Kind)
	}
}

// websocketURL turns the configured server base URL into the transcribe
// endpoint's ws:// or wss:// form.
func websocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme: %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + transcribePath
	return u.String(), nil
}
