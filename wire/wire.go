// Package wire defines the JSON message protocol spoken between the
// recording client and the transcription server. Every message is a tagged
// object; audio payloads are base64-encoded little-endian 16-bit PCM at
// 16 kHz mono.
package wire

import (
	"encoding/base64"
	"fmt"
)

const (
	TypeStart = "start"
	TypeAudio = "audio"
	TypeStop  = "stop"

	TypeSessionStarted = "session_started"
	TypePartial        = "partial"
	TypeCommitted      = "committed"
	TypeError          = "error"
)

// StreamSampleRate is the sample rate of all audio payloads on the wire.
const StreamSampleRate = 16000

// ClientMessage is sent from the client to the server.
type ClientMessage struct {
	Type     string `json:"type"`
	Title    string `json:"title,omitempty"`
	Language string `json:"language,omitempty"`
	Data     string `json:"data,omitempty"`
}

// ServerMessage is sent from the server to the client.
type ServerMessage struct {
	Type      string `json:"type"`
	MeetingID string `json:"meeting_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Message   string `json:"message,omitempty"`
}

// StartMessage builds the session-opening message. Title and language are
// optional and omitted when empty.
func StartMessage(title, language string) ClientMessage {
	return ClientMessage{Type: TypeStart, Title: title, Language: language}
}

// AudioMessage wraps one encoded PCM chunk for transmission.
func AudioMessage(pcm []byte) ClientMessage {
	return ClientMessage{
		Type: TypeAudio,
		Data: base64.StdEncoding.EncodeToString(pcm),
	}
}

// StopMessage signals the end of the audio stream.
func StopMessage() ClientMessage {
	return ClientMessage{Type: TypeStop}
}

// PCM decodes the audio payload of an audio message.
func (m ClientMessage) PCM() ([]byte, error) {
	if m.Type != TypeAudio {
		return nil, fmt.Errorf("not an audio message: %q", m.Type)
	}
	data, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	return data, nil
}
