// Package asr abstracts the speech recognition engine the server bridges
// to. The engine is a black box that accepts a PCM stream and emits partial
// hypotheses and committed transcript segments.
package asr

import "context"

type Kind int

const (
	KindPartial Kind = iota
	KindCommitted
	KindError
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindPartial:
		return "partial"
	case KindCommitted:
		return "committed"
	case KindError:
		return "error"
	case KindClosed:
		return "closed"
	}
	return "unknown"
}

// Event is one engine-side occurrence, delivered in engine order.
type Event struct {
	Kind    Kind
	Text    string
	Message string
}

// Stream is one live recognition session.
type Stream interface {
	// SendAudio forwards little-endian 16-bit PCM at 16 kHz mono.
	SendAudio(pcm []byte) error
	// Commit asks the engine to finalize any pending hypothesis.
	Commit() error
	// Events yields engine events until the stream closes.
	Events() <-chan Event
	Close() error
}

// Engine opens recognition streams.
type Engine interface {
	Start(ctx context.Context, language string) (Stream, error)
}
