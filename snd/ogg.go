// Package snd assembles the archival recording: captured audio frames are
// Opus-encoded and written into an in-memory Ogg container, collected as
// one-second chunks until the session stops and the blob is finalized.
package snd

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"gopkg.in/hraban/opus.v2"

	"meetscribe/pcm"
)

const (
	SampleRate    = 48000
	Channels      = 1
	FrameDuration = 20 * time.Millisecond

	// ContentType identifies the finalized container on upload.
	ContentType = "audio/ogg"

	frameSamples = SampleRate / 1000 * 20 // samples per 20 ms Opus frame
	chunkSamples = SampleRate             // one second per archival chunk

	maxOpusPacket = 4000
)

// OggWriter is the container sink the recorder writes RTP-framed Opus into.
type OggWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// OpusEncoder compresses one fixed-size PCM frame into an Opus packet.
type OpusEncoder interface {
	EncodeFloat32(pcm []float32, data []byte) (int, error)
}

// Logger is the subset of charmbracelet/log the recorder needs.
type Logger interface {
	Debug(interface{}, ...interface{})
	Error(interface{}, ...interface{})
}

// OggWriterWrapper adapts oggwriter.OggWriter to the OggWriter interface.
type OggWriterWrapper struct {
	writer *oggwriter.OggWriter
}

func NewOggWriter(w io.Writer) (*OggWriterWrapper, error) {
	writer, err := oggwriter.NewWith(w, SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("create ogg writer: %w", err)
	}
	return &OggWriterWrapper{writer: writer}, nil
}

func (o *OggWriterWrapper) WriteRTP(packet *rtp.Packet) error {
	return o.writer.WriteRTP(packet)
}

func (o *OggWriterWrapper) Close() error {
	return o.writer.Close()
}

// ChunkBuffer collects container bytes as an ordered sequence of chunks.
// Cut seals everything written since the previous cut into one chunk; Blob
// concatenates all chunks into the final immutable recording.
type ChunkBuffer struct {
	mu     sync.Mutex
	cur    bytes.Buffer
	chunks [][]byte
}

func (b *ChunkBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur.Write(p)
}

func (b *ChunkBuffer) Cut() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur.Len() == 0 {
		return
	}
	chunk := make([]byte, b.cur.Len())
	copy(chunk, b.cur.Bytes())
	b.chunks = append(b.chunks, chunk)
	b.cur.Reset()
}

func (b *ChunkBuffer) ChunkCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

func (b *ChunkBuffer) Blob() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []byte
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	out = append(out, b.cur.Bytes()...)
	return out
}

// Recorder turns audio frames at an arbitrary capture rate into the
// archival Ogg/Opus blob. Frames must arrive in capture order from a single
// goroutine; Close finalizes the container and is safe to call twice.
type Recorder struct {
	enc      OpusEncoder
	ogg      OggWriter
	buf      *ChunkBuffer
	logger   Logger
	pending  []float32
	packet   []byte
	seq      uint16
	ts       uint32
	sinceCut int
	closed   bool
	blob     []byte
}

// NewRecorder wires a recorder from its parts. Open builds one with the
// real Opus encoder and Ogg container.
func NewRecorder(enc OpusEncoder, ogg OggWriter, buf *ChunkBuffer, logger Logger) *Recorder {
	return &Recorder{
		enc:    enc,
		ogg:    ogg,
		buf:    buf,
		logger: logger,
		packet: make([]byte, maxOpusPacket),
	}
}

func Open(logger Logger) (*Recorder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}

	buf := &ChunkBuffer{}
	ogg, err := NewOggWriter(buf)
	if err != nil {
		return nil, err
	}

	return NewRecorder(enc, ogg, buf, logger), nil
}

// WriteFrame appends one captured frame at the given sample rate. Input is
// resampled to the container rate and encoded in 20 ms Opus frames; partial
// frames are held until enough samples accumulate.
func (r *Recorder) WriteFrame(samples []float32, sampleRate int) error {
	if r.closed {
		return fmt.Errorf("recorder closed")
	}

	r.pending = append(r.pending, pcm.Resample(samples, sampleRate, SampleRate)...)

	for len(r.pending) >= frameSamples {
		if err := r.encodeFrame(r.pending[:frameSamples]); err != nil {
			return err
		}
		r.pending = r.pending[frameSamples:]
	}

	return nil
}

// Close flushes the trailing partial frame, finalizes the container, and
// returns the complete blob. Subsequent calls return the same blob.
func (r *Recorder) Close() ([]byte, error) {
	if r.closed {
		return r.blob, nil
	}
	r.closed = true

	if len(r.pending) > 0 {
		frame := make([]float32, frameSamples)
		copy(frame, r.pending)
		r.pending = nil
		if err := r.encodeFrame(frame); err != nil {
			return nil, err
		}
	}

	if err := r.ogg.Close(); err != nil {
		return nil, fmt.Errorf("close ogg container: %w", err)
	}

	r.buf.Cut()
	r.blob = r.buf.Blob()
	r.logger.Debug("recording finalized", "bytes", len(r.blob), "chunks", r.buf.ChunkCount())
	return r.blob, nil
}

func (r *Recorder) encodeFrame(frame []float32) error {
	n, err := r.enc.EncodeFloat32(frame, r.packet)
	if err != nil {
		return fmt.Errorf("opus encode: %w", err)
	}

	r.seq++
	r.ts += frameSamples
	payload := make([]byte, n)
	copy(payload, r.packet[:n])

	if err := r.ogg.WriteRTP(&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0x78,
			SequenceNumber: r.seq,
			Timestamp:      r.ts,
		},
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("write opus packet: %w", err)
	}

	r.sinceCut += frameSamples
	if r.sinceCut >= chunkSamples {
		r.buf.Cut()
		r.sinceCut -= chunkSamples
	}

	return nil
}
