package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"meetscribe/wire"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	copy(out, l.calls)
	return out
}

type fakeCapture struct {
	log      *callLog
	fn       func(samples []float32, sampleRate int)
	blob     []byte
	startErr error
}

func (f *fakeCapture) Start(fn func(samples []float32, sampleRate int)) error {
	f.log.add("capture.start")
	if f.startErr != nil {
		return f.startErr
	}
	f.fn = fn
	return nil
}

func (f *fakeCapture) Halt()           { f.log.add("capture.halt") }
func (f *fakeCapture) Release()        { f.log.add("capture.release") }
func (f *fakeCapture) SampleRate() int { return 16000 }

func (f *fakeCapture) Finalize() ([]byte, error) {
	f.log.add("capture.finalize")
	return f.blob, nil
}

type fakeProtocol struct {
	log       *callLog
	meetingID string
}

func (f *fakeProtocol) SendAudio(pcm []byte)            { f.log.add("proto.audio") }
func (f *fakeProtocol) RequestStop()                    { f.log.add("proto.stop") }
func (f *fakeProtocol) AwaitClose(grace time.Duration)  { f.log.add("proto.close") }
func (f *fakeProtocol) Abort()                          { f.log.add("proto.abort") }
func (f *fakeProtocol) MeetingID() string               { return f.meetingID }
func (f *fakeProtocol) Transcript() *Transcript         { return &Transcript{} }
func (f *fakeProtocol) Events() <-chan Event            { return nil }

type recordingUploader struct {
	log   *callLog
	mu    sync.Mutex
	ids   []string
	blobs [][]byte
	err   error
}

func (u *recordingUploader) Upload(ctx context.Context, meetingID string, blob []byte) error {
	if u.log != nil {
		u.log.add("upload")
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ids = append(u.ids, meetingID)
	u.blobs = append(u.blobs, blob)
	return u.err
}

func TestControllerDeviceFailureNeverDials(t *testing.T) {
	dials := 0
	ctrl := NewController(
		"http://ignored",
		func() (Capture, error) { return nil, errors.New("microphone busy") },
		func(ctx context.Context, serverURL string, opts StartOptions) (Protocol, error) {
			dials++
			return nil, nil
		},
		&recordingUploader{},
		0,
		testLogger(),
	)

	if _, err := ctrl.Start(context.Background(), StartOptions{}); err == nil {
		t.Fatal("expected device error")
	}
	if dials != 0 {
		t.Errorf("channel was dialed %d times after device failure", dials)
	}
	if ctrl.Active() {
		t.Error("controller should not be active after failed start")
	}
	// Stop after a failed start is a defined no-op.
	if err := ctrl.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestControllerAlreadyRecording(t *testing.T) {
	clog := &callLog{}
	ctrl := NewController(
		"http://ignored",
		func() (Capture, error) { return &fakeCapture{log: clog}, nil },
		func(ctx context.Context, serverURL string, opts StartOptions) (Protocol, error) {
			return &fakeProtocol{log: clog, meetingID: "m1"}, nil
		},
		&recordingUploader{log: clog},
		0,
		testLogger(),
	)

	if _, err := ctrl.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := ctrl.Start(context.Background(), StartOptions{}); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("second Start = %v, want ErrAlreadyRecording", err)
	}
}

func TestControllerStopOrdering(t *testing.T) {
	clog := &callLog{}
	uploader := &recordingUploader{log: clog}
	capture := &fakeCapture{log: clog, blob: []byte("oggdata")}

	ctrl := NewController(
		"http://ignored",
		func() (Capture, error) { return capture, nil },
		func(ctx context.Context, serverURL string, opts StartOptions) (Protocol, error) {
			return &fakeProtocol{log: clog, meetingID: "m1"}, nil
		},
		uploader,
		0,
		testLogger(),
	)

	if _, err := ctrl.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []string{
		"capture.start",
		"capture.halt",
		"proto.stop",
		"capture.finalize",
		"capture.release",
		"upload",
		"proto.close",
	}
	got := clog.snapshot()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call %d = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}

	if len(uploader.ids) != 1 || uploader.ids[0] != "m1" {
		t.Errorf("upload targets = %v, want [m1]", uploader.ids)
	}
	if string(uploader.blobs[0]) != "oggdata" {
		t.Errorf("uploaded blob = %q", uploader.blobs[0])
	}
}

func TestControllerStopIsIdempotent(t *testing.T) {
	clog := &callLog{}
	uploader := &recordingUploader{}
	ctrl := NewController(
		"http://ignored",
		func() (Capture, error) { return &fakeCapture{log: clog, blob: []byte("x")}, nil },
		func(ctx context.Context, serverURL string, opts StartOptions) (Protocol, error) {
			return &fakeProtocol{log: clog, meetingID: "m1"}, nil
		},
		uploader,
		0,
		testLogger(),
	)

	if _, err := ctrl.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("redundant Stop: %v", err)
	}
	if len(uploader.ids) != 1 {
		t.Errorf("upload attempted %d times, want exactly 1", len(uploader.ids))
	}
}

func TestControllerUploadFailureDoesNotPropagate(t *testing.T) {
	clog := &callLog{}
	uploader := &recordingUploader{err: errors.New("storage offline")}
	ctrl := NewController(
		"http://ignored",
		func() (Capture, error) { return &fakeCapture{log: clog, blob: []byte("x")}, nil },
		func(ctx context.Context, serverURL string, opts StartOptions) (Protocol, error) {
			return &fakeProtocol{log: clog, meetingID: "m1"}, nil
		},
		uploader,
		0,
		testLogger(),
	)

	if _, err := ctrl.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ctrl.Stop(context.Background()); err != nil {
		t.Errorf("Stop surfaced upload failure: %v", err)
	}
}

func TestControllerSkipsUploadWithoutAck(t *testing.T) {
	clog := &callLog{}
	uploader := &recordingUploader{}
	ctrl := NewController(
		"http://ignored",
		func() (Capture, error) { return &fakeCapture{log: clog, blob: []byte("x")}, nil },
		func(ctx context.Context, serverURL string, opts StartOptions) (Protocol, error) {
			// The server never acknowledged, so no meeting id exists.
			return &fakeProtocol{log: clog, meetingID: ""}, nil
		},
		uploader,
		0,
		testLogger(),
	)

	if _, err := ctrl.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(uploader.ids) != 0 {
		t.Errorf("upload attempted without a session identifier: %v", uploader.ids)
	}
}

// TestControllerStopBeforeAck drives the real protocol client: stop right
// after start, before the server acknowledges, must emit no audio and
// still release the device.
func TestControllerStopBeforeAck(t *testing.T) {
	received := make(chan string, 16)
	srv := newWSServer(t, func(conn *websocket.Conn) {
		for {
			msg := readClientMessage(t, conn)
			received <- msg.Type
			if msg.Type == wire.TypeStop {
				break
			}
		}
		closeNormally(conn)
	})

	clog := &callLog{}
	capture := &fakeCapture{log: clog, blob: []byte("x")}
	uploader := &recordingUploader{}
	ctrl := NewController(
		srv.URL,
		func() (Capture, error) { return capture, nil },
		func(ctx context.Context, serverURL string, opts StartOptions) (Protocol, error) {
			return Dial(ctx, serverURL, opts, testLogger())
		},
		uploader,
		2*time.Second,
		testLogger(),
	)

	if _, err := ctrl.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Frames arrive before any acknowledgment; they must be discarded.
	capture.fn(make([]float32, 256), 16000)
	capture.fn(make([]float32, 256), 16000)

	if err := ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	var types []string
	for {
		select {
		case typ := <-received:
			types = append(types, typ)
			continue
		default:
		}
		break
	}
	if len(types) != 2 || types[0] != wire.TypeStart || types[1] != wire.TypeStop {
		t.Errorf("server received %v, want [start stop]", types)
	}

	released := false
	for _, call := range clog.snapshot() {
		if call == "capture.release" {
			released = true
		}
	}
	if !released {
		t.Error("device was not released")
	}
	if len(uploader.ids) != 0 {
		t.Errorf("upload attempted without ack: %v", uploader.ids)
	}
}

// TestControllerEndToEnd runs the full scripted scenario: ack as m1, three
// audio frames, two partials and a commit, stop, one upload to m1.
func TestControllerEndToEnd(t *testing.T) {
	type audioChunk struct{ n int }
	chunks := make(chan audioChunk, 8)

	srv := newWSServer(t, func(conn *websocket.Conn) {
		start := readClientMessage(t, conn)
		if start.Type != wire.TypeStart {
			t.Errorf("expected start, got %q", start.Type)
		}
		conn.WriteJSON(wire.ServerMessage{Type: wire.TypeSessionStarted, MeetingID: "m1"})

		for i := 0; i < 3; i++ {
			msg := readClientMessage(t, conn)
			if msg.Type != wire.TypeAudio {
				t.Errorf("expected audio, got %q", msg.Type)
				return
			}
			pcm, err := msg.PCM()
			if err != nil {
				t.Errorf("decode audio: %v", err)
			}
			chunks <- audioChunk{n: len(pcm)}
		}

		conn.WriteJSON(wire.ServerMessage{Type: wire.TypePartial, Text: "hel"})
		conn.WriteJSON(wire.ServerMessage{Type: wire.TypePartial, Text: "hello"})
		conn.WriteJSON(wire.ServerMessage{Type: wire.TypeCommitted, Text: "Hello."})

		for {
			msg := readClientMessage(t, conn)
			if msg.Type == wire.TypeStop {
				break
			}
		}
		closeNormally(conn)
	})

	clog := &callLog{}
	capture := &fakeCapture{log: clog, blob: []byte("the-recording")}
	uploader := &recordingUploader{}

	var client Protocol
	ctrl := NewController(
		srv.URL,
		func() (Capture, error) { return capture, nil },
		func(ctx context.Context, serverURL string, opts StartOptions) (Protocol, error) {
			c, err := Dial(ctx, serverURL, opts, testLogger())
			client = c
			return c, err
		},
		uploader,
		2*time.Second,
		testLogger(),
	)

	if _, err := ctrl.Start(context.Background(), StartOptions{Title: "standup"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	real := client.(*Client)
	waitEvent(t, real, EventStarted)

	// 160 samples at 16 kHz pass through the resampler untouched and
	// encode to 320 bytes each.
	for i := 0; i < 3; i++ {
		capture.fn(make([]float32, 160), 16000)
	}
	for i := 0; i < 3; i++ {
		select {
		case c := <-chunks:
			if c.n != 320 {
				t.Errorf("audio chunk %d bytes, want 320", c.n)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("server did not receive audio")
		}
	}

	waitEvent(t, real, EventCommitted)

	if err := ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	segs := real.Transcript().Segments()
	if len(segs) != 1 || segs[0].Text != "Hello." {
		t.Errorf("transcript = %+v, want exactly [Hello.]", segs)
	}
	if got := real.Transcript().Partial(); got != "" {
		t.Errorf("partial = %q, want empty", got)
	}
	if len(uploader.ids) != 1 || uploader.ids[0] != "m1" {
		t.Errorf("uploads = %v, want exactly one to m1", uploader.ids)
	}
	if string(uploader.blobs[0]) != "the-recording" {
		t.Errorf("uploaded blob = %q", uploader.blobs[0])
	}
}
