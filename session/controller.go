package session

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"meetscribe/pcm"
	"meetscribe/wire"
)

// ErrAlreadyRecording is returned when Start is called while a session is
// active.
var ErrAlreadyRecording = errors.New("a recording session is already active")

// Capture is the audio pipeline the controller orchestrates. mic.Capture
// implements it; tests substitute fakes.
type Capture interface {
	Start(fn func(samples []float32, sampleRate int)) error
	Halt()
	Finalize() ([]byte, error)
	Release()
	SampleRate() int
}

// Protocol is the session protocol client surface the controller needs.
type Protocol interface {
	SendAudio(pcm []byte)
	RequestStop()
	AwaitClose(grace time.Duration)
	Abort()
	MeetingID() string
	Transcript() *Transcript
	Events() <-chan Event
}

// Uploader transfers the finalized archival blob to storage, best effort.
type Uploader interface {
	Upload(ctx context.Context, meetingID string, blob []byte) error
}

// OpenCaptureFunc acquires the audio device.
type OpenCaptureFunc func() (Capture, error)

// DialFunc opens the protocol channel and performs the start handshake.
type DialFunc func(ctx context.Context, serverURL string, opts StartOptions) (Protocol, error)

// Controller runs one session at a time, guaranteeing the start and stop
// orderings: the device is acquired before the channel is dialed, and on
// stop no audio is queued after the stop message while the archival upload
// never blocks or aborts the transcript.
type Controller struct {
	logger      *log.Logger
	serverURL   string
	openCapture OpenCaptureFunc
	dial        DialFunc
	uploader    Uploader
	grace       time.Duration

	capture Capture
	client  Protocol
	active  bool
}

// NewController wires a controller. grace <= 0 falls back to
// DefaultStopGrace.
func NewController(
	serverURL string,
	openCapture OpenCaptureFunc,
	dial DialFunc,
	uploader Uploader,
	grace time.Duration,
	logger *log.Logger,
) *Controller {
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	return &Controller{
		logger:      logger,
		serverURL:   serverURL,
		openCapture: openCapture,
		dial:        dial,
		uploader:    uploader,
		grace:       grace,
	}
}

// Start acquires the device, opens the protocol channel, and begins
// streaming. If device acquisition fails the channel is never dialed and
// the device-specific condition is returned.
func (c *Controller) Start(ctx context.Context, opts StartOptions) (Protocol, error) {
	if c.active {
		return nil, ErrAlreadyRecording
	}

	capture, err := c.openCapture()
	if err != nil {
		return nil, err
	}

	client, err := c.dial(ctx, c.serverURL, opts)
	if err != nil {
		capture.Release()
		return nil, err
	}

	err = capture.Start(func(samples []float32, sampleRate int) {
		// Runs on the capture path: resample, encode, enqueue. The send is
		// fire-and-forget and never blocks on the network.
		client.SendAudio(pcm.EncodeS16LE(pcm.Resample(samples, sampleRate, wire.StreamSampleRate)))
	})
	if err != nil {
		client.Abort()
		capture.Release()
		return nil, err
	}

	c.capture = capture
	c.client = client
	c.active = true
	return client, nil
}

// Stop tears the session down in order: frames halt before the stop
// message, the container is finalized and uploaded after the stop message,
// the device is released, and the channel closes last. Calling Stop when
// not recording is a no-op, and every step tolerates already-released
// resources.
func (c *Controller) Stop(ctx context.Context) error {
	if !c.active {
		return nil
	}
	c.active = false
	capture, client := c.capture, c.client
	c.capture, c.client = nil, nil

	capture.Halt()
	client.RequestStop()

	blob, err := capture.Finalize()
	if err != nil {
		c.logger.Error("failed to finalize recording", "error", err)
	}
	capture.Release()

	if err == nil && len(blob) > 0 {
		if id := client.MeetingID(); id != "" {
			if upErr := c.uploader.Upload(ctx, id, blob); upErr != nil {
				// Archival failure never aborts the transcript.
				c.logger.Error("audio upload failed", "meeting_id", id, "error", upErr)
			}
		} else {
			c.logger.Warn("session never acknowledged, skipping audio upload")
		}
	}

	client.AwaitClose(c.grace)
	return nil
}

// Active reports whether a session is currently recording.
func (c *Controller) Active() bool { return c.active }
