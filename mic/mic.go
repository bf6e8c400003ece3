// Package mic owns the microphone for the duration of one recording
// session. It produces two streams from the same device: raw float frames
// handed to a callback for live transcription, and the compressed archival
// recording assembled by snd.
package mic

import (
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"

	"meetscribe/snd"
)

// BlockSize is the number of samples per captured frame.
const BlockSize = 1024

// Capture-time error conditions. Each is a distinct, user-readable
// condition; callers match with errors.Is.
var (
	ErrDeviceUnavailable = errors.New("microphone access denied")
	ErrDeviceNotFound    = errors.New("no audio input device found")
	ErrDeviceBusy        = errors.New("audio input device is in use by another application")
)

// FrameFunc receives each captured frame in device callback order. It runs
// on the capture goroutine and must not block.
type FrameFunc = func(samples []float32, sampleRate int)

// Capture is the pipeline from the default input device to both audio
// paths. Teardown happens in three guarded steps so the lifecycle
// controller can order them against the protocol stop: Halt stops frame
// delivery and the device stream, Finalize seals the archival container,
// Release frees the device.
type Capture struct {
	logger *log.Logger
	stream *portaudio.Stream
	buf    []float32
	rate   int
	rec    *snd.Recorder

	mu       sync.Mutex
	onFrame  FrameFunc
	started  bool
	halted   bool
	released bool
	done     chan struct{}
}

// Open acquires exclusive access to the default input device at its native
// sample rate. Device failures come back as one of the Err* conditions.
func Open(logger *log.Logger) (*Capture, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, classifyDeviceError(err)
	}

	dev, err := portaudio.DefaultInputDevice()
	if err != nil || dev == nil {
		portaudio.Terminate()
		return nil, ErrDeviceNotFound
	}
	rate := int(dev.DefaultSampleRate)

	buf := make([]float32, BlockSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(rate), BlockSize, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, classifyDeviceError(err)
	}

	rec, err := snd.Open(logger)
	if err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, err
	}

	logger.Debug("device opened", "name", dev.Name, "rate", rate)

	return &Capture{
		logger: logger,
		stream: stream,
		buf:    buf,
		rate:   rate,
		rec:    rec,
		done:   make(chan struct{}),
	}, nil
}

// SampleRate is the device's native capture rate.
func (c *Capture) SampleRate() int { return c.rate }

// Start begins capture and delivers frames to fn until Halt.
func (c *Capture) Start(fn FrameFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("capture already started")
	}
	if err := c.stream.Start(); err != nil {
		return classifyDeviceError(err)
	}
	c.onFrame = fn
	c.started = true
	go c.loop()
	return nil
}

func (c *Capture) loop() {
	defer close(c.done)
	for {
		if err := c.stream.Read(); err != nil {
			c.mu.Lock()
			halted := c.halted
			c.mu.Unlock()
			if !halted && !errors.Is(err, portaudio.InputOverflowed) {
				c.logger.Error("capture read failed", "error", err)
			}
			if halted || !errors.Is(err, portaudio.InputOverflowed) {
				return
			}
			continue
		}

		c.mu.Lock()
		if c.halted {
			c.mu.Unlock()
			return
		}
		fn := c.onFrame
		c.mu.Unlock()

		frame := make([]float32, len(c.buf))
		copy(frame, c.buf)

		if err := c.rec.WriteFrame(frame, c.rate); err != nil {
			c.logger.Error("archival write failed", "error", err)
		}
		if fn != nil {
			fn(frame, c.rate)
		}
	}
}

// Halt stops accepting frames, then stops the device stream. Safe to call
// repeatedly and before Start.
func (c *Capture) Halt() {
	c.mu.Lock()
	if c.halted {
		c.mu.Unlock()
		return
	}
	c.halted = true
	c.onFrame = nil
	started := c.started
	c.mu.Unlock()

	if started {
		if err := c.stream.Stop(); err != nil {
			c.logger.Debug("stream stop", "error", err)
		}
		<-c.done
	}
}

// Finalize seals the compressed container and returns the archival blob.
// Call after Halt; repeated calls return the same blob.
func (c *Capture) Finalize() ([]byte, error) {
	return c.rec.Close()
}

// Release frees the device. Idempotent.
func (c *Capture) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	c.mu.Unlock()

	if err := c.stream.Close(); err != nil {
		c.logger.Debug("stream close", "error", err)
	}
	if err := portaudio.Terminate(); err != nil {
		c.logger.Debug("portaudio terminate", "error", err)
	}
}

// classifyDeviceError maps PortAudio failures onto the capture error
// taxonomy so callers can tell the user what actually went wrong.
func classifyDeviceError(err error) error {
	var paErr portaudio.Error
	if errors.As(err, &paErr) {
		switch paErr {
		case portaudio.DeviceUnavailable:
			return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
		case portaudio.InvalidDevice, portaudio.HostApiNotFound:
			return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
		}
	}
	var hostErr portaudio.UnanticipatedHostError
	if errors.As(err, &hostErr) {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}
