package mic

import (
	"errors"
	"fmt"
	"testing"

	"github.com/gordonklaus/portaudio"
)

func TestClassifyDeviceError(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"busy", portaudio.DeviceUnavailable, ErrDeviceBusy},
		{"missing", portaudio.InvalidDevice, ErrDeviceNotFound},
		{"wrapped busy", fmt.Errorf("open stream: %w", portaudio.DeviceUnavailable), ErrDeviceBusy},
		{"host error", portaudio.UnanticipatedHostError{Text: "access denied"}, ErrDeviceUnavailable},
		{"unknown", errors.New("boom"), ErrDeviceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyDeviceError(tc.in)
			if !errors.Is(got, tc.want) {
				t.Errorf("classifyDeviceError(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}
