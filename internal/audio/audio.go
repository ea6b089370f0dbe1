package audio

import (
	"errors"
	"fmt"
)

// BytesPerSample is the width of one 16-bit little-endian PCM sample
const BytesPerSample = 2

var (
	// ErrNoDevices is returned when enumeration finds no capture device
	ErrNoDevices = errors.New("no capture devices found")
	// ErrUnknownDevice is returned for a device id not present in enumeration
	ErrUnknownDevice = errors.New("unknown capture device")
	// ErrDeviceStopped is reported when a started device stops delivering audio
	ErrDeviceStopped = errors.New("capture device stopped unexpectedly")
)

// DataCallback receives raw interleaved 16-bit PCM from a capture device
type DataCallback func(data []byte, frameCount uint32)

// ErrorCallback reports that a started device failed. It may run on the
// audio thread and must not call back into the device.
type ErrorCallback func(err error)

// CaptureConfig describes the PCM format requested from a device
type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

// DeviceInfo identifies one enumerated capture device
type DeviceInfo struct {
	ID   string `json:"id"` // opaque platform-specific identifier
	Name string `json:"name"`
}

// Context enumerates devices and creates captures on them
type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

// CaptureDevice is one open input stream
type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	SetErrorCallback(cb ErrorCallback)
	// ClearCallback removes both the data and the error callback
	ClearCallback()
}

// CaptureError reports a failure to open, start or keep reading audio capture
type CaptureError struct {
	DeviceID string
	Op       string
	Err      error
}

func (e *CaptureError) Error() string {
	if e.DeviceID == "" {
		return fmt.Sprintf("audio capture %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("audio capture %s on device %q: %v", e.Op, e.DeviceID, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}
