// Package capture provides the frame sources agents read from.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable reports that no capture device is present. It is a normal
// outcome, distinct from a failed grab on a present device.
var ErrUnavailable = errors.New("capture device unavailable")

// Frame is one captured image.
type Frame struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Format    string    `json:"format"`
	DeviceID  string    `json:"device_id"`
	Data      []byte    `json:"-"`
}

// Device describes a capture device.
type Device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  string `json:"kind"`
}

// CaptureError is a grab failure on a present device.
type CaptureError struct {
	DeviceID string
	Err      error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture from %s failed: %v", e.DeviceID, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err means no device is present.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Source yields frames on demand.
type Source interface {
	// ListDevices enumerates available devices. An empty list is not an error.
	ListDevices(ctx context.Context) ([]Device, error)

	// CaptureFrame grabs the current frame. It returns ErrUnavailable when
	// no device is present and a *CaptureError when a present device fails.
	CaptureFrame(ctx context.Context) (*Frame, error)
}
