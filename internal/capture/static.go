package capture

import (
	"context"
	"sync"
	"time"
)

// StaticSource serves a fixed frame. Availability and failures can be toggled,
// which makes it the source of choice for tests and demos.
type StaticSource struct {
	mu        sync.RWMutex
	frame     Frame
	available bool
	failure   error
	seq       uint64
	captures  int
}

// NewStaticSource creates an available source that always returns data.
func NewStaticSource(data []byte, width, height int) *StaticSource {
	return &StaticSource{
		frame: Frame{
			Width:    width,
			Height:   height,
			Format:   "png",
			DeviceID: "static",
			Data:     data,
		},
		available: true,
	}
}

// SetAvailable toggles whether a device is present.
func (s *StaticSource) SetAvailable(available bool) {
	s.mu.Lock()
	s.available = available
	s.mu.Unlock()
}

// SetFailure makes every grab fail with err until cleared with nil.
func (s *StaticSource) SetFailure(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
}

// Captures returns how many grabs were attempted.
func (s *StaticSource) Captures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.captures
}

func (s *StaticSource) ListDevices(ctx context.Context) ([]Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.available {
		return []Device{}, nil
	}
	return []Device{{ID: s.frame.DeviceID, Label: "Static frame", Kind: "static"}}, nil
}

func (s *StaticSource) CaptureFrame(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.captures++
	if !s.available {
		return nil, ErrUnavailable
	}
	if s.failure != nil {
		return nil, &CaptureError{DeviceID: s.frame.DeviceID, Err: s.failure}
	}
	s.seq++
	f := s.frame
	f.Seq = s.seq
	f.Timestamp = time.Now().UTC()
	return &f, nil
}
