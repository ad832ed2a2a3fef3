package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// ErrTimeout is wrapped in a CaptureError when a grab exceeds its deadline.
var ErrTimeout = errors.New("capture timed out")

// FileSource reads frames from a snapshot directory written by an external
// grabber. Images directly under the root form the "default" device and each
// subdirectory holding images is a further device. The newest image of the
// selected device is the current frame.
type FileSource struct {
	root    string
	timeout time.Duration
	seq     atomic.Uint64

	mu       sync.RWMutex
	selected string
}

// NewFileSource creates a source over root. A zero timeout defaults to 3s.
func NewFileSource(root string, timeout time.Duration) *FileSource {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &FileSource{root: root, timeout: timeout}
}

// Root returns the watched directory.
func (s *FileSource) Root() string {
	return s.root
}

// Select makes deviceID the active device. An empty id selects the first available device.
func (s *FileSource) Select(deviceID string) {
	s.mu.Lock()
	s.selected = deviceID
	s.mu.Unlock()
}

// ListDevices enumerates image-bearing directories. A missing root yields no devices.
func (s *FileSource) ListDevices(ctx context.Context) ([]Device, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Device{}, nil
		}
		return nil, err
	}

	devices := []Device{}
	if hasImages(entries) {
		devices = append(devices, Device{ID: "default", Label: filepath.Base(s.root), Kind: "file"})
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub, err := os.ReadDir(filepath.Join(s.root, e.Name()))
		if err != nil || !hasImages(sub) {
			continue
		}
		devices = append(devices, Device{ID: e.Name(), Label: e.Name(), Kind: "file"})
	}
	return devices, nil
}

// CaptureFrame returns the newest image of the selected device.
func (s *FileSource) CaptureFrame(ctx context.Context) (*Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type result struct {
		frame *Frame
		err   error
	}
	done := make(chan result, 1)
	go func() {
		f, err := s.grab(ctx)
		done <- result{f, err}
	}()

	select {
	case r := <-done:
		return r.frame, r.err
	case <-ctx.Done():
		return nil, &CaptureError{DeviceID: s.deviceID(), Err: fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())}
	}
}

func (s *FileSource) deviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

func (s *FileSource) grab(ctx context.Context) (*Frame, error) {
	devices, err := s.ListDevices(ctx)
	if err != nil {
		return nil, &CaptureError{DeviceID: s.root, Err: err}
	}
	if len(devices) == 0 {
		return nil, ErrUnavailable
	}

	device := devices[0]
	if want := s.deviceID(); want != "" {
		found := false
		for _, d := range devices {
			if d.ID == want {
				device, found = d, true
				break
			}
		}
		if !found {
			return nil, ErrUnavailable
		}
	}

	dir := s.root
	if device.ID != "default" {
		dir = filepath.Join(s.root, device.ID)
	}
	path, err := newestImage(dir)
	if err != nil {
		return nil, &CaptureError{DeviceID: device.ID, Err: err}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CaptureError{DeviceID: device.ID, Err: err}
	}
	return decodeFrame(data, device.ID, s.seq.Add(1))
}

func decodeFrame(data []byte, deviceID string, seq uint64) (*Frame, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &CaptureError{DeviceID: deviceID, Err: fmt.Errorf("decode: %w", err)}
	}
	return &Frame{
		Seq:       seq,
		Timestamp: time.Now().UTC(),
		Width:     cfg.Width,
		Height:    cfg.Height,
		Format:    format,
		DeviceID:  deviceID,
		Data:      data,
	}, nil
}

func hasImages(entries []os.DirEntry) bool {
	for _, e := range entries {
		if !e.IsDir() && imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			return true
		}
	}
	return false
}

func newestImage(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{filepath.Join(dir, e.Name()), info.ModTime()})
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no images in %s", dir)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].modTime.Equal(candidates[j].modTime) {
			return candidates[i].path > candidates[j].path
		}
		return candidates[i].modTime.After(candidates[j].modTime)
	})
	return candidates[0].path, nil
}
