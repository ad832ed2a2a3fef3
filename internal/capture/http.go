package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

const maxSnapshotBytes = 32 * 1024 * 1024

// HTTPSource fetches snapshots from a camera's HTTP endpoint. An unreachable
// camera is reported as unavailable; a camera that answers badly is a failed grab.
type HTTPSource struct {
	url     string
	timeout time.Duration
	client  *http.Client
	seq     atomic.Uint64
}

// NewHTTPSource creates a source for the snapshot url. A zero timeout defaults to 3s.
func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPSource{url: url, timeout: timeout, client: &http.Client{}}
}

// ListDevices returns the camera when it answers, and nothing otherwise.
func (s *HTTPSource) ListDevices(ctx context.Context) ([]Device, error) {
	if _, err := s.fetch(ctx); err != nil {
		if IsUnavailable(err) {
			return []Device{}, nil
		}
	}
	return []Device{{ID: "camera", Label: s.url, Kind: "http"}}, nil
}

// CaptureFrame fetches and decodes one snapshot.
func (s *HTTPSource) CaptureFrame(ctx context.Context) (*Frame, error) {
	data, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	return decodeFrame(data, "camera", s.seq.Add(1))
}

func (s *HTTPSource) fetch(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, &CaptureError{DeviceID: "camera", Err: err}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &CaptureError{DeviceID: "camera", Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
		}
		return nil, &CaptureError{DeviceID: "camera", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusServiceUnavailable {
		return nil, fmt.Errorf("%w: camera answered %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &CaptureError{DeviceID: "camera", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, &CaptureError{DeviceID: "camera", Err: err}
	}
	return data, nil
}
