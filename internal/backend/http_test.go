package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/vigil/internal/common/logger"
	v1 "github.com/kandev/vigil/pkg/api/v1"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(ClientConfig{
		BaseURL:        srv.URL,
		RequestTimeout: 2 * time.Second,
		ModelName:      "google/gemma-3n-E2B-it",
		Temperature:    0.8,
		LoadIn4Bit:     true,
	}, logger.NewNop())
	require.NoError(t, err)
	return c
}

func TestNewHTTPClientRejectsBadURL(t *testing.T) {
	_, err := NewHTTPClient(ClientConfig{BaseURL: "ftp://example"}, logger.NewNop())
	require.Error(t, err)
}

func TestInitializeSendsQuery(t *testing.T) {
	var gotQuery map[string]string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/initialize-gemma-instance", r.URL.Path)
		gotQuery = map[string]string{}
		for k := range r.URL.Query() {
			gotQuery[k] = r.URL.Query().Get(k)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"instance_id":"a-1","status":"loading"}`))
	}))

	err := c.Initialize(context.Background(), v1.AgentConfig{
		ID:                "a-1",
		SystemPrompt:      "Watch the door.",
		Device:            v1.DeviceCUDA,
		MaxResponseLength: 256,
		SamplingEnabled:   false,
	})
	require.NoError(t, err)

	assert.Equal(t, "a-1", gotQuery["instance_id"])
	assert.Equal(t, "cuda", gotQuery["device"])
	assert.Equal(t, "256", gotQuery["max_length"])
	assert.Equal(t, "false", gotQuery["do_sample"])
	assert.Equal(t, "Watch the door.", gotQuery["system_prompt"])
	assert.Equal(t, "true", gotQuery["load_in_4bit"])
}

func TestInitializeReplacesExistingInstance(t *testing.T) {
	var inits, shutdowns int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/initialize-gemma-instance":
			if atomic.AddInt32(&inits, 1) == 1 {
				w.WriteHeader(http.StatusConflict)
				_, _ = w.Write([]byte(`{"detail":"Instance a-1 already exists"}`))
				return
			}
			_, _ = w.Write([]byte(`{}`))
		case "/shutdown-instance/a-1":
			atomic.AddInt32(&shutdowns, 1)
			_, _ = w.Write([]byte(`{"message":"ok"}`))
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))

	require.NoError(t, c.Initialize(context.Background(), v1.AgentConfig{ID: "a-1"}))
	assert.Equal(t, int32(2), atomic.LoadInt32(&inits))
	assert.Equal(t, int32(1), atomic.LoadInt32(&shutdowns))
}

func TestInitializeWaitsForModelLoad(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		_, _ = w.Write([]byte(`{"instance_id":"a-1","status":"running"}`))
	}))
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(ClientConfig{
		BaseURL:        srv.URL,
		RequestTimeout: 20 * time.Millisecond,
		InitTimeout:    2 * time.Second,
	}, logger.NewNop())
	require.NoError(t, err)

	require.NoError(t, c.Initialize(context.Background(), v1.AgentConfig{ID: "a-1"}))

	_, err = c.Status(context.Background(), "a-1")
	require.Error(t, err, "control calls keep the short request timeout")
}

func TestStatusUnknownIDIsNotAnError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"Instance ghost not found"}`))
	}))

	st, err := c.Status(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, st.Exists)
	assert.False(t, st.Ready)
}

func TestStatusReady(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instance-status/a-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"instance_id":"a-1","status":"running","memory_usage_mb":2048.5,"actual_device":"cuda:0","uptime_seconds":12,"ready":true}`))
	}))

	st, err := c.Status(context.Background(), "a-1")
	require.NoError(t, err)
	assert.True(t, st.Exists)
	assert.True(t, st.Ready)
	assert.Equal(t, "running", st.State)
	assert.Equal(t, "cuda:0", st.DeviceActual)
	assert.InDelta(t, 2048.5, st.MemoryMB, 0.001)
}

func TestSubmit(t *testing.T) {
	img := pngBytes(t, 32, 24)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/analyze-image", r.URL.Path)

		var req analyzeImageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "a-1", req.InstanceID)
		assert.Equal(t, "Is anyone there?", req.UserPrompt)
		decoded, err := base64.StdEncoding.DecodeString(req.ImageData)
		require.NoError(t, err)
		assert.Equal(t, img, decoded)

		_, _ = w.Write([]byte(`{"instance_id":"a-1","prompt":"Is anyone there?","response":"A person at the door.","generation_time_seconds":1.5,"image_dimensions":[32,24],"token_count":7,"truncated":false}`))
	}))

	res, err := c.Submit(context.Background(), "a-1", img, "Is anyone there?")
	require.NoError(t, err)
	assert.Equal(t, "A person at the door.", res.Text)
	assert.Equal(t, 7, res.TokenCount)
	assert.Equal(t, 32, res.Width)
	assert.Equal(t, 24, res.Height)
}

func TestSubmitErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   Kind
	}{
		{"not loaded", http.StatusNotFound, KindNotReady},
		{"busy", http.StatusConflict, KindBusy},
		{"unavailable", http.StatusServiceUnavailable, KindNotReady},
		{"inference failure", http.StatusInternalServerError, KindInternal},
	}

	img := pngBytes(t, 16, 16)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"detail":"nope"}`))
			}))
			_, err := c.Submit(context.Background(), "a-1", img, "")
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))

			var be *Error
			require.True(t, errors.As(err, &be))
			assert.Equal(t, "nope", be.Message)
		})
	}
}

func TestSubmitMalformedResponse(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	_, err := c.Submit(context.Background(), "a-1", pngBytes(t, 16, 16), "")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInternal))
}

func TestSubmitHonorsCancellation(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := c.Submit(ctx, "a-1", pngBytes(t, 16, 16), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestSubmitRejectsTinyImage(t *testing.T) {
	var called int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&called, 1)
	}))

	_, err := c.Submit(context.Background(), "a-1", pngBytes(t, 5, 5), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image too small")
	assert.Equal(t, int32(0), atomic.LoadInt32(&called))
}

func TestCancelAndShutdownOnUnknownID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	cancelled, err := c.Cancel(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, cancelled)

	require.NoError(t, c.Shutdown(context.Background(), "ghost"))
}

func TestCancel(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cancel-instance-processing/a-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"message":"Processing cancellation requested","cancelled":true}`))
	}))

	cancelled, err := c.Cancel(context.Background(), "a-1")
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestCapabilities(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"cuda_available":true,"cpu_available":true,"cuda_device_count":1,"cuda_capability":"8.6","cuda_compatible":true,"bfloat16_supported":true}`))
	}))

	caps, err := c.Capabilities(context.Background())
	require.NoError(t, err)
	assert.True(t, caps.CUDAAvailable)
	assert.Equal(t, 1, caps.CUDADeviceCount)
	assert.Equal(t, "8.6", caps.CUDACapability)
}

func TestMockAdapterCountsOverlap(t *testing.T) {
	m := NewMockAdapter()
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	m.SubmitFn = func(ctx context.Context, agentID string, image []byte, prompt string) (*Result, error) {
		started <- struct{}{}
		<-release
		return &Result{Text: "ok"}, nil
	}

	for i := 0; i < 2; i++ {
		go func() { _, _ = m.Submit(context.Background(), "a-1", nil, "") }()
	}
	<-started
	<-started
	close(release)

	assert.Equal(t, 2, m.MaxConcurrentSubmits("a-1"))
	assert.Equal(t, 2, m.Calls("submit", "a-1"))
}
