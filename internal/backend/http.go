package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/vigil/internal/common/logger"
	"github.com/kandev/vigil/internal/common/tracing"
	v1 "github.com/kandev/vigil/pkg/api/v1"
)

const (
	// MaxEncodedImageBytes is the largest base64 payload the service accepts.
	MaxEncodedImageBytes = 50 * 1024 * 1024
	// MinImageDimension is the smallest width/height the service accepts.
	MinImageDimension = 10

	DefaultSystemPrompt = "You are a helpful AI assistant analyzing images."
	DefaultUserPrompt   = "What do you see in this image?"

	defaultMaxLength = 100
	maxErrorBody     = 4096
)

// ClientConfig configures the HTTP adapter.
type ClientConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	SubmitTimeout  time.Duration
	InitTimeout    time.Duration // model loads run long, so initialize has its own bound
	ModelName      string
	Temperature    float64
	LoadIn4Bit     bool
}

// HTTPClient implements Adapter against the inference service's HTTP API.
type HTTPClient struct {
	baseURL *url.URL
	cfg     ClientConfig
	http    *http.Client
	logger  *logger.Logger
}

var _ Adapter = (*HTTPClient)(nil)

// NewHTTPClient creates an adapter for the service at cfg.BaseURL.
func NewHTTPClient(cfg ClientConfig, log *logger.Logger) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid backend url %q: %w", cfg.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend url %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = 10 * time.Minute
	}
	return &HTTPClient{
		baseURL: u,
		cfg:     cfg,
		http:    &http.Client{},
		logger:  log.WithFields(zap.String("component", "backend-client")),
	}, nil
}

type instanceStatusResponse struct {
	InstanceID    string   `json:"instance_id"`
	Status        string   `json:"status"`
	MemoryUsageMB *float64 `json:"memory_usage_mb"`
	DeviceInfo    *string  `json:"device_info"`
	ActualDevice  *string  `json:"actual_device"`
	UptimeSeconds *float64 `json:"uptime_seconds"`
	ErrorMessage  *string  `json:"error_message"`
	Ready         bool     `json:"ready"`
}

type analyzeImageRequest struct {
	InstanceID string `json:"instance_id"`
	ImageData  string `json:"image_data"`
	UserPrompt string `json:"user_prompt"`
}

type analyzeImageResponse struct {
	InstanceID            string  `json:"instance_id"`
	Prompt                string  `json:"prompt"`
	Response              string  `json:"response"`
	GenerationTimeSeconds float64 `json:"generation_time_seconds"`
	ImageDimensions       []int   `json:"image_dimensions"`
	TokenCount            *int    `json:"token_count"`
	Truncated             bool    `json:"truncated"`
}

type cancelResponse struct {
	Message   string `json:"message"`
	Cancelled bool   `json:"cancelled"`
}

type errorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

// Initialize loads the model instance for cfg. An existing instance is shut
// down and loaded again so the new configuration takes effect.
func (c *HTTPClient) Initialize(ctx context.Context, cfg v1.AgentConfig) error {
	err := c.initialize(ctx, cfg)
	if err == nil || !IsKind(err, KindBusy) {
		return err
	}

	c.logger.Info("Instance already exists, replacing", zap.String("agent_id", cfg.ID))
	if err := c.Shutdown(ctx, cfg.ID); err != nil {
		return err
	}
	return c.initialize(ctx, cfg)
}

func (c *HTTPClient) initialize(ctx context.Context, cfg v1.AgentConfig) error {
	q := url.Values{}
	q.Set("instance_id", cfg.ID)
	if c.cfg.ModelName != "" {
		q.Set("model_name", c.cfg.ModelName)
	}
	device := cfg.Device
	if device == "" {
		device = v1.DeviceAuto
	}
	q.Set("device", string(device))
	maxLength := cfg.MaxResponseLength
	if maxLength <= 0 {
		maxLength = defaultMaxLength
	}
	q.Set("max_length", strconv.Itoa(maxLength))
	q.Set("temperature", strconv.FormatFloat(c.cfg.Temperature, 'f', -1, 64))
	q.Set("do_sample", strconv.FormatBool(cfg.SamplingEnabled))
	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	q.Set("system_prompt", systemPrompt)
	q.Set("load_in_4bit", strconv.FormatBool(c.cfg.LoadIn4Bit))

	ctx, cancel := context.WithTimeout(ctx, c.cfg.InitTimeout)
	defer cancel()

	return c.do(ctx, "initialize", cfg.ID, http.MethodGet, "/initialize-gemma-instance", q, nil, nil)
}

// Status reports the instance state.
func (c *HTTPClient) Status(ctx context.Context, agentID string) (*Status, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var resp instanceStatusResponse
	err := c.do(ctx, "status", agentID, http.MethodGet, "/instance-status/"+url.PathEscape(agentID), nil, nil, &resp)
	if err != nil {
		if IsKind(err, KindNotFound) {
			return &Status{Exists: false}, nil
		}
		return nil, err
	}

	st := &Status{
		Exists: true,
		Ready:  resp.Ready,
		State:  resp.Status,
	}
	if resp.ActualDevice != nil {
		st.DeviceActual = *resp.ActualDevice
	} else if resp.DeviceInfo != nil {
		st.DeviceActual = *resp.DeviceInfo
	}
	if resp.MemoryUsageMB != nil {
		st.MemoryMB = *resp.MemoryUsageMB
	}
	if resp.UptimeSeconds != nil {
		st.UptimeSeconds = *resp.UptimeSeconds
	}
	if resp.ErrorMessage != nil {
		st.ErrorMessage = *resp.ErrorMessage
	}
	return st, nil
}

// Submit sends an image for analysis. The service answers 404 for instances
// that are unknown or still loading; both surface as NotReady.
func (c *HTTPClient) Submit(ctx context.Context, agentID string, img []byte, prompt string) (*Result, error) {
	width, height, err := ValidateImage(img)
	if err != nil {
		return nil, newError(KindInternal, "submit", agentID, err.Error(), err)
	}

	if prompt == "" {
		prompt = DefaultUserPrompt
	}
	body := analyzeImageRequest{
		InstanceID: agentID,
		ImageData:  base64.StdEncoding.EncodeToString(img),
		UserPrompt: prompt,
	}

	if c.cfg.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.SubmitTimeout)
		defer cancel()
	}

	var resp analyzeImageResponse
	if err := c.do(ctx, "submit", agentID, http.MethodPost, "/analyze-image", nil, body, &resp); err != nil {
		if IsKind(err, KindNotFound) {
			var be *Error
			errors.As(err, &be)
			be.Kind = KindNotReady
		}
		return nil, err
	}

	res := &Result{
		Text:              resp.Response,
		GenerationSeconds: resp.GenerationTimeSeconds,
		Truncated:         resp.Truncated,
		Width:             width,
		Height:            height,
	}
	if len(resp.ImageDimensions) == 2 {
		res.Width, res.Height = resp.ImageDimensions[0], resp.ImageDimensions[1]
	}
	if resp.TokenCount != nil {
		res.TokenCount = *resp.TokenCount
	}
	return res, nil
}

// Cancel asks the service to stop in-flight processing for agentID.
func (c *HTTPClient) Cancel(ctx context.Context, agentID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var resp cancelResponse
	err := c.do(ctx, "cancel", agentID, http.MethodGet, "/cancel-instance-processing/"+url.PathEscape(agentID), nil, nil, &resp)
	if err != nil {
		if IsKind(err, KindNotFound) {
			return false, nil
		}
		return false, err
	}
	return resp.Cancelled, nil
}

// Shutdown releases the instance; a missing instance is not an error.
func (c *HTTPClient) Shutdown(ctx context.Context, agentID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	err := c.do(ctx, "shutdown", agentID, http.MethodGet, "/shutdown-instance/"+url.PathEscape(agentID), nil, nil, nil)
	if IsKind(err, KindNotFound) {
		return nil
	}
	return err
}

// ShutdownAll releases every instance on the service.
func (c *HTTPClient) ShutdownAll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	return c.do(ctx, "shutdown_all", "", http.MethodGet, "/shutdown-all-instances", nil, nil, nil)
}

// Capabilities reports the compute devices available to the service.
func (c *HTTPClient) Capabilities(ctx context.Context) (*Capabilities, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var caps Capabilities
	if err := c.do(ctx, "capabilities", "", http.MethodGet, "/device-capabilities", nil, nil, &caps); err != nil {
		return nil, err
	}
	return &caps, nil
}

func (c *HTTPClient) do(ctx context.Context, op, agentID, method, path string, query url.Values, in, out interface{}) (err error) {
	ctx, span := tracing.TraceBackendCall(ctx, op, method, path, agentID)
	status := 0
	defer func() { tracing.EndSpan(span, status, err) }()

	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return newError(KindInternal, op, agentID, "failed to encode request", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return newError(KindInternal, op, agentID, "failed to build request", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return newError(KindInternal, op, agentID, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()
	status = resp.StatusCode

	c.logger.Debug("Backend call",
		zap.String("op", op),
		zap.String("agent_id", agentID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return newError(kindForStatus(resp.StatusCode), op, agentID, errorDetail(resp.StatusCode, raw), nil)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return newError(KindInternal, op, agentID, "malformed response", err)
	}
	return nil
}

func kindForStatus(code int) Kind {
	switch code {
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusConflict, http.StatusTooManyRequests:
		return KindBusy
	case http.StatusServiceUnavailable:
		return KindNotReady
	default:
		return KindInternal
	}
}

func errorDetail(code int, raw []byte) string {
	var er errorResponse
	if err := json.Unmarshal(raw, &er); err == nil && len(er.Detail) > 0 {
		var s string
		if json.Unmarshal(er.Detail, &s) == nil {
			return s
		}
		return string(er.Detail)
	}
	if len(raw) > 0 {
		return strings.TrimSpace(string(raw))
	}
	return http.StatusText(code)
}

// ValidateImage checks the limits the service enforces and returns the image size.
func ValidateImage(img []byte) (int, int, error) {
	if len(img) == 0 {
		return 0, 0, errors.New("image is empty")
	}
	if base64.StdEncoding.EncodedLen(len(img)) > MaxEncodedImageBytes {
		return 0, 0, fmt.Errorf("image too large: %d bytes encoded, max %d", base64.StdEncoding.EncodedLen(len(img)), MaxEncodedImageBytes)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return 0, 0, fmt.Errorf("unsupported image: %w", err)
	}
	if cfg.Width < MinImageDimension || cfg.Height < MinImageDimension {
		return 0, 0, fmt.Errorf("image too small: %dx%d, minimum is %dx%d", cfg.Width, cfg.Height, MinImageDimension, MinImageDimension)
	}
	return cfg.Width, cfg.Height, nil
}
