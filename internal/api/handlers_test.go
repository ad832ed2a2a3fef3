package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/vigil/internal/agent/registry"
	"github.com/kandev/vigil/internal/backend"
	"github.com/kandev/vigil/internal/capture"
	apperrors "github.com/kandev/vigil/internal/common/errors"
	"github.com/kandev/vigil/internal/common/logger"
	"github.com/kandev/vigil/internal/detection"
	"github.com/kandev/vigil/internal/scheduler"
	v1 "github.com/kandev/vigil/pkg/api/v1"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

// MockScheduler keeps agents in a map and records the operations it receives
type MockScheduler struct {
	AddAgentFn    func(ctx context.Context, cfg v1.AgentConfig) (v1.AgentConfig, error)
	UpdateAgentFn func(ctx context.Context, id string, patch registry.Patch) (v1.AgentConfig, error)
	TriggerFn     func(ctx context.Context, id string) error

	agents  map[string]v1.AgentView
	ops     []string
	running bool
	capture bool
}

func newMockScheduler() *MockScheduler {
	return &MockScheduler{agents: make(map[string]v1.AgentView), running: true, capture: true}
}

func (m *MockScheduler) put(cfg v1.AgentConfig) {
	phase := v1.AgentPhaseRunning
	if cfg.Paused {
		phase = v1.AgentPhasePaused
	}
	m.agents[cfg.ID] = v1.AgentView{Agent: cfg, Phase: phase, State: v1.RuntimeState{AgentID: cfg.ID}}
}

func (m *MockScheduler) AddAgent(ctx context.Context, cfg v1.AgentConfig) (v1.AgentConfig, error) {
	if m.AddAgentFn != nil {
		return m.AddAgentFn(ctx, cfg)
	}
	cfg.ID = "agent-1"
	cfg.Paused = true
	m.put(cfg)
	return cfg, nil
}

func (m *MockScheduler) UpdateAgent(ctx context.Context, id string, patch registry.Patch) (v1.AgentConfig, error) {
	m.ops = append(m.ops, "update:"+id)
	if m.UpdateAgentFn != nil {
		return m.UpdateAgentFn(ctx, id, patch)
	}
	view, ok := m.agents[id]
	if !ok {
		return v1.AgentConfig{}, apperrors.NotFound("agent", id)
	}
	cfg := patch.Apply(view.Agent)
	m.put(cfg)
	return cfg, nil
}

func (m *MockScheduler) Remove(ctx context.Context, id string) error {
	m.ops = append(m.ops, "remove:"+id)
	delete(m.agents, id)
	return nil
}

func (m *MockScheduler) setPaused(id string, paused bool) error {
	view, ok := m.agents[id]
	if !ok {
		return scheduler.ErrAgentNotFound
	}
	view.Agent.Paused = paused
	m.put(view.Agent)
	return nil
}

func (m *MockScheduler) Pause(ctx context.Context, id string) error {
	m.ops = append(m.ops, "pause:"+id)
	return m.setPaused(id, true)
}

func (m *MockScheduler) Resume(ctx context.Context, id string) error {
	m.ops = append(m.ops, "resume:"+id)
	return m.setPaused(id, false)
}

func (m *MockScheduler) Trigger(ctx context.Context, id string) error {
	m.ops = append(m.ops, "trigger:"+id)
	if m.TriggerFn != nil {
		return m.TriggerFn(ctx, id)
	}
	if _, ok := m.agents[id]; !ok {
		return scheduler.ErrAgentNotFound
	}
	return nil
}

func (m *MockScheduler) View(ctx context.Context, id string) (v1.AgentView, error) {
	view, ok := m.agents[id]
	if !ok {
		return v1.AgentView{}, scheduler.ErrAgentNotFound
	}
	return view, nil
}

func (m *MockScheduler) Views(ctx context.Context) ([]v1.AgentView, error) {
	out := make([]v1.AgentView, 0, len(m.agents))
	for _, v := range m.agents {
		out = append(out, v)
	}
	return out, nil
}

func (m *MockScheduler) IsRunning() bool        { return m.running }
func (m *MockScheduler) CaptureAvailable() bool { return m.capture }

type stubCapabilities struct {
	caps *backend.Capabilities
	err  error
}

func (s stubCapabilities) Capabilities(ctx context.Context) (*backend.Capabilities, error) {
	return s.caps, s.err
}

type testAPI struct {
	router     *gin.Engine
	sched      *MockScheduler
	detections *detection.Log
	source     *capture.StaticSource
}

func setupTestRouter(caps CapabilitiesProvider) *testAPI {
	log := newTestLogger()
	api := &testAPI{
		sched:      newMockScheduler(),
		detections: detection.NewLog(10),
		source:     capture.NewStaticSource([]byte("frame"), 32, 32),
	}
	api.router = NewRouter(log)
	SetupRoutes(api.router.Group("/api/v1"), NewHandler(api.sched, api.detections, api.source, caps, log))
	return api
}

func (a *testAPI) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestCreateAgent(t *testing.T) {
	api := setupTestRouter(nil)
	var got v1.AgentConfig
	api.sched.AddAgentFn = func(ctx context.Context, cfg v1.AgentConfig) (v1.AgentConfig, error) {
		got = cfg
		cfg.ID = "agent-1"
		cfg.Paused = true
		api.sched.put(cfg)
		return cfg, nil
	}

	w := api.do(http.MethodPost, "/api/v1/agents", map[string]interface{}{
		"label":            "Front door",
		"capture_mode":     "interval",
		"interval_seconds": 15,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var view v1.AgentView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "agent-1", view.Agent.ID)
	assert.Equal(t, v1.AgentPhasePaused, view.Phase)
	assert.True(t, got.SamplingEnabled, "sampling defaults to on")
}

func TestCreateAgentSamplingOff(t *testing.T) {
	api := setupTestRouter(nil)
	var got v1.AgentConfig
	api.sched.AddAgentFn = func(ctx context.Context, cfg v1.AgentConfig) (v1.AgentConfig, error) {
		got = cfg
		cfg.ID = "agent-1"
		api.sched.put(cfg)
		return cfg, nil
	}

	w := api.do(http.MethodPost, "/api/v1/agents", map[string]interface{}{
		"label":            "Desk",
		"sampling_enabled": false,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.False(t, got.SamplingEnabled)
}

func TestCreateAgentErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     interface{}
		addErr   error
		wantCode int
		wantErr  string
	}{
		{"missing label", map[string]interface{}{"interval_seconds": 5}, nil, http.StatusBadRequest, apperrors.ErrCodeBadRequest},
		{"validation", map[string]interface{}{"label": "x"}, apperrors.ValidationError("device", "bad"), http.StatusBadRequest, apperrors.ErrCodeValidationError},
		{"scheduler stopped", map[string]interface{}{"label": "x"}, scheduler.ErrSchedulerNotRunning, http.StatusServiceUnavailable, apperrors.ErrCodeServiceUnavailable},
		{"unexpected", map[string]interface{}{"label": "x"}, errors.New("boom"), http.StatusInternalServerError, apperrors.ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := setupTestRouter(nil)
			api.sched.AddAgentFn = func(ctx context.Context, cfg v1.AgentConfig) (v1.AgentConfig, error) {
				return v1.AgentConfig{}, tt.addErr
			}
			w := api.do(http.MethodPost, "/api/v1/agents", tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantErr, decodeError(t, w).Error.Code)
		})
	}
}

func TestGetAgentNotFound(t *testing.T) {
	api := setupTestRouter(nil)
	w := api.do(http.MethodGet, "/api/v1/agents/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apperrors.ErrCodeNotFound, decodeError(t, w).Error.Code)
}

func TestListAgents(t *testing.T) {
	api := setupTestRouter(nil)
	api.sched.put(v1.AgentConfig{ID: "a", Label: "A"})
	api.sched.put(v1.AgentConfig{ID: "b", Label: "B"})

	w := api.do(http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp AgentsListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
}

func TestUpdateAgentWithPausedFlag(t *testing.T) {
	api := setupTestRouter(nil)
	api.sched.put(v1.AgentConfig{ID: "a", Label: "A", Paused: true})

	label := "Renamed"
	paused := false
	w := api.do(http.MethodPatch, "/api/v1/agents/a", UpdateAgentRequest{Label: &label, Paused: &paused})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var view v1.AgentView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "Renamed", view.Agent.Label)
	assert.False(t, view.Agent.Paused)
	assert.Equal(t, []string{"update:a", "resume:a"}, api.sched.ops)
}

func TestUpdateUnknownAgent(t *testing.T) {
	api := setupTestRouter(nil)
	label := "x"
	w := api.do(http.MethodPatch, "/api/v1/agents/ghost", UpdateAgentRequest{Label: &label})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteAgentIsIdempotent(t *testing.T) {
	api := setupTestRouter(nil)
	api.sched.put(v1.AgentConfig{ID: "a", Label: "A"})

	assert.Equal(t, http.StatusNoContent, api.do(http.MethodDelete, "/api/v1/agents/a", nil).Code)
	assert.Equal(t, http.StatusNoContent, api.do(http.MethodDelete, "/api/v1/agents/a", nil).Code)
}

func TestAgentActions(t *testing.T) {
	api := setupTestRouter(nil)
	api.sched.put(v1.AgentConfig{ID: "a", Label: "A", Paused: true})

	w := api.do(http.MethodPost, "/api/v1/agents/a/resume", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	w = api.do(http.MethodPost, "/api/v1/agents/a/pause", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	w = api.do(http.MethodPost, "/api/v1/agents/a/trigger", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	assert.Equal(t, []string{"resume:a", "pause:a", "trigger:a"}, api.sched.ops)
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodPost, "/api/v1/agents/ghost/pause", nil).Code)
}

func TestTriggerWhileRunning(t *testing.T) {
	api := setupTestRouter(nil)
	api.sched.put(v1.AgentConfig{ID: "a", Label: "A"})
	api.sched.TriggerFn = func(ctx context.Context, id string) error {
		return scheduler.ErrRunInProgress
	}

	w := api.do(http.MethodPost, "/api/v1/agents/a/trigger", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, apperrors.ErrCodeConflict, decodeError(t, w).Error.Code)
}

func TestDetections(t *testing.T) {
	api := setupTestRouter(nil)
	api.detections.Append(v1.Detection{ID: "d1", AgentID: "a", Text: "one"})
	api.detections.Append(v1.Detection{ID: "d2", AgentID: "b", Text: "two"})
	api.detections.Append(v1.Detection{ID: "d3", AgentID: "a", Text: "three"})

	w := api.do(http.MethodGet, "/api/v1/detections?agent_id=a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp DetectionsListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Detections, 2)
	assert.Equal(t, "d3", resp.Detections[0].ID)
	assert.Equal(t, 10, resp.Capacity)

	w = api.do(http.MethodGet, "/api/v1/detections?limit=1", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Detections, 1)
	assert.Equal(t, "d3", resp.Detections[0].ID)

	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/api/v1/detections?limit=zero", nil).Code)

	assert.Equal(t, http.StatusNoContent, api.do(http.MethodDelete, "/api/v1/detections/d2", nil).Code)
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodDelete, "/api/v1/detections/d2", nil).Code)

	assert.Equal(t, http.StatusNoContent, api.do(http.MethodDelete, "/api/v1/detections", nil).Code)
	assert.Equal(t, 0, api.detections.Len())
}

func TestDevices(t *testing.T) {
	api := setupTestRouter(nil)

	w := api.do(http.MethodGet, "/api/v1/devices", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp DevicesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.CaptureAvailable)
	require.Len(t, resp.Devices, 1)

	api.source.SetAvailable(false)
	w = api.do(http.MethodGet, "/api/v1/devices", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.CaptureAvailable)
	assert.Empty(t, resp.Devices)
}

func TestCapabilities(t *testing.T) {
	api := setupTestRouter(stubCapabilities{caps: &backend.Capabilities{CPUAvailable: true}})
	w := api.do(http.MethodGet, "/api/v1/backend/capabilities", nil)
	require.Equal(t, http.StatusOK, w.Code)

	api = setupTestRouter(stubCapabilities{err: &backend.Error{Kind: backend.KindNotReady, Message: "down"}})
	assert.Equal(t, http.StatusServiceUnavailable, api.do(http.MethodGet, "/api/v1/backend/capabilities", nil).Code)

	api = setupTestRouter(nil)
	assert.Equal(t, http.StatusServiceUnavailable, api.do(http.MethodGet, "/api/v1/backend/capabilities", nil).Code)
}

func TestHealth(t *testing.T) {
	api := setupTestRouter(nil)
	w := api.do(http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	api.sched.running = false
	w = api.do(http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
