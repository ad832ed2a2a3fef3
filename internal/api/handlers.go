package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/vigil/internal/agent/registry"
	"github.com/kandev/vigil/internal/backend"
	"github.com/kandev/vigil/internal/capture"
	"github.com/kandev/vigil/internal/common/errors"
	"github.com/kandev/vigil/internal/common/logger"
	"github.com/kandev/vigil/internal/detection"
	"github.com/kandev/vigil/internal/scheduler"
	v1 "github.com/kandev/vigil/pkg/api/v1"
)

const defaultDetectionLimit = 100

// AgentScheduler is the part of the scheduler the handlers drive
type AgentScheduler interface {
	AddAgent(ctx context.Context, cfg v1.AgentConfig) (v1.AgentConfig, error)
	UpdateAgent(ctx context.Context, id string, patch registry.Patch) (v1.AgentConfig, error)
	Remove(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Trigger(ctx context.Context, id string) error
	View(ctx context.Context, id string) (v1.AgentView, error)
	Views(ctx context.Context) ([]v1.AgentView, error)
	IsRunning() bool
	CaptureAvailable() bool
}

// CapabilitiesProvider reports the backend's compute devices
type CapabilitiesProvider interface {
	Capabilities(ctx context.Context) (*backend.Capabilities, error)
}

// Handler contains HTTP handlers for the Vigil API
type Handler struct {
	scheduler    AgentScheduler
	detections   *detection.Log
	source       capture.Source
	capabilities CapabilitiesProvider
	logger       *logger.Logger
}

// NewHandler creates a new API handler. capabilities may be nil when the
// backend cannot report them.
func NewHandler(
	sched AgentScheduler,
	detections *detection.Log,
	source capture.Source,
	capabilities CapabilitiesProvider,
	log *logger.Logger,
) *Handler {
	return &Handler{
		scheduler:    sched,
		detections:   detections,
		source:       source,
		capabilities: capabilities,
		logger:       log.WithFields(zap.String("component", "api")),
	}
}

// toAppError maps scheduler and backend errors onto API errors.
func toAppError(err error, id string) *errors.AppError {
	var appErr *errors.AppError
	switch {
	case stderrors.As(err, &appErr):
		return appErr
	case stderrors.Is(err, scheduler.ErrAgentNotFound):
		return errors.NotFound("agent", id)
	case stderrors.Is(err, scheduler.ErrRunInProgress):
		return errors.Conflict("agent run already in progress")
	case stderrors.Is(err, scheduler.ErrAgentExists):
		return errors.Conflict("agent is already registered")
	case stderrors.Is(err, scheduler.ErrSchedulerNotRunning):
		return errors.ServiceUnavailable("scheduler", err)
	case backend.KindOf(err) == backend.KindNotReady:
		return errors.ServiceUnavailable("backend", err)
	default:
		return errors.InternalError("request failed", err)
	}
}

func (h *Handler) fail(c *gin.Context, err error, id string) {
	_ = c.Error(toAppError(err, id))
}

// ListAgents returns every agent with its phase and runtime state
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	views, err := h.scheduler.Views(c.Request.Context())
	if err != nil {
		h.fail(c, err, "")
		return
	}
	c.JSON(http.StatusOK, AgentsListResponse{Agents: views, Total: len(views)})
}

// CreateAgent stores and registers a new agent. It starts paused.
// POST /api/v1/agents
func (h *Handler) CreateAgent(c *gin.Context) {
	var req CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.BadRequest("invalid request body: " + err.Error()))
		return
	}

	cfg, err := h.scheduler.AddAgent(c.Request.Context(), req.toConfig())
	if err != nil {
		h.logger.Warn("failed to create agent", zap.Error(err))
		h.fail(c, err, cfg.ID)
		return
	}

	view, err := h.scheduler.View(c.Request.Context(), cfg.ID)
	if err != nil {
		h.fail(c, err, cfg.ID)
		return
	}
	c.JSON(http.StatusCreated, view)
}

// GetAgent returns one agent
// GET /api/v1/agents/:id
func (h *Handler) GetAgent(c *gin.Context) {
	id := c.Param("id")
	view, err := h.scheduler.View(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, id)
		return
	}
	c.JSON(http.StatusOK, view)
}

// UpdateAgent applies a partial update
// PATCH /api/v1/agents/:id
func (h *Handler) UpdateAgent(c *gin.Context) {
	id := c.Param("id")
	var req UpdateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.BadRequest("invalid request body: " + err.Error()))
		return
	}

	ctx := c.Request.Context()
	paused := req.Paused
	req.Paused = nil
	if _, err := h.scheduler.UpdateAgent(ctx, id, req); err != nil {
		h.fail(c, err, id)
		return
	}
	if paused != nil {
		op := h.scheduler.Resume
		if *paused {
			op = h.scheduler.Pause
		}
		if err := op(ctx, id); err != nil {
			h.fail(c, err, id)
			return
		}
	}

	view, err := h.scheduler.View(ctx, id)
	if err != nil {
		h.fail(c, err, id)
		return
	}
	c.JSON(http.StatusOK, view)
}

// DeleteAgent removes an agent. Removing an unknown agent succeeds.
// DELETE /api/v1/agents/:id
func (h *Handler) DeleteAgent(c *gin.Context) {
	id := c.Param("id")
	if err := h.scheduler.Remove(c.Request.Context(), id); err != nil {
		h.fail(c, err, id)
		return
	}
	c.Status(http.StatusNoContent)
}

// PauseAgent pauses an agent, deferring until an in-flight run finishes
// POST /api/v1/agents/:id/pause
func (h *Handler) PauseAgent(c *gin.Context) {
	h.agentAction(c, h.scheduler.Pause)
}

// ResumeAgent resumes an agent once its backend instance is ready
// POST /api/v1/agents/:id/resume
func (h *Handler) ResumeAgent(c *gin.Context) {
	h.agentAction(c, h.scheduler.Resume)
}

// TriggerAgent starts a run now, even when the agent is paused
// POST /api/v1/agents/:id/trigger
func (h *Handler) TriggerAgent(c *gin.Context) {
	h.agentAction(c, h.scheduler.Trigger)
}

func (h *Handler) agentAction(c *gin.Context, op func(context.Context, string) error) {
	id := c.Param("id")
	ctx := c.Request.Context()
	if err := op(ctx, id); err != nil {
		h.fail(c, err, id)
		return
	}
	view, err := h.scheduler.View(ctx, id)
	if err != nil {
		h.fail(c, err, id)
		return
	}
	c.JSON(http.StatusAccepted, view)
}

// ListDetections returns detections newest first
// GET /api/v1/detections?agent_id=&limit=
func (h *Handler) ListDetections(c *gin.Context) {
	limit := defaultDetectionLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			_ = c.Error(errors.ValidationError("limit", "must be a positive integer"))
			return
		}
		limit = min(n, h.detections.Capacity())
	}

	list := h.detections.Query(c.Query("agent_id"), limit)
	c.JSON(http.StatusOK, DetectionsListResponse{
		Detections: list,
		Total:      len(list),
		Capacity:   h.detections.Capacity(),
	})
}

// DeleteDetection removes one detection
// DELETE /api/v1/detections/:id
func (h *Handler) DeleteDetection(c *gin.Context) {
	id := c.Param("id")
	if !h.detections.Remove(id) {
		_ = c.Error(errors.NotFound("detection", id))
		return
	}
	c.Status(http.StatusNoContent)
}

// ClearDetections empties the detection log
// DELETE /api/v1/detections
func (h *Handler) ClearDetections(c *gin.Context) {
	h.detections.Clear()
	c.Status(http.StatusNoContent)
}

// ListDevices enumerates capture devices
// GET /api/v1/devices
func (h *Handler) ListDevices(c *gin.Context) {
	devices, err := h.source.ListDevices(c.Request.Context())
	if err != nil {
		_ = c.Error(errors.ServiceUnavailable("capture", err))
		return
	}
	c.JSON(http.StatusOK, DevicesResponse{
		Devices:          devices,
		CaptureAvailable: h.scheduler.CaptureAvailable() && len(devices) > 0,
	})
}

// GetCapabilities reports the backend's compute devices
// GET /api/v1/backend/capabilities
func (h *Handler) GetCapabilities(c *gin.Context) {
	if h.capabilities == nil {
		_ = c.Error(errors.ServiceUnavailable("backend", nil))
		return
	}
	caps, err := h.capabilities.Capabilities(c.Request.Context())
	if err != nil {
		_ = c.Error(errors.ServiceUnavailable("backend", err))
		return
	}
	c.JSON(http.StatusOK, caps)
}

// Health reports whether the scheduler is running
// GET /api/v1/health
func (h *Handler) Health(c *gin.Context) {
	resp := HealthResponse{
		Status:           "ok",
		SchedulerRunning: h.scheduler.IsRunning(),
		Timestamp:        time.Now().UTC(),
	}
	if views, err := h.scheduler.Views(c.Request.Context()); err == nil {
		resp.Agents = len(views)
	}
	status := http.StatusOK
	if !resp.SchedulerRunning {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}
