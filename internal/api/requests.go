// Package api provides the HTTP API for managing agents and reading detections.
package api

import (
	"time"

	"github.com/kandev/vigil/internal/agent/registry"
	"github.com/kandev/vigil/internal/capture"
	v1 "github.com/kandev/vigil/pkg/api/v1"
)

// CreateAgentRequest for creating an agent
type CreateAgentRequest struct {
	Label             string         `json:"label" binding:"required"`
	Description       string         `json:"description"`
	SystemPrompt      string         `json:"system_prompt"`
	UserPrompt        string         `json:"user_prompt"`
	CaptureMode       v1.CaptureMode `json:"capture_mode"`
	IntervalSeconds   int            `json:"interval_seconds"`
	Device            v1.Device      `json:"device"`
	MaxResponseLength int            `json:"max_response_length"`
	SamplingEnabled   *bool          `json:"sampling_enabled,omitempty"`
}

func (r CreateAgentRequest) toConfig() v1.AgentConfig {
	sampling := true
	if r.SamplingEnabled != nil {
		sampling = *r.SamplingEnabled
	}
	return v1.AgentConfig{
		Label:             r.Label,
		Description:       r.Description,
		SystemPrompt:      r.SystemPrompt,
		UserPrompt:        r.UserPrompt,
		CaptureMode:       r.CaptureMode,
		IntervalSeconds:   r.IntervalSeconds,
		Device:            r.Device,
		MaxResponseLength: r.MaxResponseLength,
		SamplingEnabled:   sampling,
	}
}

// UpdateAgentRequest is a partial agent update. A paused field pauses or
// resumes the agent after the other fields are applied.
type UpdateAgentRequest = registry.Patch

// AgentsListResponse for listing agents
type AgentsListResponse struct {
	Agents []v1.AgentView `json:"agents"`
	Total  int            `json:"total"`
}

// DetectionsListResponse for listing detections
type DetectionsListResponse struct {
	Detections []v1.Detection `json:"detections"`
	Total      int            `json:"total"`
	Capacity   int            `json:"capacity"`
}

// DevicesResponse for listing capture devices
type DevicesResponse struct {
	Devices          []capture.Device `json:"devices"`
	CaptureAvailable bool             `json:"capture_available"`
}

// HealthResponse for health check
type HealthResponse struct {
	Status           string    `json:"status"`
	SchedulerRunning bool      `json:"scheduler_running"`
	Agents           int       `json:"agents"`
	Timestamp        time.Time `json:"timestamp"`
}
