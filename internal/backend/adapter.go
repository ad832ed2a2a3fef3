// Package backend talks to the external image-understanding service that hosts
// one model instance per agent.
package backend

import (
	"context"

	v1 "github.com/kandev/vigil/pkg/api/v1"
)

// Status is the backend's view of one agent's model instance.
type Status struct {
	Exists        bool    `json:"exists"`
	Ready         bool    `json:"ready"`
	State         string  `json:"state,omitempty"` // loading, running, error, stopped
	DeviceActual  string  `json:"device_actual,omitempty"`
	MemoryMB      float64 `json:"memory_mb,omitempty"`
	UptimeSeconds float64 `json:"uptime_seconds,omitempty"`
	ErrorMessage  string  `json:"error_message,omitempty"`
}

// Result is the outcome of one image submission.
type Result struct {
	Text              string  `json:"text"`
	GenerationSeconds float64 `json:"generation_seconds"`
	TokenCount        int     `json:"token_count,omitempty"`
	Truncated         bool    `json:"truncated"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
}

// Capabilities describes the compute devices available to the backend.
type Capabilities struct {
	CUDAAvailable        bool    `json:"cuda_available"`
	CPUAvailable         bool    `json:"cpu_available"`
	CUDADeviceCount      int     `json:"cuda_device_count,omitempty"`
	CUDADeviceName       string  `json:"cuda_device_name,omitempty"`
	CUDAMemoryGB         float64 `json:"cuda_memory_gb,omitempty"`
	CUDACapability       string  `json:"cuda_capability,omitempty"`
	CUDACompatible       bool    `json:"cuda_compatible"`
	BFloat16Supported    bool    `json:"bfloat16_supported"`
	IncompatibilityNotes string  `json:"incompatibility_reason,omitempty"`
}

// Adapter is the request/response contract with the inference service.
// Implementations hold no scheduling state.
type Adapter interface {
	// Initialize loads (or replaces) the model instance for cfg.ID.
	Initialize(ctx context.Context, cfg v1.AgentConfig) error

	// Status reports the instance state. Unknown ids yield Exists=false, not an error.
	Status(ctx context.Context, agentID string) (*Status, error)

	// Submit sends one encoded image with a prompt. It honors ctx cancellation.
	Submit(ctx context.Context, agentID string, image []byte, prompt string) (*Result, error)

	// Cancel asks the backend to abandon in-flight work. Best effort.
	Cancel(ctx context.Context, agentID string) (bool, error)

	// Shutdown releases the instance. Unknown ids are not an error.
	Shutdown(ctx context.Context, agentID string) error

	// ShutdownAll releases every instance.
	ShutdownAll(ctx context.Context) error
}
