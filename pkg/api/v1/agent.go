package v1

import "time"

// CaptureMode controls how an agent is triggered
type CaptureMode string

const (
	CaptureModeInterval CaptureMode = "interval"
	CaptureModeManual   CaptureMode = "manual"
)

// Valid reports whether the mode is one of the known capture modes
func (m CaptureMode) Valid() bool {
	return m == CaptureModeInterval || m == CaptureModeManual
}

// Device selects the compute device requested from the inference backend
type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
	DeviceAuto Device = "auto"
)

// Valid reports whether the device is one the backend accepts
func (d Device) Valid() bool {
	return d == DeviceCPU || d == DeviceCUDA || d == DeviceAuto
}

// AgentPhase is the scheduler lifecycle phase of an agent
type AgentPhase string

const (
	AgentPhaseUninitialized AgentPhase = "UNINITIALIZED"
	AgentPhasePaused        AgentPhase = "PAUSED"
	AgentPhaseRunning       AgentPhase = "RUNNING"
	AgentPhaseProcessing    AgentPhase = "PROCESSING"
	AgentPhasePausing       AgentPhase = "PAUSING"
	AgentPhaseRemoved       AgentPhase = "REMOVED"
)

// AgentConfig is the durable configuration of a single agent
type AgentConfig struct {
	ID                string      `json:"id" yaml:"id" db:"id"`
	Label             string      `json:"label" yaml:"label" db:"label"`
	Description       string      `json:"description" yaml:"description" db:"description"`
	SystemPrompt      string      `json:"system_prompt" yaml:"system_prompt" db:"system_prompt"`
	UserPrompt        string      `json:"user_prompt" yaml:"user_prompt" db:"user_prompt"`
	CaptureMode       CaptureMode `json:"capture_mode" yaml:"capture_mode" db:"capture_mode"`
	IntervalSeconds   int         `json:"interval_seconds" yaml:"interval_seconds" db:"interval_seconds"`
	Device            Device      `json:"device" yaml:"device" db:"device"`
	MaxResponseLength int         `json:"max_response_length" yaml:"max_response_length" db:"max_response_length"`
	SamplingEnabled   bool        `json:"sampling_enabled" yaml:"sampling_enabled" db:"sampling_enabled"`
	Paused            bool        `json:"paused" yaml:"paused" db:"paused"`
	CreatedAt         time.Time   `json:"created_at" yaml:"-" db:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at" yaml:"-" db:"updated_at"`
}

// AgentStats holds accumulated run statistics for an agent
type AgentStats struct {
	TotalRuns     int64   `json:"total_runs"`
	ErrorCount    int64   `json:"error_count"`
	LastLatencyMs int64   `json:"last_latency_ms"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	SkippedTicks  int64   `json:"skipped_ticks"`
}

// RuntimeState is the ephemeral, scheduler-owned state of an agent
type RuntimeState struct {
	AgentID          string     `json:"agent_id"`
	Processing       bool       `json:"processing"`
	PendingPause     bool       `json:"pending_pause"`
	CountdownSeconds int        `json:"countdown_seconds"`
	Exists           bool       `json:"exists"`
	Ready            bool       `json:"ready"`
	DeviceActual     string     `json:"device_actual,omitempty"`
	MemoryMB         float64    `json:"memory_mb,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	LastResult       string     `json:"last_result,omitempty"`
	OverrunWarning   bool       `json:"overrun_warning"`
	Generation       uint64     `json:"generation"`
	LastRunAt        *time.Time `json:"last_run_at,omitempty"`
	Stats            AgentStats `json:"stats"`
}

// Detection is one recorded outcome of a single agent run
type Detection struct {
	ID               string    `json:"id" db:"id"`
	AgentID          string    `json:"agent_id" db:"agent_id"`
	AgentLabel       string    `json:"agent_label" db:"agent_label"`
	Text             string    `json:"text" db:"text"`
	IsError          bool      `json:"is_error" db:"is_error"`
	ErrorKind        string    `json:"error_kind,omitempty" db:"error_kind"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	ProcessingTimeMs int64     `json:"processing_time_ms" db:"processing_time_ms"`
	ImageRef         string    `json:"image_ref,omitempty" db:"image_ref"`
}

// AgentView combines an agent's configuration with its runtime state
type AgentView struct {
	Agent AgentConfig  `json:"agent"`
	Phase AgentPhase   `json:"phase"`
	State RuntimeState `json:"state"`
}
