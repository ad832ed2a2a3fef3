package registry

import (
	"strings"

	apperrors "github.com/kandev/vigil/internal/common/errors"
	v1 "github.com/kandev/vigil/pkg/api/v1"
)

const (
	DefaultIntervalSeconds   = 30
	DefaultMaxResponseLength = 100
	MaxResponseLength        = 8192

	DefaultSystemPrompt = "You are a helpful AI assistant analyzing images."
	DefaultUserPrompt   = "What do you see in this image?"
)

// ApplyDefaults fills unset fields of a new agent configuration.
func ApplyDefaults(cfg *v1.AgentConfig) {
	if cfg.CaptureMode == "" {
		cfg.CaptureMode = v1.CaptureModeInterval
	}
	if cfg.CaptureMode == v1.CaptureModeInterval && cfg.IntervalSeconds == 0 {
		cfg.IntervalSeconds = DefaultIntervalSeconds
	}
	if cfg.Device == "" {
		cfg.Device = v1.DeviceAuto
	}
	if cfg.MaxResponseLength == 0 {
		cfg.MaxResponseLength = DefaultMaxResponseLength
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.UserPrompt == "" {
		cfg.UserPrompt = DefaultUserPrompt
	}
}

// Validate checks an agent configuration.
func Validate(cfg *v1.AgentConfig) error {
	if strings.TrimSpace(cfg.Label) == "" {
		return apperrors.ValidationError("label", "is required")
	}
	if !cfg.CaptureMode.Valid() {
		return apperrors.ValidationError("capture_mode", "must be interval or manual")
	}
	if cfg.CaptureMode == v1.CaptureModeInterval && cfg.IntervalSeconds <= 0 {
		return apperrors.ValidationError("interval_seconds", "must be positive for interval agents")
	}
	if cfg.IntervalSeconds < 0 {
		return apperrors.ValidationError("interval_seconds", "must not be negative")
	}
	if !cfg.Device.Valid() {
		return apperrors.ValidationError("device", "must be cpu, cuda or auto")
	}
	if cfg.MaxResponseLength < 1 || cfg.MaxResponseLength > MaxResponseLength {
		return apperrors.ValidationError("max_response_length", "must be between 1 and 8192")
	}
	return nil
}
