package registry

import v1 "github.com/kandev/vigil/pkg/api/v1"

// Patch is a partial update of an agent. Nil fields are left unchanged.
type Patch struct {
	Label             *string         `json:"label,omitempty"`
	Description       *string         `json:"description,omitempty"`
	SystemPrompt      *string         `json:"system_prompt,omitempty"`
	UserPrompt        *string         `json:"user_prompt,omitempty"`
	CaptureMode       *v1.CaptureMode `json:"capture_mode,omitempty"`
	IntervalSeconds   *int            `json:"interval_seconds,omitempty"`
	Device            *v1.Device      `json:"device,omitempty"`
	MaxResponseLength *int            `json:"max_response_length,omitempty"`
	SamplingEnabled   *bool           `json:"sampling_enabled,omitempty"`
	Paused            *bool           `json:"paused,omitempty"`
}

// Reconfigures reports whether applying p to cfg changes anything beyond the
// display fields and the pause flag. Such edits need the backend instance
// to be re-initialized.
func (p Patch) Reconfigures(cfg v1.AgentConfig) bool {
	switch {
	case p.SystemPrompt != nil && *p.SystemPrompt != cfg.SystemPrompt:
		return true
	case p.UserPrompt != nil && *p.UserPrompt != cfg.UserPrompt:
		return true
	case p.CaptureMode != nil && *p.CaptureMode != cfg.CaptureMode:
		return true
	case p.IntervalSeconds != nil && *p.IntervalSeconds != cfg.IntervalSeconds:
		return true
	case p.Device != nil && *p.Device != cfg.Device:
		return true
	case p.MaxResponseLength != nil && *p.MaxResponseLength != cfg.MaxResponseLength:
		return true
	case p.SamplingEnabled != nil && *p.SamplingEnabled != cfg.SamplingEnabled:
		return true
	}
	return false
}

// Apply returns a copy of cfg with the patch applied.
func (p Patch) Apply(cfg v1.AgentConfig) v1.AgentConfig {
	if p.Label != nil {
		cfg.Label = *p.Label
	}
	if p.Description != nil {
		cfg.Description = *p.Description
	}
	if p.SystemPrompt != nil {
		cfg.SystemPrompt = *p.SystemPrompt
	}
	if p.UserPrompt != nil {
		cfg.UserPrompt = *p.UserPrompt
	}
	if p.CaptureMode != nil {
		cfg.CaptureMode = *p.CaptureMode
	}
	if p.IntervalSeconds != nil {
		cfg.IntervalSeconds = *p.IntervalSeconds
	}
	if p.Device != nil {
		cfg.Device = *p.Device
	}
	if p.MaxResponseLength != nil {
		cfg.MaxResponseLength = *p.MaxResponseLength
	}
	if p.SamplingEnabled != nil {
		cfg.SamplingEnabled = *p.SamplingEnabled
	}
	if p.Paused != nil {
		cfg.Paused = *p.Paused
	}
	return cfg
}
