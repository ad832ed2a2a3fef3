// Package events defines the event types Vigil publishes on its event bus.
package events

// Agent registry events
const (
	AgentAdded   = "agent.added"
	AgentUpdated = "agent.updated"
	AgentRemoved = "agent.removed"
)

// Scheduler events
const (
	AgentStateChanged = "agent.state_changed"
	AgentOverrun      = "agent.overrun"
)

// Detection log events
const (
	DetectionAppended = "detection.appended"
	DetectionRemoved  = "detection.removed"
	DetectionsCleared = "detections.cleared"
)

// Capture events
const (
	CaptureDevicesChanged = "capture.devices_changed"
)

const subjectPrefix = "vigil."

// Subject returns the bus subject an event type is published on.
func Subject(eventType string) string {
	return subjectPrefix + eventType
}

// AllSubjects matches every Vigil event.
const AllSubjects = subjectPrefix + ">"
