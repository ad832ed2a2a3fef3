// Package publisher forwards registry, runtime state and detection log
// changes onto the event bus.
package publisher

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/vigil/internal/agent/registry"
	"github.com/kandev/vigil/internal/agent/runtime"
	"github.com/kandev/vigil/internal/capture"
	"github.com/kandev/vigil/internal/common/logger"
	"github.com/kandev/vigil/internal/detection"
	"github.com/kandev/vigil/internal/events"
	"github.com/kandev/vigil/internal/events/bus"
	v1 "github.com/kandev/vigil/pkg/api/v1"
)

// Publisher turns store notifications into bus events.
type Publisher struct {
	bus    bus.EventBus
	logger *logger.Logger
	unsubs []func()
}

// New creates a publisher for eventBus.
func New(eventBus bus.EventBus, log *logger.Logger) *Publisher {
	return &Publisher{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "event-publisher")),
	}
}

// WatchRegistry publishes agent.added, agent.updated and agent.removed.
func (p *Publisher) WatchRegistry(reg *registry.Registry) {
	p.unsubs = append(p.unsubs, reg.Subscribe(func(c registry.Change) {
		var eventType string
		switch c.Type {
		case registry.ChangeAdded:
			eventType = events.AgentAdded
		case registry.ChangeUpdated:
			eventType = events.AgentUpdated
		case registry.ChangeRemoved:
			eventType = events.AgentRemoved
		default:
			return
		}
		p.publish(eventType, "registry", map[string]interface{}{
			"agent_id": c.Agent.ID,
			"agent":    c.Agent,
		})
	}))
}

// WatchRuntime publishes agent.state_changed for every runtime state commit.
func (p *Publisher) WatchRuntime(states *runtime.Store) {
	p.unsubs = append(p.unsubs, states.Subscribe(func(st v1.RuntimeState) {
		p.publish(events.AgentStateChanged, "scheduler", map[string]interface{}{
			"agent_id": st.AgentID,
			"state":    st,
		})
	}))
}

// WatchDetections publishes detection log changes.
func (p *Publisher) WatchDetections(log *detection.Log) {
	log.OnAppend(func(d v1.Detection, evicted *v1.Detection) {
		data := map[string]interface{}{
			"agent_id":  d.AgentID,
			"detection": d,
		}
		if evicted != nil {
			data["evicted_id"] = evicted.ID
		}
		p.publish(events.DetectionAppended, "detections", data)
	})
	log.OnRemove(func(d v1.Detection) {
		p.publish(events.DetectionRemoved, "detections", map[string]interface{}{
			"agent_id":     d.AgentID,
			"detection_id": d.ID,
		})
	})
	log.OnClear(func() {
		p.publish(events.DetectionsCleared, "detections", map[string]interface{}{})
	})
}

// DevicesChanged publishes the current capture device list.
func (p *Publisher) DevicesChanged(devices []capture.Device) {
	p.publish(events.CaptureDevicesChanged, "capture", map[string]interface{}{
		"devices": devices,
	})
}

// Close stops watching the registry and runtime store.
func (p *Publisher) Close() {
	for _, unsub := range p.unsubs {
		unsub()
	}
	p.unsubs = nil
}

func (p *Publisher) publish(eventType, source string, data map[string]interface{}) {
	event := bus.NewEvent(eventType, source, data)
	if err := p.bus.Publish(context.Background(), events.Subject(eventType), event); err != nil {
		p.logger.Debug("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
