package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/vigil/internal/agent/registry"
	"github.com/kandev/vigil/internal/agent/runtime"
	"github.com/kandev/vigil/internal/capture"
	"github.com/kandev/vigil/internal/common/logger"
	"github.com/kandev/vigil/internal/detection"
	"github.com/kandev/vigil/internal/events"
	"github.com/kandev/vigil/internal/events/bus"
	v1 "github.com/kandev/vigil/pkg/api/v1"
)

func collect(t *testing.T, b bus.EventBus) <-chan *bus.Event {
	t.Helper()
	ch := make(chan *bus.Event, 32)
	_, err := b.Subscribe(events.AllSubjects, func(ctx context.Context, e *bus.Event) error {
		ch <- e
		return nil
	})
	require.NoError(t, err)
	return ch
}

func next(t *testing.T, ch <-chan *bus.Event) *bus.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishesRegistryChanges(t *testing.T) {
	log := logger.NewNop()
	b := bus.NewMemoryEventBus(log)
	defer b.Close()
	ch := collect(t, b)

	reg := registry.New(registry.NewMemoryStore(), log)
	p := New(b, log)
	p.WatchRegistry(reg)
	defer p.Close()

	cfg, err := reg.Add(context.Background(), v1.AgentConfig{Label: "Porch", IntervalSeconds: 5})
	require.NoError(t, err)
	require.NoError(t, reg.Remove(context.Background(), cfg.ID))

	added := next(t, ch)
	assert.Equal(t, events.AgentAdded, added.Type)
	assert.Equal(t, cfg.ID, added.Data["agent_id"])
	assert.Equal(t, events.AgentRemoved, next(t, ch).Type)
}

func TestPublishesRuntimeAndDetections(t *testing.T) {
	log := logger.NewNop()
	b := bus.NewMemoryEventBus(log)
	defer b.Close()
	ch := collect(t, b)

	states := runtime.NewStore()
	detections := detection.NewLog(1)
	p := New(b, log)
	p.WatchRuntime(states)
	p.WatchDetections(detections)

	states.Ensure("a")
	assert.Equal(t, events.AgentStateChanged, next(t, ch).Type)

	detections.Append(v1.Detection{ID: "d1", AgentID: "a"})
	detections.Append(v1.Detection{ID: "d2", AgentID: "a"})
	assert.Equal(t, events.DetectionAppended, next(t, ch).Type)
	second := next(t, ch)
	assert.Equal(t, "d1", second.Data["evicted_id"])

	detections.Remove("d2")
	assert.Equal(t, events.DetectionRemoved, next(t, ch).Type)

	p.DevicesChanged([]capture.Device{{ID: "default"}})
	assert.Equal(t, events.CaptureDevicesChanged, next(t, ch).Type)

	p.Close()
	states.Ensure("b")
	select {
	case e := <-ch:
		t.Fatalf("unexpected event after close: %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}
