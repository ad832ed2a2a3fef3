package bus

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kandev/vigil/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "json",
		OutputPath: "stderr",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	received := make(chan *Event, 1)
	sub, err := bus.Subscribe("vigil.agent.added", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("agent.added", "test", map[string]interface{}{"agent_id": "a-1"})
	if err := bus.Publish(context.Background(), "vigil.agent.added", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("expected event ID %s, got %s", event.ID, e.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryEventBus_OrderPreservedPerSubscriber(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	const n = 50
	received := make(chan int, n)
	_, err := bus.Subscribe("vigil.>", func(ctx context.Context, event *Event) error {
		received <- event.Data["seq"].(int)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i := 0; i < n; i++ {
		_ = bus.Publish(context.Background(), "vigil.detection.appended",
			NewEvent("detection.appended", "test", map[string]interface{}{"seq": i}))
	}

	for i := 0; i < n; i++ {
		select {
		case got := <-received:
			if got != i {
				t.Fatalf("expected seq %d, got %d", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event %d", i)
		}
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var count int32
	sub, _ := bus.Subscribe("vigil.agent.removed", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("expected subscription to be invalid after unsubscribe")
	}

	_ = bus.Publish(context.Background(), "vigil.agent.removed", NewEvent("agent.removed", "test", nil))
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&count) != 0 {
		t.Errorf("expected no deliveries after unsubscribe, got %d", count)
	}
}

func TestMemoryEventBus_Closed(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	bus.Close()

	if bus.IsConnected() {
		t.Error("expected closed bus to report disconnected")
	}
	if err := bus.Publish(context.Background(), "vigil.x", NewEvent("x", "test", nil)); err != ErrBusClosed {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}
	if _, err := bus.Subscribe("vigil.x", func(context.Context, *Event) error { return nil }); err != ErrBusClosed {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}
	bus.Close()
}

func TestMatchTokens(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"vigil.agent.added", "vigil.agent.added", true},
		{"vigil.agent.added", "vigil.agent.removed", false},
		{"vigil.*.added", "vigil.agent.added", true},
		{"vigil.*", "vigil.agent.added", false},
		{"vigil.>", "vigil.agent.added", true},
		{"vigil.>", "vigil", false},
		{"vigil.agent", "vigil.agent.added", false},
	}

	for _, tt := range tests {
		got := matchTokens(strings.Split(tt.pattern, "."), strings.Split(tt.subject, "."))
		if got != tt.want {
			t.Errorf("matchTokens(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}
