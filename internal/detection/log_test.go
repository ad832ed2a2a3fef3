package detection

import (
	"fmt"
	"testing"
	"time"

	v1 "github.com/kandev/vigil/pkg/api/v1"
)

func newTestDetection(agentID string, n int) v1.Detection {
	return v1.Detection{
		ID:        fmt.Sprintf("%s-%d", agentID, n),
		AgentID:   agentID,
		Text:      fmt.Sprintf("detection %d", n),
		CreatedAt: time.Unix(int64(n), 0).UTC(),
	}
}

func TestNewLogDefaultCapacity(t *testing.T) {
	if got := NewLog(0).Capacity(); got != DefaultCapacity {
		t.Errorf("expected default capacity %d, got %d", DefaultCapacity, got)
	}
	if got := NewLog(-5).Capacity(); got != DefaultCapacity {
		t.Errorf("expected default capacity %d, got %d", DefaultCapacity, got)
	}
}

func TestAppendMostRecentFirst(t *testing.T) {
	l := NewLog(10)
	for i := 1; i <= 3; i++ {
		l.Append(newTestDetection("a", i))
	}

	list := l.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 detections, got %d", len(list))
	}
	for i, want := range []string{"a-3", "a-2", "a-1"} {
		if list[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, list[i].ID)
		}
	}
}

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	l := NewLog(10)
	d := l.Append(v1.Detection{AgentID: "a", Text: "hello"})
	if d.ID == "" {
		t.Error("expected generated id")
	}
	if d.CreatedAt.IsZero() {
		t.Error("expected timestamp")
	}
}

func TestEvictionIsFIFO(t *testing.T) {
	l := NewLog(1000)
	for i := 1; i <= 1001; i++ {
		l.Append(newTestDetection("a", i))
	}

	if l.Len() != 1000 {
		t.Fatalf("expected 1000 detections, got %d", l.Len())
	}
	list := l.List()
	if list[0].ID != "a-1001" {
		t.Errorf("expected newest a-1001 at head, got %s", list[0].ID)
	}
	if list[len(list)-1].ID != "a-2" {
		t.Errorf("expected a-2 at tail, got %s", list[len(list)-1].ID)
	}
	if _, ok := l.Get("a-1"); ok {
		t.Error("expected a-1 to be evicted")
	}
}

func TestAppendHookReportsEviction(t *testing.T) {
	l := NewLog(2)
	var evicted []string
	l.OnAppend(func(d v1.Detection, e *v1.Detection) {
		if e != nil {
			evicted = append(evicted, e.ID)
		}
	})

	for i := 1; i <= 4; i++ {
		l.Append(newTestDetection("a", i))
	}
	if len(evicted) != 2 || evicted[0] != "a-1" || evicted[1] != "a-2" {
		t.Errorf("expected [a-1 a-2] evicted, got %v", evicted)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	l := NewLog(3)
	for i := 1; i <= 5; i++ {
		l.Append(newTestDetection("a", i))
	}
	removals := 0
	l.OnRemove(func(v1.Detection) { removals++ })

	if !l.Remove("a-4") {
		t.Fatal("expected a-4 to be removed")
	}
	if l.Remove("a-4") {
		t.Error("expected second remove to be a no-op")
	}
	if l.Remove("missing") {
		t.Error("expected removing an unknown id to be a no-op")
	}
	if removals != 1 {
		t.Errorf("expected 1 remove hook call, got %d", removals)
	}

	list := l.List()
	if len(list) != 2 || list[0].ID != "a-5" || list[1].ID != "a-3" {
		t.Errorf("unexpected list after remove: %v", ids(list))
	}

	l.Append(newTestDetection("a", 6))
	l.Append(newTestDetection("a", 7))
	if got := ids(l.List()); fmt.Sprint(got) != "[a-7 a-6 a-5]" {
		t.Errorf("unexpected list after refill: %v", got)
	}
}

func TestClearIsIdempotent(t *testing.T) {
	l := NewLog(5)
	clears := 0
	l.OnClear(func() { clears++ })

	l.Clear()
	l.Append(newTestDetection("a", 1))
	l.Clear()
	l.Clear()

	if l.Len() != 0 {
		t.Errorf("expected empty log, got %d", l.Len())
	}
	if clears != 1 {
		t.Errorf("expected 1 clear hook call, got %d", clears)
	}
}

func TestQueryFiltersAndLimits(t *testing.T) {
	l := NewLog(10)
	for i := 1; i <= 4; i++ {
		l.Append(newTestDetection("a", i))
		l.Append(newTestDetection("b", i))
	}

	got := l.Query("b", 2)
	if fmt.Sprint(ids(got)) != "[b-4 b-3]" {
		t.Errorf("unexpected query result: %v", ids(got))
	}
	if len(l.Query("", 3)) != 3 {
		t.Errorf("expected limit to apply without a filter")
	}
}

func TestLoadSkipsHooks(t *testing.T) {
	l := NewLog(2)
	called := false
	l.OnAppend(func(v1.Detection, *v1.Detection) { called = true })

	l.Load([]v1.Detection{newTestDetection("a", 1), newTestDetection("a", 2), newTestDetection("a", 3)})
	if called {
		t.Error("expected Load not to run hooks")
	}
	if fmt.Sprint(ids(l.List())) != "[a-3 a-2]" {
		t.Errorf("unexpected list after load: %v", ids(l.List()))
	}
}

func ids(ds []v1.Detection) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}
