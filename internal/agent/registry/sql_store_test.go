package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/vigil/internal/db"
	v1 "github.com/kandev/vigil/pkg/api/v1"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	store, err := NewSQLStore(conn)
	require.NoError(t, err)
	return store
}

func TestSQLStore_RoundTrip(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cfg := v1.AgentConfig{
		ID:                "a-1",
		Label:             "Front door",
		Description:       "Watches the porch",
		SystemPrompt:      "sys",
		UserPrompt:        "user",
		CaptureMode:       v1.CaptureModeInterval,
		IntervalSeconds:   15,
		Device:            v1.DeviceCUDA,
		MaxResponseLength: 200,
		SamplingEnabled:   true,
		Paused:            true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, store.Upsert(ctx, cfg))

	agents, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	got := agents[0]
	assert.Equal(t, cfg.Label, got.Label)
	assert.Equal(t, cfg.CaptureMode, got.CaptureMode)
	assert.Equal(t, cfg.Device, got.Device)
	assert.Equal(t, 15, got.IntervalSeconds)
	assert.True(t, got.SamplingEnabled)
	assert.True(t, got.Paused)
	assert.True(t, got.CreatedAt.Equal(now))
}

func TestSQLStore_UpsertOverwrites(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	cfg := v1.AgentConfig{ID: "a-1", Label: "A", CaptureMode: v1.CaptureModeManual, Device: v1.DeviceAuto, MaxResponseLength: 100, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.Upsert(ctx, cfg))

	cfg.Label = "B"
	cfg.Paused = true
	require.NoError(t, store.Upsert(ctx, cfg))

	agents, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "B", agents[0].Label)
	assert.True(t, agents[0].Paused)
}

func TestSQLStore_Delete(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Upsert(ctx, v1.AgentConfig{ID: "a-1", Label: "A", CaptureMode: v1.CaptureModeManual, Device: v1.DeviceAuto, MaxResponseLength: 100, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, store.Delete(ctx, "a-1"))
	require.NoError(t, store.Delete(ctx, "a-1"))

	agents, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestSQLStore_BacksRegistry(t *testing.T) {
	store := newTestSQLStore(t)
	reg := New(store, newTestLogger())

	cfg, err := reg.Add(context.Background(), validAgentConfig("Porch"))
	require.NoError(t, err)

	reloaded := New(store, newTestLogger())
	require.NoError(t, reloaded.Load(context.Background()))
	got, ok := reloaded.Get(cfg.ID)
	require.True(t, ok)
	assert.Equal(t, "Porch", got.Label)
}
