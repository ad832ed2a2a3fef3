package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/vigil/internal/common/config"
)

func TestNewCaptureSourceSelectsConfiguredDevice(t *testing.T) {
	root := t.TempDir()
	img, err := testPattern(16, 16)
	require.NoError(t, err)
	for _, dev := range []string{"garage", "porch"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dev), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, dev, "frame.png"), img, 0o644))
	}

	source, fileSource, err := newCaptureSource(config.CaptureConfig{Kind: "file", Dir: root, Device: "porch", Timeout: 1000})
	require.NoError(t, err)
	require.NotNil(t, fileSource)

	frame, err := source.CaptureFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "porch", frame.DeviceID)
	assert.Equal(t, 16, frame.Width)
}

func TestNewCaptureSourceDefaultsToFirstDevice(t *testing.T) {
	root := t.TempDir()
	img, err := testPattern(16, 16)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "garage"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "garage", "frame.png"), img, 0o644))

	source, _, err := newCaptureSource(config.CaptureConfig{Kind: "file", Dir: root, Timeout: 1000})
	require.NoError(t, err)

	frame, err := source.CaptureFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "garage", frame.DeviceID)
}

func TestNewCaptureSourceRejectsUnknownKind(t *testing.T) {
	_, _, err := newCaptureSource(config.CaptureConfig{Kind: "v4l2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported capture kind")
}
