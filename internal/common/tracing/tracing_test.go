package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEndpointHost(t *testing.T) {
	assert.Equal(t, "collector:4318", endpointHost("http://collector:4318"))
	assert.Equal(t, "collector:4318", endpointHost("https://collector:4318"))
	assert.Equal(t, "collector:4318", endpointHost("collector:4318"))
}

func TestNoopWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	assert.False(t, Enabled())

	ctx, span := TraceBackendCall(context.Background(), "submit", "POST", "/analyze-image", "a-1")
	assert.NotNil(t, ctx)
	EndSpan(span, 500, errors.New("boom"))
	assert.NoError(t, Shutdown(context.Background()))
}
