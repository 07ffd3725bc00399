package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/zhouzirui/z-voice/backend/internal/config"
)

func restoreGlobalTracer(t *testing.T) {
	t.Helper()
	orig := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
}

func TestInitDisabled(t *testing.T) {
	restoreGlobalTracer(t)
	p, err := Init(context.Background(), config.TelemetryConfig{}, nil)
	require.NoError(t, err)
	assert.Nil(t, p.tp)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInitEnabled(t *testing.T) {
	restoreGlobalTracer(t)
	// gRPC 连接惰性建立，无需真实 collector。
	p, err := Init(context.Background(), config.TelemetryConfig{
		Endpoint:    "localhost:4317",
		ServiceName: "z-voice-test",
		SampleRate:  0.5,
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, p.tp)
	assert.Same(t, p.tp, otel.GetTracerProvider())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.Shutdown(ctx)
}

func TestShutdownNil(t *testing.T) {
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}
