package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

func TestInitDisabledKeepsGlobalProvider(t *testing.T) {
	before := otel.GetTracerProvider()

	shutdown, err := Init(context.Background(), Options{}, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, before, otel.GetTracerProvider())
}

func TestInitEnabledInstallsProvider(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	shutdown, err := Init(context.Background(), Options{
		Enabled:     true,
		Endpoint:    "127.0.0.1:4318",
		ServiceName: "answer-relay-test",
	}, zap.NewNop())
	require.NoError(t, err)
	assert.NotEqual(t, before, otel.GetTracerProvider())

	_, span := otel.Tracer("test").Start(context.Background(), "noop")
	span.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}
