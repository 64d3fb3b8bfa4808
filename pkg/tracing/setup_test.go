package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campoverde/campo/pkg/tracing/exporters"
)

func TestSetup(t *testing.T) {
	ctx := context.Background()

	t.Run("ConsoleWhenOTLPDisabled", func(t *testing.T) {
		shutdown, err := Setup(ctx, "campo-test", Config{})
		require.NoError(t, err)
		require.NotNil(t, shutdown)
		defer func() { _ = shutdown(ctx) }()

		spanCtx, span := StartSpan(ctx, "test.span")
		require.NotNil(t, span)
		span.End()
		assert.NotEqual(t, ctx, spanCtx)
	})

	t.Run("RejectsUnknownProtocol", func(t *testing.T) {
		_, err := Setup(ctx, "campo-test", Config{
			OTLPEnabled:  true,
			OTLPEndpoint: "localhost:4318",
			OTLPProtocol: "carrier-pigeon",
		})
		require.Error(t, err)
	})
}

func TestNewOTLPExporter(t *testing.T) {
	ctx := context.Background()

	t.Run("HTTPExporterBuilds", func(t *testing.T) {
		// Construction is lazy, no collector needs to be listening.
		exp, err := exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
			Endpoint: "localhost:4318",
			Protocol: "http",
			Insecure: true,
		})
		require.NoError(t, err)
		require.NotNil(t, exp)
		_ = exp.Shutdown(ctx)
	})

	t.Run("UnknownProtocolFails", func(t *testing.T) {
		_, err := exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{Protocol: "udp"})
		require.Error(t, err)
	})
}
