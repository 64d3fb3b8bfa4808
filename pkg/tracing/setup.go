package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/campoverde/campo/pkg/tracing/exporters"
)

// Config controls where spans go. With OTLP disabled the console no-op
// exporter keeps span creation cheap; nothing leaves the process.
type Config struct {
	// OTLPEnabled turns on export to a collector
	OTLPEnabled bool

	// OTLPEndpoint is the collector endpoint
	OTLPEndpoint string

	// OTLPProtocol is "grpc" or "http"
	OTLPProtocol string
}

// Setup installs a tracer provider for the process and registers the package
// tracer used by StartSpan.
func Setup(ctx context.Context, serviceName string, cfg Config) (func(context.Context) error, error) {
	var exporter sdktrace.SpanExporter = &exporters.ConsoleExporter{}
	if cfg.OTLPEnabled {
		otlpCfg := exporters.DefaultOTLPConfig()
		if cfg.OTLPEndpoint != "" {
			otlpCfg.Endpoint = cfg.OTLPEndpoint
		}
		if cfg.OTLPProtocol != "" {
			otlpCfg.Protocol = cfg.OTLPProtocol
		}

		otlp, err := exporters.NewOTLPExporter(ctx, otlpCfg)
		if err != nil {
			return nil, err
		}
		exporter = otlp
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	SetTracer(tp.Tracer(serviceName))

	return tp.Shutdown, nil
}
