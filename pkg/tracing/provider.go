package tracing

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Ramsey-B/thistle/pkg/tracing/exporters"
)

// Config controls how spans leave the process.
type Config struct {
	ServiceName string
	Enabled     bool
	OTLP        exporters.OTLPConfig
	// Logger receives spans at debug level when OTLP export is disabled.
	Logger ectologger.Logger
}

// Init installs a global tracer provider and returns its shutdown function.
// When export is disabled spans are still created so trace ids reach the logs.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	var exporter sdktrace.SpanExporter = &exporters.ConsoleExporter{Logger: cfg.Logger}
	if cfg.Enabled {
		otlpExporter, err := exporters.NewOTLPExporter(ctx, cfg.OTLP)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		exporter = otlpExporter
	}

	res := resource.NewWithAttributes("", attribute.String("service.name", cfg.ServiceName))
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	SetTracer(provider.Tracer(cfg.ServiceName))

	return provider.Shutdown, nil
}
