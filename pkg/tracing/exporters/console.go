package exporters

import (
	"context"

	"github.com/Gobusters/ectologger"
	"go.opentelemetry.io/otel/sdk/trace"
)

// ConsoleExporter writes finished spans to the debug log when OTLP export is
// off. A nil Logger drops them.
type ConsoleExporter struct {
	Logger ectologger.Logger
}

func (c *ConsoleExporter) ExportSpans(ctx context.Context, spans []trace.ReadOnlySpan) error {
	if c.Logger == nil {
		return nil
	}
	for _, span := range spans {
		fields := map[string]any{
			"span":     span.Name(),
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
			"duration": span.EndTime().Sub(span.StartTime()).String(),
		}
		if status := span.Status(); status.Description != "" {
			fields["status"] = status.Description
		}
		c.Logger.WithFields(fields).Debug("Span")
	}
	return nil
}

func (c *ConsoleExporter) Shutdown(ctx context.Context) error {
	return nil
}
