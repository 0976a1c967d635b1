// Package redistrace wraps the OpenTelemetry tracer used across redimux so
// every package starts spans the same way, mirroring the
// otel.Tracer(...).Start(...) calls in the teacher's syncbus package.
package redistrace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/soren-lund/redimux/v1")

// Start begins a span named name with the given attributes and returns the
// derived context and span.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
