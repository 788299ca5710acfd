package tracing

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// TracerProvider hands out tracers for run and step spans.
type TracerProvider interface {
	GetTracer(name string, opts ...trace.TracerOption) trace.Tracer
	// Shutdown flushes buffered spans. It is a no-op for providers that
	// export nothing.
	Shutdown(ctx context.Context) error
}
