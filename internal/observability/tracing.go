// Package observability provides the Prometheus metrics and OpenTelemetry
// tracer shared by the ingest engine and the service adapters.
package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/TuSKan/zarr-forecast"

// Tracer returns the tracer from the globally installed provider. Without
// an installed provider spans are no-ops.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
