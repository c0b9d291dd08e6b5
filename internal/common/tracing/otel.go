// Package tracing provides the kernel's tracer accessor for its HTTP control
// surface. The kernel emits spans through the global otel TracerProvider; it
// ships no opinion on where those spans are exported. An embedding
// application wires a real exporter by calling otel.SetTracerProvider before
// the kernel starts. Absent that, spans are dropped by otel's default no-op
// provider at zero cost.
package tracing

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns a named tracer from the process-wide TracerProvider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
