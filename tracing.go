package dignode

import (
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name every span this package
// starts is recorded under.
const tracerName = "github.com/dignet/dignode"

// newTracerProvider builds an SDK tracer provider with no span processor
// attached, so spans are created and timed but never exported anywhere.
// A host process that wants the spans exported registers its own
// processor on Node's provider (Node.TracerProvider) before calling Start.
func newTracerProvider() *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider()
}

// TracerProvider exposes the node's span source so a host process can
// attach its own exporter/processor before Start (SPEC_FULL.md §6: traces
// are a no-op by default, exported only when the host opts in).
func (n *Node) TracerProvider() *sdktrace.TracerProvider { return n.tracerProvider }

func (n *Node) tracer() trace.Tracer { return n.tracerProvider.Tracer(tracerName) }
