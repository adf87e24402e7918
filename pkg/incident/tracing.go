package incident

import (
	"crypto/sha256"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/wp-autoheal/orchestrator/pkg/incident")

// traceContextFor derives a deterministic, remote span context from the
// job's propagated traceId (§3) so every phase of the same incident shares
// one trace even though each phase runs as a separate queue job. traceId is
// an opaque UUID string, not itself a valid otel trace ID, so it is hashed
// down to 16 bytes rather than parsed.
func traceContextFor(traceID string) trace.SpanContext {
	sum := sha256.Sum256([]byte(traceID))
	var tid trace.TraceID
	copy(tid[:], sum[:16])
	var sid trace.SpanID
	copy(sid[:], sum[16:24])

	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
}
