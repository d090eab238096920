// Package tracing wraps the conference manager's allocate and
// remove-participant paths in OpenTelemetry spans: business-operation spans carrying a handful of string
// attributes, no external exporter wired by default (callers attach one to
// the global TracerProvider before startup if they want one).
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer starts spans for conference operations under a fixed instrumentation name.
type Tracer struct {
	tracer trace.Tracer
}

// New returns a Tracer using the given service name to resolve the global
// TracerProvider's named tracer.
func New(serviceName string) *Tracer {
	return &Tracer{tracer: otel.Tracer(serviceName)}
}

// StartAllocate opens a span covering one allocate() call. The pre-I/O,
// I/O, and post-I/O phases collapse into a single span with no child spans;
// the only event on it is bridge_selected, added by RecordBridgeSelected.
func (t *Tracer) StartAllocate(ctx context.Context, conferenceID, participantID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "conference.allocate", trace.WithAttributes(
		attribute.String("conference.id", conferenceID),
		attribute.String("participant.id", participantID),
	))
}

// StartRemoveParticipant opens a span covering one removeParticipant() call.
func (t *Tracer) StartRemoveParticipant(ctx context.Context, conferenceID, participantID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "conference.remove_participant", trace.WithAttributes(
		attribute.String("conference.id", conferenceID),
		attribute.String("participant.id", participantID),
	))
}

// RecordBridgeSelected annotates span with the bridge an allocate picked.
func RecordBridgeSelected(span trace.Span, bridgeAddress string) {
	span.SetAttributes(attribute.String("bridge.address", bridgeAddress))
	span.AddEvent("bridge_selected")
}

// End finalizes span, marking it as an error if err is non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
