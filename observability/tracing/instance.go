package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by runtime spans.
const (
	AttrInstanceID     = attribute.Key("subscription.instance_id")
	AttrSubscriptionID = attribute.Key("subscription.id")
	AttrEvent          = attribute.Key("subscription.event")
	AttrSequence       = attribute.Key("subscription.sequence")
	AttrPhase          = attribute.Key("subscription.phase")
	AttrSignal         = attribute.Key("subscription.signal")
)

// InstanceTracer creates spans around the lifecycle of subscription
// instances.
type InstanceTracer struct {
	tracer trace.Tracer
}

// NewInstanceTracer creates an InstanceTracer. If tracer is nil, the global
// tracer provider is used.
func NewInstanceTracer(tracer trace.Tracer) *InstanceTracer {
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer("subscriptions.runtime")
	}
	return &InstanceTracer{tracer: tracer}
}

// StartInstance begins the span of one driver run, from start or resume to
// the instance closing or the process shutting down.
func (t *InstanceTracer) StartInstance(ctx context.Context, instanceID, subscriptionID string, resumed bool) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "subscription.instance",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrInstanceID.String(instanceID),
			AttrSubscriptionID.String(subscriptionID),
			attribute.Bool("subscription.resumed", resumed),
		),
	)
}

// StartTransition begins a span for persisting and applying one event.
func (t *InstanceTracer) StartTransition(ctx context.Context, instanceID, event string, seq int64) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "subscription.transition "+event,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrInstanceID.String(instanceID),
			AttrEvent.String(event),
			AttrSequence.Int64(seq),
		),
	)
}

// StartSignal begins a span for an external signal.
func (t *InstanceTracer) StartSignal(ctx context.Context, instanceID, signal string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "subscription.signal."+signal,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			AttrInstanceID.String(instanceID),
			AttrSignal.String(signal),
		),
	)
}

// RecordError records an error on the given span and sets the span status.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks a span as successful.
func SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
