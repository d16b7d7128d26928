package tracing

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/propagation"
)

const requestIDMember = "paysync.request_id"

// providerPropagator is used on calls to payment providers, which get the
// trace context but never our baggage.
var providerPropagator = propagation.TraceContext{}

// SetPropagator installs W3C tracecontext and baggage propagation globally.
func SetPropagator() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// ExtractContext extracts propagation headers into a context.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// InjectProviderContext writes only traceparent/tracestate for outbound
// provider calls.
func InjectProviderContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	providerPropagator.Inject(ctx, carrier)
}

// WithRequestID adds the request id to the context baggage.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	member, err := baggage.NewMember(requestIDMember, requestID)
	if err != nil {
		return ctx
	}
	bag, err := baggage.FromContext(ctx).SetMember(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}

// RequestIDFromBaggage returns the request id carried in baggage, if any.
func RequestIDFromBaggage(ctx context.Context) string {
	return baggage.FromContext(ctx).Member(requestIDMember).Value()
}
