package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestSafeAttributesDropsSecrets(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.method", "POST"),
		attribute.String("stripe.client_secret", "pi_secret"),
		attribute.String("webhook.signature", "t=1,v1=abc"),
	)
	if len(attrs) != 1 || attrs[0].Key != "http.method" {
		t.Fatalf("unexpected attributes: %v", attrs)
	}
}

func TestSafeErrorKeepsTypeOnly(t *testing.T) {
	err := SafeError(errors.New("card 4242 declined"))
	if err == nil || err.Error() != "*errors.errorString" {
		t.Fatalf("unexpected safe error: %v", err)
	}
	if SafeError(nil) != nil {
		t.Fatalf("expected nil")
	}
}

func TestWrapHTTPClientPassesThrough(t *testing.T) {
	SetPropagator()
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := WrapHTTPClient(nil, "stripe")
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if hits != 1 {
		t.Fatalf("expected one upstream hit, got %d", hits)
	}
}

func TestMoneyPath(t *testing.T) {
	cases := []struct {
		method string
		path   string
		want   bool
	}{
		{method: http.MethodPost, path: "/v1/payments/confirm", want: true},
		{method: http.MethodPost, path: "/v1/fees/contact", want: true},
		{method: http.MethodPost, path: "/webhooks/stripe", want: true},
		{method: http.MethodPost, path: "/v1/admin/credits/adjust", want: true},
		{method: http.MethodGet, path: "/v1/credits/balance", want: false},
		{method: http.MethodDelete, path: "/v1/idempotency-records", want: false},
		{method: http.MethodGet, path: "/webhooks/stripe", want: false},
	}
	for _, tc := range cases {
		if got := MoneyPath(tc.method, tc.path); got != tc.want {
			t.Fatalf("MoneyPath(%s %s) = %v, want %v", tc.method, tc.path, got, tc.want)
		}
	}
}

func TestSamplerKeepsMoneyPathRoots(t *testing.T) {
	sampler := NewSampler(0, 1)
	traceID, _ := trace.TraceIDFromHex("0123456789abcdef0123456789abcdef")

	params := sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       traceID,
		Name:          "HTTP POST",
		Kind:          trace.SpanKindServer,
		Attributes:    []attribute.KeyValue{MoneyPathKey.Bool(true)},
	}
	if got := sampler.ShouldSample(params).Decision; got != sdktrace.RecordAndSample {
		t.Fatalf("expected money path root to be sampled, got %v", got)
	}

	params.Attributes = []attribute.KeyValue{MoneyPathKey.Bool(false)}
	if got := sampler.ShouldSample(params).Decision; got != sdktrace.Drop {
		t.Fatalf("expected other roots to follow the base ratio, got %v", got)
	}
}

func TestResourceAttributes(t *testing.T) {
	attrs := ResourceAttributes(Config{
		ServiceName:       "paysync",
		ServiceVersion:    "1.0.0",
		ServiceInstanceID: "paysync-node-2",
		Environment:       "production",
	})
	got := map[attribute.Key]string{}
	for _, attr := range attrs {
		got[attr.Key] = attr.Value.Emit()
	}
	if got["service.name"] != "paysync" || got["service.instance.id"] != "paysync-node-2" {
		t.Fatalf("unexpected resource attributes: %v", got)
	}
	if got["deployment.environment.name"] != "production" {
		t.Fatalf("expected deployment environment, got %v", got)
	}

	attrs = ResourceAttributes(Config{ServiceName: "paysync"})
	for _, attr := range attrs {
		if attr.Key == "service.instance.id" {
			t.Fatalf("expected no instance id when unset")
		}
	}
}

func TestProviderCallsCarryTraceButNotBaggage(t *testing.T) {
	SetPropagator()
	traceID, _ := trace.TraceIDFromHex("0123456789abcdef0123456789abcdef")
	spanID, _ := trace.SpanIDFromHex("0123456789abcdef")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))
	ctx = WithRequestID(ctx, "req-123")
	if got := RequestIDFromBaggage(ctx); got != "req-123" {
		t.Fatalf("expected request id in baggage, got %q", got)
	}

	header := http.Header{}
	InjectProviderContext(ctx, propagation.HeaderCarrier(header))
	if header.Get("traceparent") == "" {
		t.Fatalf("expected traceparent header")
	}
	if header.Get("baggage") != "" {
		t.Fatalf("expected no baggage header, got %q", header.Get("baggage"))
	}

	if got := RequestIDFromBaggage(WithRequestID(context.Background(), "")); got != "" {
		t.Fatalf("expected empty request id, got %q", got)
	}
}
