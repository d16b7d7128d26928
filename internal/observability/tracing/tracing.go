package tracing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the tracer provider and exporter.
type Config struct {
	Enabled           bool
	ServiceName       string
	ServiceVersion    string
	ServiceInstanceID string
	Environment       string
	ExporterEndpoint  string
	ExporterProtocol  string
	SamplingRatio     float64
	// MoneyPathSamplingRatio applies to root spans tagged with MoneyPathKey.
	MoneyPathSamplingRatio float64
}

// NewProvider configures an OpenTelemetry tracer provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (*sdktrace.TracerProvider, error) {
	SetPropagator()
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return nil, nil
	}

	endpoint := strings.TrimSpace(cfg.ExporterEndpoint)
	protocol := strings.ToLower(strings.TrimSpace(cfg.ExporterProtocol))

	exporter, err := newExporter(protocol, endpoint)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(context.Background(),
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(ResourceAttributes(cfg)...),
	)
	if err != nil {
		return nil, err
	}

	samplingRatio := clampRatio(cfg.SamplingRatio)
	moneyRatio := clampMoneyRatio(cfg.MoneyPathSamplingRatio)
	sampler := NewSampler(samplingRatio, moneyRatio)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down tracer provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("tracing initialized",
			zap.String("endpoint", endpoint),
			zap.String("protocol", protocol),
			zap.Float64("sampling_ratio", samplingRatio),
			zap.Float64("money_path_sampling_ratio", moneyRatio),
		)
	}

	return provider, nil
}

// ResourceAttributes describes this paysync instance.
func ResourceAttributes(cfg Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceNamespace("smallbiznis"),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentName(cfg.Environment),
		attribute.String("service.component", "payments"),
	}
	if id := strings.TrimSpace(cfg.ServiceInstanceID); id != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(id))
	}
	return attrs
}

// NewSampler samples root spans at ratio, except money path spans which use
// moneyRatio. Child spans follow their parent.
func NewSampler(ratio, moneyRatio float64) sdktrace.Sampler {
	return sdktrace.ParentBased(moneyPathSampler{
		base:  sdktrace.TraceIDRatioBased(ratio),
		money: sdktrace.TraceIDRatioBased(moneyRatio),
	})
}

type moneyPathSampler struct {
	base  sdktrace.Sampler
	money sdktrace.Sampler
}

func (s moneyPathSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, attr := range p.Attributes {
		if attr.Key == MoneyPathKey && attr.Value.AsBool() {
			return s.money.ShouldSample(p)
		}
	}
	return s.base.ShouldSample(p)
}

func (s moneyPathSampler) Description() string {
	return fmt.Sprintf("MoneyPath{base:%s,money:%s}", s.base.Description(), s.money.Description())
}

func newExporter(protocol, endpoint string) (sdktrace.SpanExporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch protocol {
	case "http", "http/protobuf":
		opts := []otlptracehttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		}
		return otlptracehttp.New(ctx, opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// clampMoneyRatio samples every money path span unless a lower ratio is set.
func clampMoneyRatio(value float64) float64 {
	if value <= 0 || value > 1 {
		return 1
	}
	return value
}

// clampRatio falls back to 10% sampling for unset or negative ratios.
func clampRatio(value float64) float64 {
	if value <= 0 {
		return 0.1
	}
	if value > 1 {
		return 1
	}
	return value
}
