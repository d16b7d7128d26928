package observability

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/smallbiznis/paysync/internal/config"
)

// Config holds observability configuration derived from environment variables.
type Config struct {
	ServiceName       string
	ServiceInstanceID string
	Environment       string
	Version           string

	LogLevel              string
	LogFormat             string
	LogSamplingInitial    int
	LogSamplingThereafter int

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
	// MoneyPathSamplingRatio applies to requests that move credits or settle
	// payments; it is kept separate so those traces survive low global ratios.
	MoneyPathSamplingRatio float64
}

type envConfig struct {
	Environment string `env:"DEPLOYMENT_ENV"`
	Version     string `env:"SERVICE_VERSION"`

	LogLevel              string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat             string `env:"LOG_FORMAT" envDefault:"json"`
	LogSamplingInitial    int    `env:"LOG_SAMPLING_INITIAL" envDefault:"100"`
	LogSamplingThereafter int    `env:"LOG_SAMPLING_THEREAFTER" envDefault:"100"`

	OtelEnabled            *bool   `env:"OTEL_ENABLED"`
	OtlpEndpoint           string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtlpProtocol           string  `env:"OTEL_EXPORTER_OTLP_PROTOCOL" envDefault:"grpc"`
	OtlpTracesProtocol     string  `env:"OTEL_EXPORTER_OTLP_TRACES_PROTOCOL"`
	SamplingRatio          float64 `env:"OTEL_SAMPLING_RATIO" envDefault:"0.1"`
	MoneyPathSamplingRatio float64 `env:"OTEL_MONEY_PATH_SAMPLING_RATIO" envDefault:"1"`
}

func LoadConfig(cfg config.Config) (Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("observability config: %w", err)
	}

	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "paysync"
	}
	environment := firstNonEmpty(raw.Environment, cfg.Environment)
	protocol := firstNonEmpty(raw.OtlpTracesProtocol, raw.OtlpProtocol)

	enabled := !isDevEnv(environment)
	if raw.OtelEnabled != nil {
		enabled = *raw.OtelEnabled
	}

	return Config{
		ServiceName:            serviceName,
		ServiceInstanceID:      fmt.Sprintf("%s-node-%d", serviceName, cfg.NodeID),
		Environment:            environment,
		Version:                firstNonEmpty(raw.Version, cfg.AppVersion),
		LogLevel:               strings.ToLower(strings.TrimSpace(raw.LogLevel)),
		LogFormat:              strings.ToLower(strings.TrimSpace(raw.LogFormat)),
		LogSamplingInitial:     raw.LogSamplingInitial,
		LogSamplingThereafter:  raw.LogSamplingThereafter,
		OtelEnabled:            enabled,
		OtelExporterEndpoint:   firstNonEmpty(raw.OtlpEndpoint, cfg.OTLPEndpoint),
		OtelExporterProtocol:   strings.ToLower(protocol),
		OtelSamplingRatio:      raw.SamplingRatio,
		MoneyPathSamplingRatio: raw.MoneyPathSamplingRatio,
	}, nil
}

func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	return isDevEnv(c.Environment)
}

func isDevEnv(environment string) bool {
	switch strings.ToLower(strings.TrimSpace(environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
