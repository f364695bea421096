// Package otel wires OpenTelemetry tracing and metrics for the fleet daemon.
// When disabled every provider is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "fleetd"
	MeterName  = "fleetd"
	Version    = "v0.3-dev"
)

// Exporter names accepted in telemetry.exporter.
const (
	ExporterOTLPHTTP = "otlp-http"
	ExporterStdout   = "stdout"
	ExporterNone     = "none"
)

const defaultOTLPEndpoint = "localhost:4318"

// Config is the telemetry section of config.yaml.
type Config struct {
	Enabled     bool              `yaml:"enabled"`
	Exporter    string            `yaml:"exporter"`
	Endpoint    string            `yaml:"endpoint"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"`
}

// Provider holds the tracer and meter used by every fleet component.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter

	meterSDK *sdkmetric.MeterProvider
}

// Init builds the providers. Extra resource attributes (lifecycle mode, host)
// are attached to every span. The returned Provider must be Shutdown on exit.
func Init(ctx context.Context, cfg Config, extra ...attribute.KeyValue) (*Provider, error) {
	if !cfg.Enabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
			MeterProvider: mp,
			Meter:         mp.Meter(MeterName),
		}, nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = TracerName
	}
	attrs := append([]attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceVersion(Version),
	}, extra...)
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate(cfg.SampleRate)))),
	}
	exp, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	// "none" keeps real spans (ids for log correlation) without exporting them.
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		meterSDK:       mp,
	}, nil
}

// Shutdown flushes pending spans and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.TracerProvider != nil {
		errs = append(errs, p.TracerProvider.Shutdown(ctx))
	}
	if p.meterSDK != nil {
		errs = append(errs, p.meterSDK.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func sampleRate(r float64) float64 {
	if r <= 0 || r > 1 {
		return 1
	}
	return r
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLPHTTP, "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		return exp, nil
	case ExporterStdout:
		exp, err := stdouttrace.New()
		if err != nil {
			return nil, fmt.Errorf("stdout exporter: %w", err)
		}
		return exp, nil
	case ExporterNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown telemetry exporter %q (want %s, %s or %s)",
			cfg.Exporter, ExporterOTLPHTTP, ExporterStdout, ExporterNone)
	}
}
