// Package telemetry sets up OpenTelemetry tracing for the daemon. With no
// OTLP endpoint configured every tracer is a no-op.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultServiceName is reported when the configuration names none.
const DefaultServiceName = "jobd"

// tracesPath is appended to endpoint URLs that carry no path.
const tracesPath = "/v1/traces"

// Config selects the trace exporter.
type Config struct {
	// OTLPEndpoint is the collector address: a host:port, or a URL whose
	// scheme selects TLS. Empty disables tracing.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for host:port endpoints.
	Insecure bool `yaml:"insecure"`

	// Headers are sent with every export request.
	Headers map[string]string `yaml:"headers"`

	ServiceName string `yaml:"service_name"`

	// SampleRatio is the share of root spans recorded, in (0, 1]. Zero
	// means 1.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Validate checks the sample ratio and endpoint.
func (c *Config) Validate() error {
	var errs []error
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry: sample_ratio %v out of range [0, 1]", c.SampleRatio))
	}
	if strings.Contains(c.OTLPEndpoint, "://") {
		if _, err := url.Parse(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: invalid otlp_endpoint: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Provider owns the process tracer provider.
type Provider struct {
	tp      trace.TracerProvider
	sdk     *sdktrace.TracerProvider
	enabled bool
}

// Setup builds the tracer provider described by cfg and installs it as
// the global provider. Export errors are reported through logger.
func Setup(ctx context.Context, cfg Config, version string, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OTLPEndpoint == "" {
		return &Provider{tp: noop.NewTracerProvider()}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts, err := exporterOptions(cfg)
	if err != nil {
		return nil, err
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", name),
		attribute.String("service.version", version),
	)

	ratio := cfg.SampleRatio
	if ratio == 0 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		logger.Warn("telemetry: export error", "error", err)
	}))

	logger.Info("telemetry: tracing enabled", "endpoint", cfg.OTLPEndpoint, "service", name, "sample_ratio", ratio)
	return &Provider{tp: tp, sdk: tp, enabled: true}, nil
}

func exporterOptions(cfg Config) ([]otlptracehttp.Option, error) {
	var opts []otlptracehttp.Option
	if strings.Contains(cfg.OTLPEndpoint, "://") {
		u, err := url.Parse(cfg.OTLPEndpoint)
		if err != nil {
			return nil, fmt.Errorf("telemetry: invalid otlp_endpoint: %w", err)
		}
		if u.Path == "" || u.Path == "/" {
			u.Path = tracesPath
		}
		opts = append(opts, otlptracehttp.WithEndpointURL(u.String()))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	return opts, nil
}

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool { return p.enabled }

// TracerProvider returns the underlying provider.
func (p *Provider) TracerProvider() trace.TracerProvider { return p.tp }

// Tracer returns a named tracer.
func (p *Provider) Tracer(name string) trace.Tracer { return p.tp.Tracer(name) }

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	if err := p.sdk.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry: shutdown: %w", err)
	}
	return nil
}
