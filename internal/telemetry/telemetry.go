// Package telemetry wires OpenTelemetry tracing and metrics for the
// watchdog and the wave runner. Disabled, every instrument is a no-op.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// ScopeName is the instrumentation scope for tend spans and metrics.
const ScopeName = "tend"

// Exporters understood by Init.
const (
	ExporterNone   = ""
	ExporterStdout = "stdout"
)

// Provider bundles a tracer and the metric instruments built on its meter.
type Provider struct {
	Tracer   trace.Tracer
	Metrics  *Metrics
	shutdown func(context.Context) error
}

// Init builds a provider for exporter. Spans from the stdout exporter go to
// w (stderr when nil). The meter provider accepts extra readers, which tests
// use to collect metrics.
func Init(ctx context.Context, exporter string, w io.Writer, readers ...sdkmetric.Reader) (*Provider, error) {
	switch exporter {
	case ExporterNone, "none":
		if len(readers) == 0 {
			return Noop(), nil
		}
	case ExporterStdout:
	default:
		return nil, fmt.Errorf("unknown telemetry exporter %q (supported: stdout)", exporter)
	}

	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", ScopeName)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	var tracer trace.Tracer = tracenoop.NewTracerProvider().Tracer(ScopeName)
	shutdowns := []func(context.Context) error{}
	if exporter == ExporterStdout {
		if w == nil {
			w = os.Stderr
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("create exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp), sdktrace.WithResource(res))
		otel.SetTracerProvider(tp)
		tracer = tp.Tracer(ScopeName)
		shutdowns = append(shutdowns, tp.Shutdown)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	shutdowns = append(shutdowns, mp.Shutdown)

	metrics, err := NewMetrics(mp.Meter(ScopeName))
	if err != nil {
		return nil, err
	}
	return &Provider{
		Tracer:  tracer,
		Metrics: metrics,
		shutdown: func(ctx context.Context) error {
			var errs []error
			for _, fn := range shutdowns {
				errs = append(errs, fn(ctx))
			}
			return errors.Join(errs...)
		},
	}, nil
}

// Noop returns a provider whose spans and metrics go nowhere.
func Noop() *Provider {
	m, _ := NewMetrics(metricnoop.NewMeterProvider().Meter(ScopeName))
	return &Provider{
		Tracer:   tracenoop.NewTracerProvider().Tracer(ScopeName),
		Metrics:  m,
		shutdown: func(context.Context) error { return nil },
	}
}

// Shutdown flushes exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// Start opens a span on the provider's tracer; a nil provider yields a
// no-op span.
func (p *Provider) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if p == nil || p.Tracer == nil {
		return tracenoop.NewTracerProvider().Tracer(ScopeName).Start(ctx, name)
	}
	return p.Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// M returns the provider's metrics, safe on a nil provider.
func (p *Provider) M() *Metrics {
	if p == nil {
		return nil
	}
	return p.Metrics
}

