package observability

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of every span.
const TracerName = "github.com/sbl8/superablate"

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Service string
	// Stdout exports finished spans as JSON to Writer.
	Stdout bool
	Writer io.Writer
}

// InitTracing installs a global tracer provider. Spans are always recorded;
// they are exported only when Stdout is set. The returned function flushes
// and shuts the provider down.
func InitTracing(cfg TracingConfig) (func(context.Context) error, error) {
	res := resource.NewSchemaless(attribute.String("service.name", cfg.Service))
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if cfg.Stdout {
		var exOpts []stdouttrace.Option
		if cfg.Writer != nil {
			exOpts = append(exOpts, stdouttrace.WithWriter(cfg.Writer))
		}
		exporter, err := stdouttrace.New(exOpts...)
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithSyncer(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the package tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
