// Package otel installs the process-wide tracer provider and propagator for
// the statestore binaries.
package otel

import (
	"cmp"
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// NamespaceKey tags the resource with the namespace a process is bound to.
const NamespaceKey = attribute.Key("statestore.namespace")

// Config identifies the process to tracing backends.
type Config struct {
	// ServiceName is "statestore" or "statestore-relay"; empty means "statestore".
	ServiceName string
	// ServiceVersion is the build version; empty means "dev".
	ServiceVersion string
	// Namespace, when set, is recorded as statestore.namespace.
	Namespace string
	// Attributes are appended to the resource as given.
	Attributes []attribute.KeyValue
	// UseStdout enables the stdout trace exporter, for local debugging.
	UseStdout bool
	// Writer receives stdout exports; nil means os.Stdout.
	Writer io.Writer
}

// Shutdown flushes and stops the tracer provider.
type Shutdown func(context.Context) error

// Init installs a global tracer provider and a W3C trace context propagator,
// so spans started by otelhttp clients reach the webhook and MCP peers.
func Init(ctx context.Context, cfg Config) (Shutdown, error) {
	res, err := Resource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.UseStdout {
		expOpts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if cfg.Writer != nil {
			expOpts = append(expOpts, stdouttrace.WithWriter(cfg.Writer))
		}
		exp, err := stdouttrace.New(expOpts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp,
			sdktrace.WithMaxExportBatchSize(512),
			sdktrace.WithBatchTimeout(200*time.Millisecond),
		))
	}
	// Without an exporter spans are still recorded so trace ids propagate.
	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// Resource describes the process: service identity, namespace, host and
// OTEL_RESOURCE_ATTRIBUTES from the environment.
func Resource(ctx context.Context, cfg Config) (*sdkresource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cmp.Or(cfg.ServiceName, "statestore")),
		semconv.ServiceVersion(cmp.Or(cfg.ServiceVersion, "dev")),
	}
	if cfg.Namespace != "" {
		attrs = append(attrs, NamespaceKey.String(cfg.Namespace))
	}
	attrs = append(attrs, cfg.Attributes...)
	return sdkresource.New(ctx,
		sdkresource.WithFromEnv(),
		sdkresource.WithProcess(),
		sdkresource.WithOS(),
		sdkresource.WithHost(),
		sdkresource.WithAttributes(attrs...),
	)
}
