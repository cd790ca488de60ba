// Package telemetry wires the global OpenTelemetry trace, metric, and log
// providers to an OTLP gRPC collector. The sync engine records its spans and
// counters through the global providers, so when no collector is configured
// everything stays a no-op and costs nothing.
//
// Call [Setup] once during startup and defer the returned [ShutdownFunc];
// it is non-nil even on error.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const defaultServiceName = "cratesync"

// Config groups all telemetry settings. It maps 1-to-1 with the
// [config.TelemetryConfig] YAML block.
type Config struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector,
	// e.g. "localhost:4317".
	OTLPEndpoint string

	// Insecure disables TLS for the collector connection. Use for local
	// collectors without a certificate.
	Insecure bool

	// ServiceName overrides the OTel service.name resource attribute.
	// Defaults to "cratesync".
	ServiceName string

	// Headers is sent as gRPC metadata on every OTLP request, typically for
	// authentication: {"Authorization": "Bearer <token>"}.
	Headers map[string]string
}

// ShutdownFunc flushes and closes all OTel providers. Call it with a fresh
// context; the main context may already be cancelled by shutdown time.
type ShutdownFunc func(context.Context) error

// shutdowns collects provider teardown steps in setup order and runs them
// all even when one fails.
type shutdowns []ShutdownFunc

func (s shutdowns) run(ctx context.Context) error {
	var errs []error
	for _, fn := range s {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Setup initialises the global trace, metric, and log providers. All three
// exporters share one gRPC connection to cfg.OTLPEndpoint. On error the
// returned ShutdownFunc is a no-op, so callers can defer unconditionally.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	res, err := buildResource(cfg.ServiceName)
	if err != nil {
		return noopShutdown, err
	}

	conn, err := dialCollector(cfg)
	if err != nil {
		return noopShutdown, err
	}

	var cleanup shutdowns
	cleanup = append(cleanup, func(context.Context) error { return conn.Close() })
	fail := func(err error) (ShutdownFunc, error) {
		_ = cleanup.run(context.WithoutCancel(ctx))
		return noopShutdown, err
	}

	tp, err := setupTraces(ctx, conn, res, cfg.Headers)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, tp.Shutdown)

	mp, err := setupMetrics(ctx, conn, res, cfg.Headers)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, mp.Shutdown)

	lp, err := setupLogs(ctx, conn, res, cfg.Headers)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, lp.Shutdown)

	return cleanup.run, nil
}

// buildResource describes this service instance. resource.NewSchemaless
// avoids the schema URL mismatch that occurs when resource.Default() and our
// semconv import are different versions.
func buildResource(serviceName string) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("building OTel resource: %w", err)
	}
	return res, nil
}

// dialCollector opens the single gRPC connection shared by all exporters.
func dialCollector(cfg Config) (*grpc.ClientConn, error) {
	var creds credentials.TransportCredentials
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	} else {
		creds = credentials.NewTLS(nil) // system root CAs
	}
	conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dialling OTLP collector at %q: %w", cfg.OTLPEndpoint, err)
	}
	return conn, nil
}

func setupTraces(ctx context.Context, conn *grpc.ClientConn, res *resource.Resource, headers map[string]string) (*sdktrace.TracerProvider, error) {
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithGRPCConn(conn),
		otlptracegrpc.WithHeaders(headers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func setupMetrics(ctx context.Context, conn *grpc.ClientConn, res *resource.Resource, headers map[string]string) (*sdkmetric.MeterProvider, error) {
	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithGRPCConn(conn),
		otlpmetricgrpc.WithHeaders(headers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	return mp, nil
}

func setupLogs(ctx context.Context, conn *grpc.ClientConn, res *resource.Resource, headers map[string]string) (*sdklog.LoggerProvider, error) {
	exp, err := otlploggrpc.New(ctx,
		otlploggrpc.WithGRPCConn(conn),
		otlploggrpc.WithHeaders(headers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP log exporter: %w", err)
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)
	return lp, nil
}

func noopShutdown(context.Context) error { return nil }
