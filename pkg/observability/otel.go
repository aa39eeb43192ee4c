package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/platinummonkey/releasegate/pkg/contextkeys"
)

// InstrumentationName is the tracer name used by every package in this module
const InstrumentationName = "github.com/platinummonkey/releasegate"

// Span attribute keys. Every span started through StartSpan carries the
// request and subject identifiers when the context has them.
const (
	AttrRequestID       = attribute.Key("releasegate.request.id")
	AttrSubjectID       = attribute.Key("releasegate.subject.id")
	AttrResource        = attribute.Key("releasegate.rbac.resource")
	AttrAction          = attribute.Key("releasegate.rbac.action")
	AttrAllowed         = attribute.Key("releasegate.rbac.allowed")
	AttrDecisionSource  = attribute.Key("releasegate.rbac.source")
	AttrAuditTable      = attribute.Key("releasegate.audit.table")
	AttrAuditOperation  = attribute.Key("releasegate.audit.operation")
	AttrAuditID         = attribute.Key("releasegate.audit.id")
	AttrAuditFormat     = attribute.Key("releasegate.audit.format")
	AttrAuditRecords    = attribute.Key("releasegate.audit.records")
	AttrArchiveBucket   = attribute.Key("releasegate.archive.bucket")
	AttrArchiveKey      = attribute.Key("releasegate.archive.key")
	AttrArchiveByteSize = attribute.Key("releasegate.archive.bytes")
)

// Tracer returns the module tracer from the global provider
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StartSpan starts a span on the module tracer and tags it with the request
// and subject found on ctx.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(spanAttributes(ctx, attrs)...))
}

func spanAttributes(ctx context.Context, attrs []attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs)+2)
	if id := contextkeys.GetRequestID(ctx); id != "" {
		out = append(out, AttrRequestID.String(id))
	}
	if id := contextkeys.GetSubjectID(ctx); id != "" {
		out = append(out, AttrSubjectID.String(id))
	}
	return append(out, attrs...)
}

// OTelConfig holds OpenTelemetry configuration
type OTelConfig struct {
	Enabled        bool
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	Environment    string
	Insecure       bool
	// SampleRatio is the fraction of root traces kept. Child spans follow
	// their parent's decision.
	SampleRatio float64
}

// Sampler returns the trace sampler for the configured ratio. Ratios at or
// above 1 keep every root trace.
func (c OTelConfig) Sampler() sdktrace.Sampler {
	if c.SampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	if c.SampleRatio <= 0 {
		return sdktrace.ParentBased(sdktrace.NeverSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
}

func (c OTelConfig) resourceAttributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(c.ServiceName),
		semconv.ServiceVersionKey.String(c.ServiceVersion),
	}
	if c.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(c.Environment))
	}
	return attrs
}

// OTelProviders holds OpenTelemetry providers for shutdown
type OTelProviders struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *metric.MeterProvider
}

// InitOTel exports traces and metrics over OTLP/gRPC and installs the
// providers globally. It returns nil providers when disabled.
func InitOTel(ctx context.Context, cfg OTelConfig, logger *Logger) (*OTelProviders, error) {
	if !cfg.Enabled {
		logger.Info("OpenTelemetry is disabled")
		return nil, nil
	}

	logger.WithFields(map[string]interface{}{
		"endpoint":     cfg.Endpoint,
		"sample_ratio": cfg.SampleRatio,
	}).Info("Initializing OpenTelemetry")

	res, err := resource.New(ctx,
		resource.WithAttributes(cfg.resourceAttributes()...),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var dialOpts []grpc.DialOption
	if cfg.Insecure {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	exportCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	spanExporter, err := otlptracegrpc.New(exportCtx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(dialOpts...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(exportCtx,
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithDialOption(dialOpts...),
	)
	if err != nil {
		if shutdownErr := spanExporter.Shutdown(ctx); shutdownErr != nil {
			logger.WithError(shutdownErr).Error("Failed to shutdown trace exporter after metric exporter error")
		}
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	providers := &OTelProviders{
		TracerProvider: sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(spanExporter,
				sdktrace.WithBatchTimeout(5*time.Second),
				sdktrace.WithMaxExportBatchSize(512),
			),
			sdktrace.WithSampler(cfg.Sampler()),
		),
		MeterProvider: metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(metric.NewPeriodicReader(metricExporter,
				metric.WithInterval(10*time.Second),
			)),
		),
	}

	otel.SetTracerProvider(providers.TracerProvider)
	otel.SetMeterProvider(providers.MeterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("OpenTelemetry initialized")
	return providers, nil
}

// ShutdownOTel flushes and stops both providers. Every provider is stopped
// even when an earlier one fails.
func ShutdownOTel(ctx context.Context, providers *OTelProviders, logger *Logger) error {
	if providers == nil {
		return nil
	}

	var errs []error
	if providers.TracerProvider != nil {
		if err := providers.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}
	if providers.MeterProvider != nil {
		if err := providers.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		logger.WithError(err).Error("OpenTelemetry shutdown failed")
		return err
	}
	logger.Info("OpenTelemetry shutdown complete")
	return nil
}
