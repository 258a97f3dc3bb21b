package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attributes recorded by the upgrader.
var (
	AttrPlanID            = attribute.Key("plan.id")
	AttrPlanState         = attribute.Key("plan.state")
	AttrPlanFingerprint   = attribute.Key("plan.fingerprint")
	AttrBlueprint         = attribute.Key("blueprint.name")
	AttrModificationKind  = attribute.Key("modification.kind")
	AttrModificationCount = attribute.Key("modification.count")
	AttrErrorCount        = attribute.Key("plan.error_count")
	AttrNodeID            = attribute.Key("node.id")

	AttrMatchMatched          = attribute.Key("match.matched")
	AttrMatchUnmatchedLive    = attribute.Key("match.unmatched_live")
	AttrMatchUnmatchedDesired = attribute.Key("match.unmatched_desired")

	AttrErrorClass = attribute.Key("error.class")
	AttrErrorCode  = attribute.Key("error.code")
)

// Tracer opens the spans of plan building and applying.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer from cfg. A disabled tracer still hands out
// spans, but never samples them.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
		return newTracerWithProvider(provider, serviceName), nil
	}

	exporter, err := newSpanExporter(cfg, serviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(serviceVersion),
		attribute.String("environment", environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(cfg.BatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}
	provider := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return newTracerWithProvider(provider, serviceName), nil
}

func newTracerWithProvider(provider *sdktrace.TracerProvider, name string) *Tracer {
	return &Tracer{provider: provider, tracer: provider.Tracer(name)}
}

// newSpanExporter returns nil for the "none" exporter: spans are sampled
// and kept in process only.
func newSpanExporter(cfg TracingConfig, serviceName string) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "none":
		return nil, nil
	case "stdout":
		// stdout carries command output
		return stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent(serviceName)),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		// the connection is dialed lazily
		return otlptracegrpc.New(context.Background(), opts...)
	}
	return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
}

func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartPlanSpan opens the root span of building a plan for blueprint.
func (t *Tracer) StartPlanSpan(ctx context.Context, blueprint string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "plan.build", AttrBlueprint.String(blueprint))
}

func (t *Tracer) StartMatchSpan(ctx context.Context, planID string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "plan.match", AttrPlanID.String(planID))
}

func (t *Tracer) StartPolicySpan(ctx context.Context, planID string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "policy.gate", AttrPlanID.String(planID))
}

// RecordError marks span failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddModificationEvent notes one applied modification on span.
func AddModificationEvent(span trace.Span, kind, target, description string) {
	span.AddEvent("modification.applied", trace.WithAttributes(
		AttrModificationKind.String(kind),
		AttrNodeID.String(target),
		attribute.String("event.message", description),
	))
}

// ForceFlush exports buffered spans now.
func (t *Tracer) ForceFlush(ctx context.Context) error {
	return t.provider.ForceFlush(ctx)
}

// Shutdown flushes and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}
