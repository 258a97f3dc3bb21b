package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/upgrade/pkg/engine"
)

// Telemetry bundles the logger, tracer, metrics and event publisher of one
// process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryKey struct{}

// NewTelemetry validates cfg and builds every component from it.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Telemetry{Config: cfg}
	var err error
	if t.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	if t.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment); err != nil {
		return nil, err
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, err
	}
	if t.Events, err = NewEventPublisher(cfg.Events); err != nil {
		return nil, err
	}
	return t, nil
}

// NewNop returns telemetry that discards everything.
func NewNop() *Telemetry {
	cfg := NopConfig()
	t := &Telemetry{Config: cfg, Logger: NewNopLogger()}
	t.Tracer, _ = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	t.Metrics, _ = NewMetrics(cfg.Metrics)
	t.Events, _ = NewEventPublisher(cfg.Events)
	return t
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryKey{}, t))
}

// FromTelemetryContext returns the telemetry stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryKey{}).(*Telemetry)
	return t
}

// Shutdown drains events, then flushes spans, then closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}
	return t.Logger.Close()
}

func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// InstrumentedContext is one traced and timed operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer

	tel *Telemetry
}

// StartOperation opens a span named operation using the telemetry in ctx.
// Without telemetry there is no span, only a logger and a timer.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}
	return tel.StartOperation(ctx, operation, attrs...)
}

func (t *Telemetry) StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	spanCtx, span := t.Tracer.StartSpan(ctx, operation, attrs...)

	logger := t.Logger.With("operation", operation)
	if sc := span.SpanContext(); sc.IsValid() {
		logger = logger.WithStrs(map[string]string{
			"trace_id": sc.TraceID().String(),
			"span_id":  sc.SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
		tel:    t,
	}
}

// End closes the operation. A failure is logged, counted by error class
// and code, and recorded on the span.
func (ic *InstrumentedContext) End(err error) {
	if err != nil {
		class, code := ClassifyError(err)
		ic.failureLogger(err).With("error_class", class).Warn("Operation failed")
		if ic.tel != nil {
			ic.tel.Metrics.RecordError(class, code)
		}
		if ic.Span != nil {
			ic.Span.SetAttributes(AttrErrorClass.String(class), AttrErrorCode.String(code))
			RecordError(ic.Span, err)
		}
	} else if ic.Span != nil {
		RecordSuccess(ic.Span)
	}
	if ic.Span != nil {
		ic.Span.End()
	}
}

// failureLogger tags the logger with err and with the node an engine error
// names.
func (ic *InstrumentedContext) failureLogger(err error) *Logger {
	logger := ic.Logger.WithError(err)
	var engErr *engine.EngineError
	if errors.As(err, &engErr) && engErr.Node != "" {
		logger = logger.WithNodeID(engErr.Node)
	}
	return logger
}

// ClassifyError returns the engine error class and code of err. Errors
// that carry no class are reported as "unknown" with an empty code.
func ClassifyError(err error) (class, code string) {
	var rejected *engine.PlanRejectedError
	if errors.As(err, &rejected) {
		return string(engine.ErrorClassPermanent), engine.ErrCodePlanRejected
	}
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		return string(engErr.Class), engErr.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return string(engine.ErrorClassTransient), ""
	}
	return "unknown", ""
}
