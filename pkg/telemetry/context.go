package telemetry

import (
	"context"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing and metrics for one process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config

	metricsServer *http.Server
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// Noop returns telemetry that discards logs, spans and metrics.
func Noop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	tracer, _ := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	return &Telemetry{
		Logger:  NewLoggerTo(io.Discard, LoggingConfig{Level: "fatal", Format: "json"}),
		Tracer:  tracer,
		Metrics: &Metrics{config: cfg.Metrics},
		Config:  cfg,
	}
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// StartMetricsServer starts the metrics HTTP server if one is configured.
func (t *Telemetry) StartMetricsServer() {
	t.metricsServer = t.Metrics.StartMetricsServer()
}

// Shutdown flushes spans and stops the metrics server.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.metricsServer != nil {
		_ = t.metricsServer.Shutdown(ctx)
	}
	return t.Tracer.Shutdown(ctx)
}

// InstrumentedContext carries the span, logger and timer of one transition.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger

	operation string
	timer     *Timer
	metrics   *Metrics
}

// StartTransition begins an instrumented state machine transition.
func (t *Telemetry) StartTransition(ctx context.Context, entityID, operation, fromState string) *InstrumentedContext {
	spanCtx, span := t.Tracer.StartTransitionSpan(ctx, entityID, operation, fromState)

	logger := t.Logger.WithField("entity_id", entityID).WithTransition(operation, fromState)
	if span.SpanContext().IsValid() {
		logger = logger.WithField("trace_id", span.SpanContext().TraceID().String())
	}

	t.Metrics.RecordTransitionStarted()

	return &InstrumentedContext{
		Ctx:       logger.WithContext(spanCtx),
		Span:      span,
		Logger:    logger,
		operation: operation,
		timer:     NewTimer(),
		metrics:   t.Metrics,
	}
}

// End finishes the transition, recording its outcome on the span and in metrics.
func (ic *InstrumentedContext) End(toState string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.SetAttributes(AttrToState.String(toState))
	ic.Span.End()
	ic.metrics.RecordTransition(ic.operation, outcome, ic.timer.Duration())
}
