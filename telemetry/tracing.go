// OpenTelemetry tracing for message routing and workflow execution.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with bus and workflow helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include payload sizes and targets in spans
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Publish Spans ---

// PublishSpanOptions describes the outcome of routing one message.
type PublishSpanOptions struct {
	MessageID    string
	Recipients   int
	Outcome      string // delivered, dropped, dead_lettered
	PayloadBytes int    // Only included if debug=true
}

// StartPublishSpan starts a span for routing a message.
func (t *Tracer) StartPublishSpan(ctx context.Context, msgType, topic, event string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "bus.publish", trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(
		attribute.String("bus.message.type", msgType),
		attribute.String("bus.topic", topic),
		attribute.String("bus.event", event),
	)
	return ctx, span
}

// EndPublishSpan ends a publish span with attributes.
func (t *Tracer) EndPublishSpan(span trace.Span, opts PublishSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("bus.message.id", opts.MessageID),
		attribute.Int("bus.recipients", opts.Recipients),
		attribute.String("bus.outcome", opts.Outcome),
	}
	if t.debug {
		attrs = append(attrs, attribute.Int("bus.payload.bytes", opts.PayloadBytes))
	}
	span.SetAttributes(attrs...)
	endSpan(span, err)
}

// --- Execution Spans ---

// ExecutionSpanOptions describes a finished workflow execution.
type ExecutionSpanOptions struct {
	Status      string
	Completed   int
	Failed      int
	Skipped     int
	FailedTasks []string
}

// StartExecutionSpan starts a span covering one workflow execution.
func (t *Tracer) StartExecutionSpan(ctx context.Context, workflowID, executionID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "workflow.execute", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.String("workflow.execution.id", executionID),
	)
	return ctx, span
}

// EndExecutionSpan ends an execution span with attributes.
func (t *Tracer) EndExecutionSpan(span trace.Span, opts ExecutionSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("workflow.status", opts.Status),
		attribute.Int("workflow.tasks.completed", opts.Completed),
		attribute.Int("workflow.tasks.failed", opts.Failed),
		attribute.Int("workflow.tasks.skipped", opts.Skipped),
	}
	if len(opts.FailedTasks) > 0 {
		attrs = append(attrs, attribute.StringSlice("workflow.tasks.failed_ids", opts.FailedTasks))
	}
	span.SetAttributes(attrs...)
	endSpan(span, err)
}

// --- Dispatch Spans ---

// DispatchSpanOptions describes a task assignment.
type DispatchSpanOptions struct {
	AgentID string
	Attempt int
	Score   float64
}

// StartDispatchSpan starts a span for assigning a task to an agent.
func (t *Tracer) StartDispatchSpan(ctx context.Context, taskID, kind string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "workflow.dispatch."+kind, trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(attribute.String("workflow.task.id", taskID))
	return ctx, span
}

// EndDispatchSpan ends a dispatch span with attributes.
func (t *Tracer) EndDispatchSpan(span trace.Span, opts DispatchSpanOptions, err error) {
	span.SetAttributes(
		attribute.String("workflow.agent.id", opts.AgentID),
		attribute.Int("workflow.task.attempt", opts.Attempt),
		attribute.Float64("workflow.agent.score", opts.Score),
	)
	endSpan(span, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier, for example the
// metadata map of a task message.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// TraceID returns the trace id of the span in ctx, or "" if none.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
