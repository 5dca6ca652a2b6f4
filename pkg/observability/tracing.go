// Package observability provides OpenTelemetry tracing for vendor connectors.
// Until Initialize is called every tracer is a no-op, so connectors can always
// open spans.
package observability

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ajitpratap0/vendorflow/pkg/task"
)

const instrumentationName = "github.com/ajitpratap0/vendorflow"

var (
	mu       sync.RWMutex
	tracer   trace.Tracer = noop.NewTracerProvider().Tracer(instrumentationName)
	provider *sdktrace.TracerProvider
)

// TracingConfig contains tracing configuration
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	SamplingRate   float64
	// Writer receives exported spans; nil means stderr
	Writer       io.Writer
	BatchTimeout time.Duration
}

// GetTracer returns the current tracer
func GetTracer() trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	return tracer
}

// Span wraps an OpenTelemetry span with attribute batching
type Span struct {
	span       trace.Span
	attributes []attribute.KeyValue
}

// NewSpan starts a span on the current tracer
func NewSpan(ctx context.Context, operationName string) (context.Context, *Span) {
	ctx, span := GetTracer().Start(ctx, operationName)
	return ctx, &Span{span: span}
}

// SetAttribute adds an attribute, applied when the span ends
func (s *Span) SetAttribute(key string, value interface{}) {
	var attr attribute.KeyValue

	switch v := value.(type) {
	case string:
		attr = attribute.String(key, v)
	case int:
		attr = attribute.Int(key, v)
	case int64:
		attr = attribute.Int64(key, v)
	case float64:
		attr = attribute.Float64(key, v)
	case bool:
		attr = attribute.Bool(key, v)
	case time.Duration:
		attr = attribute.String(key, v.String())
	default:
		attr = attribute.String(key, fmt.Sprintf("%v", v))
	}

	s.attributes = append(s.attributes, attr)
}

// AddEvent adds an event to the span
func (s *Span) AddEvent(name string, attrs ...attribute.KeyValue) {
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Fail marks the span as failed
func (s *Span) Fail(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// End ends the span
func (s *Span) End() {
	if len(s.attributes) > 0 {
		s.span.SetAttributes(s.attributes...)
	}
	s.span.End()
}

// ConnectorTracer names spans after a connector and records task outcomes
type ConnectorTracer struct {
	connectorName string
}

// NewConnectorTracer creates a tracer for one connector
func NewConnectorTracer(connectorName string) *ConnectorTracer {
	return &ConnectorTracer{connectorName: connectorName}
}

// StartSpan starts a span named <connector>.<operation>
func (ct *ConnectorTracer) StartSpan(ctx context.Context, operation string) (context.Context, *Span) {
	ctx, span := NewSpan(ctx, ct.connectorName+"."+operation)
	span.SetAttribute("connector.name", ct.connectorName)
	span.SetAttribute("connector.operation", operation)
	return ctx, span
}

// TraceStage runs one pipeline stage inside a span and tags it with the
// resulting task
func (ct *ConnectorTracer) TraceStage(ctx context.Context, stage string, fn func(ctx context.Context) (*task.Handle, error)) (*task.Handle, error) {
	ctx, span := ct.StartSpan(ctx, stage)
	defer span.End()

	h, err := fn(ctx)
	if h != nil {
		span.SetAttribute("task.id", h.TaskID)
		span.SetAttribute("task.type", h.Type.String())
		span.SetAttribute("task.status", h.Status.String())
		span.SetAttribute("task.progress", h.Progress)
	}
	if err != nil {
		span.Fail(err)
		return h, err
	}
	span.span.SetStatus(codes.Ok, "")
	return h, nil
}

// Trace runs fn inside a span
func (ct *ConnectorTracer) Trace(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	ctx, span := ct.StartSpan(ctx, operation)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.Fail(err)
		return err
	}
	span.span.SetStatus(codes.Ok, "")
	return nil
}

// setGlobal swaps the tracer provider; callers hold mu
func setGlobal(tp *sdktrace.TracerProvider) {
	provider = tp
	if tp == nil {
		tracer = noop.NewTracerProvider().Tracer(instrumentationName)
		return
	}
	otel.SetTracerProvider(tp)
	tracer = tp.Tracer(instrumentationName)
}
