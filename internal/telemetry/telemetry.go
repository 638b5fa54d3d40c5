// Package telemetry wraps OpenTelemetry tracing for lifecycle operations.
//
// embeddedbroker is a library, so it never installs a tracer provider of its
// own: spans go to whatever provider the host process registered with
// otel.SetTracerProvider, and are no-ops otherwise.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName identifies spans emitted by this module.
const InstrumentationName = "github.com/marmos91/embeddedbroker"

// Attribute keys.
const (
	AttrInstanceID       = "embeddedbroker.instance_id"
	AttrState            = "embeddedbroker.state"
	AttrResult           = "embeddedbroker.result"
	AttrAttempt          = "embeddedbroker.attempt"
	AttrWebPort          = "embeddedbroker.web_port"
	AttrTCPPort          = "embeddedbroker.tcp_port"
	AttrStoragePort      = "embeddedbroker.storage_port"
	AttrCoordinationPort = "embeddedbroker.coordination_port"
)

// Span names.
const (
	SpanConstruct = "embeddedbroker.construct"
	SpanStart     = "embeddedbroker.start"
	SpanProbe     = "embeddedbroker.probe"
	SpanClose     = "embeddedbroker.close"
)

// Tracer returns the tracer for this module from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StartSpan starts a new span with the given name and attributes.
// The caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError records err on span and marks it failed. nil is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceID returns the trace ID of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// SpanID returns the span ID of the span in ctx, or "".
func SpanID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}
