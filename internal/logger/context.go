package logger

import "context"

type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds instance-scoped logging fields.
type LogContext struct {
	InstanceID string
	Component  string
	TraceID    string
	SpanID     string
}

// WithContext returns a new context carrying lc.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// WithComponent returns a copy of lc tagged with component.
func (lc *LogContext) WithComponent(component string) *LogContext {
	if lc == nil {
		return &LogContext{Component: component}
	}
	clone := *lc
	clone.Component = component
	return &clone
}

func appendContextFields(ctx context.Context, args []any) []any {
	lc := FromContext(ctx)
	if lc == nil {
		return args
	}

	out := make([]any, 0, 8+len(args))
	if lc.InstanceID != "" {
		out = append(out, KeyInstanceID, lc.InstanceID)
	}
	if lc.Component != "" {
		out = append(out, KeyComponent, lc.Component)
	}
	if lc.TraceID != "" {
		out = append(out, KeyTraceID, lc.TraceID)
	}
	if lc.SpanID != "" {
		out = append(out, KeySpanID, lc.SpanID)
	}
	return append(out, args...)
}
