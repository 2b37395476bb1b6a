package logging

import (
	"context"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Correlation field keys.
const (
	FieldRunID      = "run.id"
	FieldTaskID     = "task.id"
	FieldStepType   = "step.type"
	FieldResourceID = "resource.id"
	FieldRequestID  = "request.id"
)

type correlationKey string

const maxIDLen = 256

// Task IDs are namespaced as <run>/<step>, so slashes, dots and colons are
// allowed alongside the usual identifier characters.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:/-]+$`)

func validID(id string) bool {
	return id != "" && len(id) <= maxIDLen && utf8.ValidString(id) && idPattern.MatchString(id)
}

func withField(ctx context.Context, key, value string) context.Context {
	// Untrusted identifiers (plan files, HTTP headers) that fail validation
	// are dropped rather than logged.
	if !validID(value) {
		return ctx
	}
	return context.WithValue(ctx, correlationKey(key), value)
}

func fieldFrom(ctx context.Context, key string) string {
	v, _ := ctx.Value(correlationKey(key)).(string)
	return v
}

// WithRunID adds the plan run ID to ctx.
func WithRunID(ctx context.Context, id string) context.Context { return withField(ctx, FieldRunID, id) }

// WithTaskID adds the queue task ID to ctx.
func WithTaskID(ctx context.Context, id string) context.Context {
	return withField(ctx, FieldTaskID, id)
}

// WithStepType adds the step type (plan, code, test, ...) to ctx.
func WithStepType(ctx context.Context, typ string) context.Context {
	return withField(ctx, FieldStepType, typ)
}

// WithResourceID adds the circuit resource ID to ctx.
func WithResourceID(ctx context.Context, id string) context.Context {
	return withField(ctx, FieldResourceID, id)
}

// WithRequestID adds the HTTP request ID to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withField(ctx, FieldRequestID, id)
}

func RunIDFromContext(ctx context.Context) string      { return fieldFrom(ctx, FieldRunID) }
func TaskIDFromContext(ctx context.Context) string     { return fieldFrom(ctx, FieldTaskID) }
func StepTypeFromContext(ctx context.Context) string   { return fieldFrom(ctx, FieldStepType) }
func ResourceIDFromContext(ctx context.Context) string { return fieldFrom(ctx, FieldResourceID) }
func RequestIDFromContext(ctx context.Context) string  { return fieldFrom(ctx, FieldRequestID) }

var correlationFields = []string{FieldRunID, FieldTaskID, FieldStepType, FieldResourceID, FieldRequestID}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 8)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	for _, key := range correlationFields {
		if v := fieldFrom(ctx, key); v != "" {
			fields = append(fields, zap.String(key, v))
		}
	}

	return fields
}

type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
