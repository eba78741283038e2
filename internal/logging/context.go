package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type roundCtxKey struct{}
type stepCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := RoundIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("round.id", id))
	}
	if pos, ok := StepPositionFromContext(ctx); ok {
		fields = append(fields, zap.Int("step.position", pos))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}

	return fields
}

// WithRoundID tags ctx with the id of the round being driven.
func WithRoundID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, roundCtxKey{}, id)
}

// RoundIDFromContext returns the round id, or "".
func RoundIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(roundCtxKey{}).(string)
	return id
}

// WithStepPosition tags ctx with the 1-based position of the running step.
func WithStepPosition(ctx context.Context, pos int) context.Context {
	return context.WithValue(ctx, stepCtxKey{}, pos)
}

// StepPositionFromContext returns the step position, if any.
func StepPositionFromContext(ctx context.Context) (int, bool) {
	pos, ok := ctx.Value(stepCtxKey{}).(int)
	return pos, ok
}

// WithRequestID tags ctx with an inbound request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestCtxKey{}).(string)
	return id
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return NewNop()
}
