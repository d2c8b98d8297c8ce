package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type runCtxKey struct{}
type phaseCtxKey struct{}
type itemCtxKey struct{}

type itemRef struct {
	id      string
	attempt int
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runCtxKey{}, runID)
}

func WithPhaseID(ctx context.Context, phaseID string) context.Context {
	return context.WithValue(ctx, phaseCtxKey{}, phaseID)
}

func WithWorkItem(ctx context.Context, itemID string, attempt int) context.Context {
	return context.WithValue(ctx, itemCtxKey{}, itemRef{id: itemID, attempt: attempt})
}

func RunIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(runCtxKey{}).(string)
	return s
}

func PhaseIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(phaseCtxKey{}).(string)
	return s
}

// WorkItemFromContext returns the work item id and attempt, if set.
func WorkItemFromContext(ctx context.Context) (string, int) {
	ref, _ := ctx.Value(itemCtxKey{}).(itemRef)
	return ref.id, ref.attempt
}

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 6)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := RunIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("run_id", id))
	}
	if id := PhaseIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("phase_id", id))
	}
	if id, attempt := WorkItemFromContext(ctx); id != "" {
		fields = append(fields, zap.String("work_item_id", id), zap.Int("attempt", attempt))
	}
	return fields
}
