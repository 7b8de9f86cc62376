package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "mediabroker"

// StartClaimSpan starts a span for one claim pass of a worker.
func StartClaimSpan(ctx context.Context, workerID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "broker.claim",
		trace.WithAttributes(attribute.String("worker.id", workerID)),
	)
}

// StartStatusUpdateSpan starts a span for applying a task status update.
func StartStatusUpdateSpan(ctx context.Context, taskID, status string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "taskmanager.status_update",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("task.status", status),
		),
	)
}

// StartUnregisterSpan starts a span for a worker unregistration and failover.
func StartUnregisterSpan(ctx context.Context, workerID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "broker.unregister",
		trace.WithAttributes(attribute.String("worker.id", workerID)),
	)
}

// StartReconcileSpan starts a span for one reconciliation sweep.
func StartReconcileSpan(ctx context.Context) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "reconciler.sweep")
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
