package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TransferOperation returns attributes for an object transfer.
func TransferOperation(bucket, key string, size int64, chunks int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("projsync.bucket", bucket),
		attribute.String("projsync.object.key", key),
		attribute.Int64("projsync.object.size", size),
		attribute.Int("projsync.transfer.chunks", chunks),
	}
}

// AdoptionOperation returns attributes for an adoption attempt.
func AdoptionOperation(project, attemptID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("projsync.project", project),
		attribute.String("projsync.adoption.id", attemptID),
	}
}

// ProjectOperation returns attributes for work on one project's cache.
func ProjectOperation(project, hash string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("projsync.project", project),
		attribute.String("projsync.hash", hash),
	}
}

// AddSpanEvent adds an event to the span in ctx, if any.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus marks the span in ctx as failed when err is non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
