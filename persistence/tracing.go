package persistence

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/goliatone/go-entity-lab/persistence"

func startSpan(ctx context.Context, op string, meta *entityMeta) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("db.operation", op)}
	if meta != nil {
		attrs = append(attrs,
			attribute.String("entity.name", meta.name),
			attribute.String("db.sql.table", meta.table.Name),
		)
	}
	return otel.Tracer(tracerName).Start(ctx, "persistence."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
