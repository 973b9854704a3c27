// Package tracing переносит контекст трассировки через outbox и Kafka-заголовки.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// TraceparentHeader — заголовок W3C Trace Context.
const TraceparentHeader = "traceparent"

// Setup регистрирует глобальный propagator W3C Trace Context и Baggage.
func Setup() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// Inject возвращает заголовки с контекстом трассировки из ctx.
// nil, если трассировки в ctx нет.
func Inject(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}

// Extract восстанавливает контекст трассировки из заголовков.
func Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
