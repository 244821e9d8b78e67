package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// StartHTTPServerSpan continues an incoming trace context, if present, for one gateway route.
func StartHTTPServerSpan(ctx context.Context, r *http.Request, route, requestId string) (context.Context, trace.Span) {
	if !isEnabled {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx = propagation.TraceContext{}.Extract(ctx, propagation.HeaderCarrier(r.Header))
	return StartSpan(ctx, "Http.ReceivedRequest",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(r.Method),
			semconv.HTTPRouteKey.String(route),
			semconv.HTTPUserAgentKey.String(r.UserAgent()),
			attribute.String("request.id", requestId),
		),
	)
}

func InjectHTTPResponseTraceContext(ctx context.Context, w http.ResponseWriter) {
	if !isEnabled {
		return
	}
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(w.Header()))
}

func EndHTTPServerSpan(span trace.Span, statusCode int, err error) {
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(semconv.HTTPStatusCodeKey.Int(statusCode))
	switch {
	case err != nil:
		SetError(span, err)
	case statusCode >= 400:
		span.SetStatus(codes.Error, http.StatusText(statusCode))
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
