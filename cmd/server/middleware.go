package main

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/relaymux/internal/observability"
)

// buildMiddlewareStack wraps every listener. The request id is assigned first so the
// server span can carry it.
func buildMiddlewareStack(tracer trace.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if next == nil {
			return nil
		}
		handler := next
		if tracer != nil {
			handler = observability.TracingMiddleware(tracer, handler)
		}
		return observability.RequestIDMiddleware(handler)
	}
}
