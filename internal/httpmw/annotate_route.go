package httpmw

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AnnotateRoute renames the server span after routing so traces group by the
// chi route pattern instead of the raw URL. Must sit inside the otelhttp
// wrapper and inside the chi router, since the pattern is only known after
// next.ServeHTTP returns.
func AnnotateRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)

		rctx := chi.RouteContext(r.Context())
		if rctx == nil {
			return
		}
		pattern := rctx.RoutePattern()
		if pattern == "" {
			return
		}

		span := trace.SpanFromContext(r.Context())
		if !span.SpanContext().IsValid() {
			return
		}
		span.SetName(r.Method + " " + pattern)
		span.SetAttributes(attribute.String("http.route", pattern))
	})
}
