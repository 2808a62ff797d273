package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// TraceResponseHeaders copies the active span's trace and span IDs onto the
// response so callers can quote them in support requests.
func TraceResponseHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc := trace.SpanContextFromContext(r.Context())
		if sc.IsValid() {
			w.Header().Set("X-Trace-Id", sc.TraceID().String())
			w.Header().Set("X-Span-Id", sc.SpanID().String())
		}
		next.ServeHTTP(w, r)
	})
}
