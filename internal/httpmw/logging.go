package httpmw

import (
	"net/http"
	"time"

	"github.com/keithlinneman/limiterd/internal/log"
)

// WithLogger stores a request-scoped logger in the context, pre-enriched with
// the request ID and client IP so handlers and deeper middleware get the
// correlation fields for free.
func WithLogger(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			fields := make([]any, 0, 4)
			if reqID := RequestIDFromContext(ctx); reqID != "" {
				fields = append(fields, "request_id", reqID)
			}
			if ip := ClientIPFromContext(ctx); ip != "" {
				fields = append(fields, "client_ip", ip)
			}

			l := logger
			if len(fields) > 0 {
				l = logger.With(fields...)
			}
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, l)))
		})
	}
}

type accessWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *accessWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *accessWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// AccessLog emits one structured line per request. Probe endpoints are
// skipped to keep kubelet noise out of the logs.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/-/healthy" || r.URL.Path == "/-/ready" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		aw := &accessWriter{ResponseWriter: w}
		next.ServeHTTP(aw, r)

		ctx := r.Context()
		status := aw.status
		if status == 0 {
			status = http.StatusOK
		}
		log.FromContext(ctx).Info(ctx, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", aw.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"user_agent", r.UserAgent(),
		)
	})
}
