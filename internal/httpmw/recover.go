package httpmw

import (
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/limiterd/internal/log"
	"github.com/keithlinneman/limiterd/internal/xerrors"
)

// Recover converts handler panics into 500s. It takes the logger directly
// because it wraps outside WithLogger in the chain. onPanic (optional) runs
// after logging, typically to bump a counter.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				ctx := r.Context()
				err, ok := rec.(error)
				if !ok {
					err = xerrors.Newf("panic: %v", rec)
				}
				logger.Error(ctx, err, "panic serving request",
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				if onPanic != nil {
					onPanic()
				}

				w.WriteHeader(http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
