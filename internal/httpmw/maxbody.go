package httpmw

import "net/http"

// MaxBody caps request body reads at n bytes. Reads past the limit surface a
// *http.MaxBytesError to the handler.
func MaxBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}
