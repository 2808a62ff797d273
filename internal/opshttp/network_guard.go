package opshttp

import (
	"net"
	"net/http"

	"github.com/keithlinneman/limiterd/internal/log"
)

// requireNonPublicNetwork rejects requests from public addresses with 403.
// The admin port serves pprof and raw metrics and must only be reachable
// from loopback, private, or link-local networks. Fails closed on anything
// unparseable.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			forbid(L, w, r)
			return
		}
		ip := net.ParseIP(host)
		if ip == nil {
			forbid(L, w, r)
			return
		}
		if !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsLinkLocalUnicast() {
			forbid(L, w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func forbid(L log.Logger, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	L.Warn(ctx, "rejected admin request from non-private network",
		"remote_addr", r.RemoteAddr,
		"path", r.URL.Path,
	)
	http.Error(w, "forbidden", http.StatusForbidden)
}
