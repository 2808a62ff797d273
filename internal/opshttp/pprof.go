package opshttp

import (
	"net/http"
	"net/http/pprof"
)

// RegisterPprof attaches the pprof handlers to the admin mux. The admin
// server never uses http.DefaultServeMux, so the handlers are only reachable
// through this mux.
func RegisterPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}
