package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/limiterd/internal/health"
	"github.com/keithlinneman/limiterd/internal/httpmw"
	"github.com/keithlinneman/limiterd/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool

	// APIRoutes registers the application's routes on the router.
	APIRoutes func(chi.Router)

	// MetricsMW wraps the handler with prometheus instrumentation.
	MetricsMW func(http.Handler) http.Handler

	// RateLimitMW enforces the per-IP budget. Sits outside tracing so denied
	// floods never allocate spans.
	RateLimitMW func(http.Handler) http.Handler

	ClientIPOpts httpmw.ClientIPOptions

	Health    health.Probe
	Readiness health.Probe

	// OnPanic is forwarded to the recovery middleware, typically a metrics
	// counter increment.
	OnPanic func()

	// MaxBodyBytes caps request bodies. Zero uses a small default; admission
	// requests carry no body at all.
	MaxBodyBytes int64
}
