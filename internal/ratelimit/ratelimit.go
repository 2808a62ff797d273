// Package ratelimit is middleware for per-ip rate limiting
//
// # Simple in-memory implementation, not shared between instances or distributed
//
// What this does protect against:
//   - single ip flooding app (connection/goroutine exhaustion)
//   - gives observability insight into who/what/when/where/how (you still have to figure out why on your own..)
//   - single-log entry per offender to prevent log spam, metrics for counting total denied requests
//
// What this does NOT protect against:
//   - distributed attacks across many ips
//   - bandwidth-bill attacks, inbound data is already accepted by the time this runs
//
// This is designed to be a simple, self contained solution for defense in depth with upstream filtering.
// Enforcement uses the same sliding-window log as the admission API, keyed by
// resolved client IP, so the per-ip budget is exact over the window rather
// than a token-bucket approximation.
package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/keithlinneman/limiterd/internal/httpmw"
	"github.com/keithlinneman/limiterd/internal/slidingwindow"
)

// IPLimiter enforces a per-IP request budget over a sliding window.
type IPLimiter struct {
	limiter *slidingwindow.Limiter
}

// New creates an IPLimiter allowing maxRequests per IP per window. Options
// are forwarded to the underlying limiter; ctx cancellation stops its
// background sweeper.
func New(ctx context.Context, window time.Duration, maxRequests int, opts ...slidingwindow.Option) (*IPLimiter, error) {
	l, err := slidingwindow.New(ctx, window, maxRequests, opts...)
	if err != nil {
		return nil, err
	}
	return &IPLimiter{limiter: l}, nil
}

// Limiter exposes the underlying sliding-window limiter, used by the server
// to register key/event gauges.
func (l *IPLimiter) Limiter() *slidingwindow.Limiter { return l.limiter }

// Middleware returns middleware that rejects requests over the per-ip budget with 429
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// resolved upstream by httpmw.ClientIP, which handles x-forwarded-for
		// trust and public-ip stripping
		ip := httpmw.ClientIPFromContext(r.Context())

		if !l.limiter.TryRecord(ip) {
			wait := l.limiter.RetryAfter(ip)
			secs := int64(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
			w.WriteHeader(http.StatusTooManyRequests)
			// intentionally not including detail about limits, remaining budget, or window state
			w.Write([]byte(`{"error":"too many requests"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
