package limiterhttp

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/limiterd/internal/log"
	"github.com/keithlinneman/limiterd/internal/metrics"
)

// Admitter is the slice of the rate limiter the API needs.
type Admitter interface {
	// TryRecord atomically checks and records an admission attempt.
	TryRecord(key string) bool
	// Allow reports whether a request for key would currently be admitted,
	// without recording anything.
	Allow(key string) bool
	// RetryAfter reports how long until a denied key would next be admitted.
	RetryAfter(key string) time.Duration
}

// API implements the admission endpoints.
type API struct {
	limiter Admitter
	metrics *metrics.ServerMetrics
	logger  log.Logger
}

// NewAPI creates the admission API handler. metrics may be nil.
func NewAPI(limiter Admitter, m *metrics.ServerMetrics, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{
		limiter: limiter,
		metrics: m,
		logger:  logger,
	}
}

// RegisterRoutes attaches the admission endpoints to the router.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Post("/v1/admit/{key}", api.HandleAdmit)
	r.Get("/v1/admit/{key}", api.HandlePeek)
}

// AdmitResponse is the body for both the recording and peek endpoints.
type AdmitResponse struct {
	Key      string `json:"key"`
	Admitted bool   `json:"admitted"`

	// RetryAfterSeconds is the exact projection until the next admission
	// would succeed. Zero when admitted.
	RetryAfterSeconds float64 `json:"retry_after_seconds"`
}

// HandleAdmit records an admission attempt for the key. 200 when admitted,
// 429 with a Retry-After header when over the window's budget.
func (api *API) HandleAdmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")
	if key == "" {
		http.Error(w, `{"error":"missing key"}`, http.StatusBadRequest)
		return
	}

	if api.limiter.TryRecord(key) {
		if api.metrics != nil {
			api.metrics.IncAdmissionAllowed()
		}
		api.writeJSON(ctx, w, http.StatusOK, AdmitResponse{Key: key, Admitted: true})
		return
	}

	wait := api.limiter.RetryAfter(key)
	if api.metrics != nil {
		api.metrics.ObserveRetryAfter(wait.Seconds())
	}

	log.FromContext(ctx).Debug(ctx, "admission denied",
		"key", key,
		"retry_after", wait,
	)

	w.Header().Set("Retry-After", retryAfterHeader(wait))
	api.writeJSON(ctx, w, http.StatusTooManyRequests, AdmitResponse{
		Key:               key,
		Admitted:          false,
		RetryAfterSeconds: wait.Seconds(),
	})
}

// HandlePeek reports whether a request for the key would be admitted right
// now. Never mutates limiter state.
func (api *API) HandlePeek(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")
	if key == "" {
		http.Error(w, `{"error":"missing key"}`, http.StatusBadRequest)
		return
	}

	resp := AdmitResponse{Key: key, Admitted: api.limiter.Allow(key)}
	if !resp.Admitted {
		resp.RetryAfterSeconds = api.limiter.RetryAfter(key).Seconds()
	}

	api.writeJSON(ctx, w, http.StatusOK, resp)
}

// retryAfterHeader rounds the projection up to whole seconds. RFC 9110 only
// allows integral delay-seconds, and a zero header would invite an immediate
// retry against a still-full window, so denied responses floor at 1.
func retryAfterHeader(wait time.Duration) string {
	secs := int64(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
