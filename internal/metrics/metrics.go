package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/limiterd/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	httpPanicTotal prometheus.Counter
	errorsTotal    *prometheus.CounterVec
	buildInfo      *prometheus.GaugeVec

	admissionAllowedTotal prometheus.Counter
	admissionDeniedTotal  prometheus.Counter
	retryAfterSeconds     prometheus.Histogram
	ipDeniedTotal         prometheus.Counter
	sweepsTotal           prometheus.Counter
	sweptKeysTotal        prometheus.Counter

	profilingActive prometheus.Gauge
}

// New returns a fresh registry + standard collectors + HTTP and admission metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions -
// in particular, admission keys are never a label
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{64, 256, 1024, 4096, 16384},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		admissionAllowedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_allowed_total",
			Help: "Total admission checks that recorded an event",
		}),
		admissionDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_denied_total",
			Help: "Total admission checks denied by the sliding window limiter",
		}),
		retryAfterSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "admission_retry_after_seconds",
			Help:    "Projected wait returned with denied admissions",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}),
		ipDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by the per-IP limiter in front of the API",
		}),
		sweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limiter_sweeps_total",
			Help: "Total background sweep passes over limiter state",
		}),
		sweptKeysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limiter_swept_keys_total",
			Help: "Total idle keys reclaimed by the background sweeper",
		}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.errorsTotal,
		m.buildInfo,
		m.admissionAllowedTotal,
		m.admissionDeniedTotal,
		m.retryAfterSeconds,
		m.ipDeniedTotal,
		m.sweepsTotal,
		m.sweptKeysTotal,
		m.profilingActive,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// RegisterLimiterGauges exposes live limiter state as gauges. The limiter's
// own counters are callback-driven; these two walk its maps at scrape time.
func (m *ServerMetrics) RegisterLimiterGauges(activeKeys, trackedEvents func() int) {
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "limiter_active_keys",
			Help: "Keys currently holding at least one in-window event",
		}, func() float64 { return float64(activeKeys()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "limiter_tracked_events",
			Help: "Total in-window events across all keys (upper bound between sweeps)",
		}, func() float64 { return float64(trackedEvents()) }),
	)
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncHttpPanic() { m.httpPanicTotal.Inc() }

func (m *ServerMetrics) IncAdmissionAllowed() { m.admissionAllowedTotal.Inc() }

func (m *ServerMetrics) IncAdmissionDenied() { m.admissionDeniedTotal.Inc() }

func (m *ServerMetrics) ObserveRetryAfter(seconds float64) {
	m.retryAfterSeconds.Observe(seconds)
}

func (m *ServerMetrics) IncIPDenied() { m.ipDeniedTotal.Inc() }

func (m *ServerMetrics) ObserveSweep(reclaimed int) {
	m.sweepsTotal.Inc()
	m.sweptKeysTotal.Add(float64(reclaimed))
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}
