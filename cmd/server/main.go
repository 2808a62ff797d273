package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/limiterd/internal/cfg"
	"github.com/keithlinneman/limiterd/internal/health"
	"github.com/keithlinneman/limiterd/internal/httpmw"
	"github.com/keithlinneman/limiterd/internal/httpserver"
	"github.com/keithlinneman/limiterd/internal/limiterhttp"
	"github.com/keithlinneman/limiterd/internal/log"
	"github.com/keithlinneman/limiterd/internal/metrics"
	"github.com/keithlinneman/limiterd/internal/opshttp"
	"github.com/keithlinneman/limiterd/internal/otelx"
	"github.com/keithlinneman/limiterd/internal/prof"
	"github.com/keithlinneman/limiterd/internal/ratelimit"
	"github.com/keithlinneman/limiterd/internal/slidingwindow"
	v "github.com/keithlinneman/limiterd/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			v.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix LIMITERD_ and validate
	cfg.FillFromEnv(flag.CommandLine, "LIMITERD_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// validate config
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:             v.AppName,
		Level:           lvl,
		StacktraceLevel: stLvl,
		JsonFormat:      conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"window", conf.Window,
		"max_requests", conf.MaxRequests,
		"sweep_interval", conf.SweepInterval,
		"ip_window", conf.IPWindow,
		"ip_max_requests", conf.IPMaxRequests,
		"trusted_hops", conf.TrustedHops,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"pyro_server", conf.PyroServer,
		"pyro_tenant", conf.PyroTenantID,
		"trace_sample", conf.TraceSample,
	)

	// Setup metrics early so the profiler state gauge is available
	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:  conf.EnableTracing,
		Endpoint: conf.OTLPEndpoint,
		Insecure: true,
		Sample:   conf.TraceSample,
		Service:  v.AppName,
		Version:  vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Admission limiter: the sliding window log the API serves decisions from
	admitOpts := []slidingwindow.Option{
		slidingwindow.WithOnDenied(func(key string) {
			m.IncAdmissionDenied()
		}),
		// only log the first time a key is denied each time it ages out of the window
		slidingwindow.WithOnFirstDenied(func(key string) {
			L.Warn(ctx, "admission limit triggered", "key", key)
		}),
		slidingwindow.WithOnSweep(func(reclaimed int) {
			m.ObserveSweep(reclaimed)
		}),
	}
	if conf.SweepInterval > 0 {
		admitOpts = append(admitOpts, slidingwindow.WithSweepInterval(conf.SweepInterval))
	}
	admitLimiter, err := slidingwindow.New(ctx, conf.Window, conf.MaxRequests, admitOpts...)
	if err != nil {
		L.Error(ctx, err, "failed to create admission limiter")
		os.Exit(1)
	}
	m.RegisterLimiterGauges(admitLimiter.Keys, admitLimiter.TrackedEvents)

	// Per-IP limiter guarding the API itself
	ipLimiter, err := ratelimit.New(ctx, conf.IPWindow, conf.IPMaxRequests,
		// increment prometheus counter on each denied request
		slidingwindow.WithOnDenied(func(ip string) {
			m.IncIPDenied()
		}),
		// only log the first time an ip is denied each time it is cleaned from the window
		slidingwindow.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "ip rate limit triggered", "ip", ip)
		}),
	)
	if err != nil {
		L.Error(ctx, err, "failed to create ip limiter")
		os.Exit(1)
	}

	// setup admission API
	api := limiterhttp.NewAPI(admitLimiter, m, L)

	// setup toggle for server shutdown
	var gate health.ShutdownGate
	readiness := gate.Probe()

	// start public http server
	apiHTTPStop, err := httpserver.Start(
		ctx,
		&httpserver.Options{
			Port:         conf.HTTPPort,
			Health:       health.Fixed(true, ""),
			Readiness:    readiness,
			APIRoutes:    api.RegisterRoutes,
			UseRecoverMW: true,
			OnPanic:      m.IncHttpPanic,
			MetricsMW:    m.Middleware,
			RateLimitMW:  ipLimiter.Middleware,
			ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
			Logger:       L,
		},
	)
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}
	defer func() { _ = apiHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks, pprof and any future admin APIs
	// the listener rejects connections from public ips in middleware to prevent
	// accidental exposure if the network boundary is ever misconfigured
	opsHTTPStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until signal so we dont exit
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// wait for ctrl+c / sigterm
	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness checks so the load balancer stops sending new requests
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	L.Info(context.Background(), "sleeping 15s for in-flight and load balancer health checks to drain")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(15 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := apiHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "app http server shutdown")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
