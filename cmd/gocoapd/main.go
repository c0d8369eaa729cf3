// gocoapd daemon -- CoAP server (RFC 7252) with Observe, Echo and OSCORE.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"runtime/trace"
	"slices"
	"syscall"
	"time"

	"connectrpc.com/grpchealth"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gocoap/internal/config"
	coapmetrics "github.com/dantte-lp/gocoap/internal/metrics"
	"github.com/dantte-lp/gocoap/internal/netio"
	"github.com/dantte-lp/gocoap/internal/oscore"
	"github.com/dantte-lp/gocoap/internal/resources"
	"github.com/dantte-lp/gocoap/internal/server"
	appversion "github.com/dantte-lp/gocoap/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// healthServiceName is the grpc.health.v1 service reported for the CoAP
// endpoints as a whole; each configured service is also reported by name.
const healthServiceName = "gocoap.v1.CoAP"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("gocoapd: invalid configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// The LevelVar is shared with SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("gocoapd starting",
		slog.String("version", appversion.Version),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.String("health_addr", cfg.Health.Addr),
		slog.Int("services", len(cfg.Services)),
	)

	fr := startFlightRecorder(logger)

	reg := prometheus.NewRegistry()
	srv := server.New(logger, server.WithMetrics(coapmetrics.NewCollector(reg)))
	d := newDaemon(srv, cfg, logger)

	if err := runServers(cfg, d, reg, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("gocoapd exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("gocoapd stopped")
	return 0
}

// runServers sets up and runs the CoAP dispatch loop and the HTTP servers
// using an errgroup with signal-aware context for graceful shutdown.
func runServers(
	cfg *config.Config,
	d *coapDaemon,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	healthSrv := newHealthServer(cfg.Health, d.health)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	// Bind the declared services before reporting readiness.
	if err := d.reconcile(gCtx, cfg); err != nil {
		_ = d.srv.Close()
		return fmt.Errorf("start coap services: %w", err)
	}

	g.Go(func() error {
		return d.srv.Run(gCtx)
	})
	g.Go(func() error {
		return d.clock.Run(gCtx)
	})

	servers := []*http.Server{metricsSrv}
	if healthSrv != nil {
		servers = append(servers, healthSrv)
	}
	startHTTPServers(gCtx, g, cfg, healthSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, d, fr, logger)

	sdNotify(logger, daemon.SdNotifyReady+"\n"+serviceStatus(d.srv))

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, d, logger, fr, servers...)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startHTTPServers registers the health and metrics HTTP server goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	healthSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	if healthSrv != nil {
		g.Go(func() error {
			logger.Info("health server listening", slog.String("addr", cfg.Health.Addr))
			return listenAndServe(ctx, &lc, healthSrv, cfg.Health.Addr)
		})
	}

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the watchdog, trace dump and SIGHUP
// reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	d *coapDaemon,
	fr *trace.FlightRecorder,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, d.srv, logger)
	})
	g.Go(func() error {
		dumpTraceOnSignal(ctx, fr, logger)
		return nil
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)

	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, d, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// CoAP Services — config to server wiring
// -------------------------------------------------------------------------

// coapDaemon owns the server, the shared resources and the applied service
// configuration. reconcile is called from startup and the SIGHUP goroutine
// only, never concurrently.
type coapDaemon struct {
	srv    *server.Server
	health *grpchealth.StaticChecker
	logger *slog.Logger

	kv      *resources.KV
	clock   *resources.Clock
	version *resources.Version

	applied map[string]config.ServiceConfig
}

func newDaemon(srv *server.Server, cfg *config.Config, logger *slog.Logger) *coapDaemon {
	return &coapDaemon{
		srv:     srv,
		health:  grpchealth.NewStaticChecker(healthServiceName),
		logger:  logger,
		kv:      resources.NewKV(srv, logger, resources.WithMaxValueSize(cfg.Resources.KVMaxValueSize)),
		clock:   resources.NewClock(srv, nil, cfg.Resources.ClockInterval, logger),
		version: resources.NewVersion(appversion.Current()),
		applied: make(map[string]config.ServiceConfig),
	}
}

// reconcile diffs the declared services against the applied set: new
// services are created and started, removed ones stopped. A stopped
// service that reappears is restarted with its original parameters.
// Startup fails on the first error; reloads log and continue.
func (d *coapDaemon) reconcile(ctx context.Context, cfg *config.Config) error {
	desired := make(map[string]bool, len(cfg.Services))
	var errs []error

	for _, sc := range cfg.Services {
		desired[sc.Name] = true
		if err := d.ensure(ctx, cfg, sc); err != nil {
			d.health.SetStatus(sc.Name, grpchealth.StatusNotServing)
			errs = append(errs, err)
		}
	}

	stopped := 0
	for name := range d.applied {
		if desired[name] {
			continue
		}
		if err := d.srv.StopService(name); err != nil {
			errs = append(errs, fmt.Errorf("stop service %s: %w", name, err))
			continue
		}
		delete(d.applied, name)
		d.health.SetStatus(name, grpchealth.StatusNotServing)
		stopped++
		d.logger.Info("coap service stopped", slog.String("service", name))
	}

	var clockServices []string
	for _, sc := range cfg.Services {
		if _, ok := d.applied[sc.Name]; ok && sc.Serves(resources.ClockPath) {
			clockServices = append(clockServices, sc.Name)
		}
	}
	d.clock.SetServices(clockServices)

	d.logger.Info("service reconciliation complete",
		slog.Int("running", len(d.applied)),
		slog.Int("stopped", stopped),
		slog.Int("errors", len(errs)),
	)
	return errors.Join(errs...)
}

// ensure starts the service declared by sc unless it already runs.
func (d *coapDaemon) ensure(ctx context.Context, cfg *config.Config, sc config.ServiceConfig) error {
	if prev, ok := d.applied[sc.Name]; ok {
		if !reflect.DeepEqual(prev, sc) {
			d.logger.Warn("service parameters changed, restart the daemon to apply",
				slog.String("service", sc.Name),
			)
		}
		return nil
	}

	if !slices.Contains(d.srv.Services(), sc.Name) {
		svc, err := buildService(cfg, sc, d)
		if err != nil {
			return fmt.Errorf("build service %s: %w", sc.Name, err)
		}
		if err := d.srv.AddService(svc); err != nil {
			return err
		}
	} else {
		d.logger.Info("restarting previously stopped service with its original parameters",
			slog.String("service", sc.Name),
		)
	}

	if err := d.srv.StartService(ctx, sc.Name); err != nil {
		return err
	}
	d.applied[sc.Name] = sc
	d.health.SetStatus(sc.Name, grpchealth.StatusServing)

	addr, _ := d.srv.LocalAddr(sc.Name)
	d.logger.Info("coap service started",
		slog.String("service", sc.Name),
		slog.String("transport", transportName(sc)),
		slog.String("addr", addr.String()),
		slog.Bool("oscore", sc.OSCORE != ""),
	)
	return nil
}

// buildService converts a declared service into a server.Service with its
// own router, transport and security context.
func buildService(cfg *config.Config, sc config.ServiceConfig, d *coapDaemon) (*server.Service, error) {
	addr, err := sc.AddrPort()
	if err != nil {
		return nil, err
	}

	router := server.NewRouter()
	entries := []struct {
		name string
		res  server.Resource
	}{
		{resources.KVPath, d.kv.Resource()},
		{resources.ClockPath, d.clock.Resource()},
		{resources.VersionPath, d.version.Resource()},
	}
	for _, e := range entries {
		if !sc.Serves(e.name) {
			continue
		}
		if err := router.Handle(e.res); err != nil {
			return nil, fmt.Errorf("register /%s: %w", e.name, err)
		}
	}

	c := cfg.CoAP
	svcCfg := server.ServiceConfig{
		Name:             sc.Name,
		Addr:             addr,
		MaxMessageSize:   c.MaxMessageSize,
		Transmission:     c.Transmission(),
		PendingCapacity:  c.PendingCapacity,
		ObserverCapacity: c.ObserverCapacity,
		EchoCapacity:     c.EchoCapacity,
		ExchangeCapacity: c.ExchangeCapacity,
		DedupCapacity:    c.DedupCapacity,
		Echo: server.EchoPolicy{
			RequireUnsafe:           c.Echo.RequireUnsafe,
			AmplificationMitigation: c.Echo.AmplificationMitigation,
			Threshold:               c.Echo.Threshold,
			Lifetime:                c.Echo.Lifetime,
			NonceSize:               c.Echo.NonceSize,
		},
		RequireOSCORE:    sc.RequireOSCORE,
		ExchangeLifetime: c.ExchangeLifetime,
		ConfirmableEvery: c.ConfirmableEvery,
	}

	var opts []server.ServiceOption
	if sc.Transport == config.TransportDTLS {
		key, err := sc.PSK()
		if err != nil {
			return nil, err
		}
		opts = append(opts, server.WithListenFunc(netio.DTLSListenFunc(netio.DTLSConfig{
			Identity: sc.PSKIdentity,
			Key:      key,
		}, d.logger)))
	}

	if sc.OSCORE != "" {
		oc, ok := cfg.Context(sc.OSCORE)
		if !ok {
			return nil, fmt.Errorf("oscore %q: %w", sc.OSCORE, config.ErrUnknownOSCOREContext)
		}
		secCfg, err := oc.SecurityConfig()
		if err != nil {
			return nil, err
		}
		secCtx, err := oscore.NewContext(secCfg)
		if err != nil {
			return nil, fmt.Errorf("derive oscore context %q: %w", sc.OSCORE, err)
		}
		opts = append(opts, server.WithSecurityContext(secCtx))
	}

	return server.NewService(svcCfg, router, d.logger, opts...)
}

func transportName(sc config.ServiceConfig) string {
	if sc.Transport == "" {
		return config.TransportUDP
	}
	return sc.Transport
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level + service reconciliation
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP signals and reloads configuration until
// the context is cancelled.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	d *coapDaemon,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(ctx, configPath, logLevel, d, logger)
		}
	}
}

// reloadConfig loads a fresh configuration from the given path, updates
// the dynamic log level, and reconciles the declared services.
// Errors during reload are logged but do not stop the daemon -- the
// previous configuration remains in effect.
func reloadConfig(
	ctx context.Context,
	configPath string,
	logLevel *slog.LevelVar,
	d *coapDaemon,
	logger *slog.Logger,
) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)

	if err := d.reconcile(ctx, newCfg); err != nil {
		logger.Error("service reconciliation had errors",
			slog.String("error", err.Error()),
		)
	}
}

// -------------------------------------------------------------------------
// Graceful Shutdown — close services + stop servers
// -------------------------------------------------------------------------

// gracefulShutdown performs an orderly shutdown: signals systemd, stops
// the flight recorder, then shuts down HTTP servers. The dispatch loop
// closes every CoAP socket itself when its context ends.
//
// The parent context is already cancelled when this function is called.
// A fresh timeout context is created internally for server drain.
func gracefulShutdown(
	ctx context.Context,
	d *coapDaemon,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	sdNotify(logger, daemon.SdNotifyStopping)
	d.health.SetStatus(healthServiceName, grpchealth.StatusNotServing)

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using the ListenConfig and serves
// HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newHealthServer creates an HTTP server for grpc.health.v1 checks. The
// handler is wrapped with h2c so gRPC health checks connect over
// plaintext HTTP/2. Returns nil when the endpoint is disabled.
func newHealthServer(cfg config.HealthConfig, checker *grpchealth.StaticChecker) *http.Server {
	if cfg.Addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(grpchealth.NewHandler(checker))

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// loadConfig loads the configuration file, or the defaults with one UDP
// service when no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	cfg := config.DefaultConfig()
	cfg.Services = []config.ServiceConfig{config.DefaultService()}
	return cfg, nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
