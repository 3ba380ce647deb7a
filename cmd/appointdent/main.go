// Package main implements the AppointDent gateway process: it discovers,
// builds and spawns the backend services, watches their heartbeats, and
// fronts them with a reverse proxy and admission queue.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/michalspano/appointdent/busclient"
	"github.com/michalspano/appointdent/config"
	apperrors "github.com/michalspano/appointdent/errors"
	"github.com/michalspano/appointdent/gateway"
	"github.com/michalspano/appointdent/heartbeat"
	"github.com/michalspano/appointdent/metric"
	"github.com/michalspano/appointdent/orchestrator"
	"github.com/michalspano/appointdent/pkg/retry"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "appointdent"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Gateway failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, manifest, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	metricsRegistry := metric.NewMetricsRegistry()

	bus, err := connectBus(ctx, cfg, metricsRegistry.CoreMetrics())
	if err != nil {
		return err
	}
	defer closeBus(bus, cliCfg.ShutdownTimeout)

	services, err := orchestrator.Discover(cfg.ServicesRoot)
	if err != nil {
		return fmt.Errorf("discover services: %w", err)
	}
	slog.Info("services discovered", "root", cfg.ServicesRoot, "services", services)

	monitor := heartbeat.NewMonitor(services, bus,
		heartbeat.WithPanicThreshold(cfg.PanicThreshold),
		heartbeat.WithMonitorMetrics(metricsRegistry.CoreMetrics()))
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("start heartbeat monitor: %w", err)
	}
	defer monitor.Stop()

	orch := orchestrator.New(
		orchestrator.WithOnExit(func(service string, err error) {
			slog.Error("managed service down", "service", service, "error", err)
		}),
	)
	defer orch.Shutdown()

	// Build failures are isolated per service; the gateway serves whatever
	// came up.
	if err := orch.Launch(ctx, serviceSpecs(cfg, manifest, services)); err != nil {
		slog.Error("some services failed to launch", "error", err)
	}

	srv, err := setupHTTPServer(cfg, manifest, monitor, metricsRegistry)
	if err != nil {
		return err
	}

	return serve(ctx, srv, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting AppointDent gateway",
		"version", Version,
		"build_time", BuildTime,
		"manifest", cliCfg.ManifestPath)

	return cliCfg, false, nil
}

// initializeConfiguration loads the env config and the deployment manifest
func initializeConfiguration(cliCfg *CLIConfig) (config.Config, *config.Manifest, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}

	manifest, err := config.LoadManifest(cliCfg.ManifestPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load manifest: %w", err)
	}

	return cfg, manifest, nil
}

func connectBus(ctx context.Context, cfg config.Config, metrics *metric.Metrics) (*busclient.Client, error) {
	bus, err := busclient.NewClient(cfg.BusURL,
		busclient.WithClientName(appName),
		busclient.WithHealthChangeCallback(func(healthy bool) {
			v := 0.0
			if healthy {
				v = 1.0
			}
			metrics.BusConnected.Set(v)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create bus client: %w", err)
	}

	// The broker may still be coming up when we are; retry the connect
	// with backoff before giving up.
	slog.Info("Connecting to bus", "url", cfg.BusURL)
	connectCfg := apperrors.DefaultRetryConfig().ToRetryConfig()
	err = retry.Do(ctx, connectCfg, func() error {
		return bus.Connect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("connect to bus: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := bus.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("bus connection timeout: %w", err)
	}

	return bus, nil
}

func closeBus(bus *busclient.Client, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := bus.Close(ctx); err != nil {
		slog.Warn("bus close failed", "error", err)
	}
}

// serviceSpecs pairs every discovered service directory with its manifest
// commands, if any.
func serviceSpecs(cfg config.Config, manifest *config.Manifest, services []string) []orchestrator.ServiceSpec {
	specs := make([]orchestrator.ServiceSpec, 0, len(services))
	for _, name := range services {
		spec := orchestrator.ServiceSpec{
			Name: name,
			Dir:  cfg.ServicesRoot + "/" + name,
		}
		if entry, ok := manifest.Service(name); ok {
			spec.Commands = orchestrator.Commands{
				Build:     entry.Build,
				Reinstall: entry.Reinstall,
				Start:     entry.Start,
			}
		}
		specs = append(specs, spec)
	}
	return specs
}

func setupHTTPServer(
	cfg config.Config,
	manifest *config.Manifest,
	monitor *heartbeat.Monitor,
	metricsRegistry *metric.MetricsRegistry,
) (*http.Server, error) {
	router, err := gateway.NewRouter(manifest.Routes,
		gateway.WithMonitor(monitor),
		gateway.WithMetrics(metricsRegistry.CoreMetrics()),
		gateway.WithMetricsHandler(metricsRegistry.Handler()),
		gateway.WithProxyTimeout(cfg.ProxyTimeout),
		gateway.WithConcurrency(cfg.QueueConcurrency),
	)
	if err != nil {
		return nil, fmt.Errorf("build router: %w", err)
	}

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

// serve runs the HTTP server until the context is cancelled or the listener
// fails, then shuts it down within the timeout.
func serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	return nil
}
