// Package main implements the session service process: it owns the session
// directory, answers the session protocol subjects on the bus, and announces
// its own liveness.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/michalspano/appointdent/busclient"
	"github.com/michalspano/appointdent/config"
	apperrors "github.com/michalspano/appointdent/errors"
	"github.com/michalspano/appointdent/heartbeat"
	"github.com/michalspano/appointdent/metric"
	"github.com/michalspano/appointdent/pkg/retry"
	"github.com/michalspano/appointdent/sessiondir"
	"github.com/michalspano/appointdent/sessionsvc"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "sessions"
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
		slog.Error("Session service failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		flag.Usage()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("Starting session service",
		"version", Version,
		"build_time", BuildTime,
		"store_path", cfg.StorePath)

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	metricsRegistry := metric.NewMetricsRegistry()

	store, err := sessiondir.Open(cfg.StorePath, logger)
	if err != nil {
		return fmt.Errorf("open session directory: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("store close failed", "error", err)
		}
	}()

	bus, err := connectBus(ctx, cfg, metricsRegistry.CoreMetrics())
	if err != nil {
		return err
	}
	defer closeBus(bus, cliCfg.ShutdownTimeout)

	svc := sessionsvc.NewService(store, bus,
		sessionsvc.WithSessionTTL(cfg.SessionTTL),
		sessionsvc.WithLogger(logger),
		sessionsvc.WithMetrics(metricsRegistry.CoreMetrics()),
	)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start session service: %w", err)
	}
	defer svc.Stop() //nolint:errcheck

	publisher := heartbeat.NewPublisher(appName, bus,
		heartbeat.WithPublishInterval(cfg.HeartbeatInterval),
		heartbeat.WithPublisherLogger(logger),
	)
	if err := publisher.Start(ctx); err != nil {
		return fmt.Errorf("start heartbeat publisher: %w", err)
	}
	defer publisher.Stop()

	slog.Info("session service ready")
	<-ctx.Done()
	slog.Info("shutdown signal received")

	return nil
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
