// Package main implements the entry point for tee, the mediating service
// that persists monotone mutations to the shared causal-hypothesis graph.
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

	"github.com/meadowlark-bradsher/tee/config"
	"github.com/meadowlark-bradsher/tee/health"
	"github.com/meadowlark-bradsher/tee/metric"
	"github.com/meadowlark-bradsher/tee/natsclient"
	"github.com/meadowlark-bradsher/tee/service"
	"github.com/meadowlark-bradsher/tee/store"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "tee"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("application failed", "error", err, "exit_code", 1)
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
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("starting tee (hypothesis graph service)",
		"version", Version,
		"config_path", cliCfg.ConfigPath)

	cfg, err := config.NewLoader().LoadFile(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("configuration is valid")
		return nil
	}

	ctx := context.Background()

	metricsRegistry := metric.NewRegistry()

	natsClient, err := connectNATS(ctx, cfg, metricsRegistry)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
		defer cancel()
		_ = natsClient.Close(closeCtx)
	}()

	graphStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer graphStore.Close()

	svc, err := service.New(service.Dependencies{
		NATSClient:     natsClient,
		Store:          graphStore,
		Metrics:        metricsRegistry,
		Logger:         logger,
		SubjectPrefix:  cfg.Service.SubjectPrefix,
		RequestTimeout: cfg.Service.RequestTimeout,
	})
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	httpServer := startHealthServer(cfg, metricsRegistry, natsClient, graphStore, logger)

	return runWithSignalHandling(ctx, svc, httpServer, cliCfg.ShutdownTimeout)
}

// connectNATS creates the NATS client and waits for the connection
func connectNATS(ctx context.Context, cfg *config.Config, registry *metric.Registry) (*natsclient.Client, error) {
	metrics := registry.Metrics

	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithDisconnectCallback(func(err error) {
			metrics.RecordNATSStatus(false)
			slog.Warn("NATS disconnected", "error", err)
		}),
		natsclient.WithReconnectCallback(func() {
			metrics.RecordNATSStatus(true)
			metrics.RecordNATSReconnect()
			slog.Info("NATS reconnected")
		}),
	}
	if cfg.NATS.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.NATS.ReconnectWait))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	natsClient, err := natsclient.NewClient(cfg.NATS.URLs[0], opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("connecting to NATS")
	if err := natsClient.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := natsClient.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}

	metrics.RecordNATSStatus(true)
	return natsClient, nil
}

// openStore builds the configured store backend and prepares its schema
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Mode {
	case config.StoreModeMemory:
		slog.Warn("using in-memory store; state will not survive restarts")
		return store.NewMemoryStore(), nil
	default:
		pg, err := store.Connect(ctx, cfg.Store.DSN, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to store: %w", err)
		}
		if err := pg.Bootstrap(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("bootstrap store schema: %w", err)
		}
		return pg, nil
	}
}

// startHealthServer exposes /healthz, /readyz and /metrics when enabled
func startHealthServer(
	cfg *config.Config,
	registry *metric.Registry,
	natsClient *natsclient.Client,
	graphStore store.Store,
	logger *slog.Logger,
) *http.Server {
	if cfg.Service.HealthPort == 0 {
		return nil
	}

	monitor := health.NewMonitor(appName)
	monitor.Register("nats", func(context.Context) error {
		if !natsClient.IsHealthy() {
			return natsclient.ErrNotConnected
		}
		return nil
	})
	monitor.Register("store", graphStore.Ping)

	mux := http.NewServeMux()
	mux.Handle("/healthz", monitor.LivenessHandler())
	mux.Handle("/readyz", monitor.ReadinessHandler())
	mux.Handle("/metrics", registry.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Service.HealthPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("health server listening", "port", cfg.Service.HealthPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", "error", err)
		}
	}()

	return server
}

// runWithSignalHandling starts the service and waits for shutdown signals
func runWithSignalHandling(
	ctx context.Context,
	svc *service.Service,
	httpServer *http.Server,
	shutdownTimeout time.Duration,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := svc.Start(signalCtx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	slog.Info("tee started")

	<-signalCtx.Done()
	slog.Info("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	svc.Stop()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("health server shutdown failed", "error", err)
		}
	}

	slog.Info("tee shutdown complete")
	return nil
}
