// Package main is the entry point for the veilgate binary.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/veilgate/veilgate/pkg/audit"
	"github.com/veilgate/veilgate/pkg/config"
	"github.com/veilgate/veilgate/pkg/gateway"
	"github.com/veilgate/veilgate/pkg/logging"
	"github.com/veilgate/veilgate/pkg/telemetry"
)

const defaultConfigPath = "config.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	prettyLogs := flag.Bool("pretty", false, "Enable pretty console logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "config", *configPath, "error", err)
		os.Exit(1)
	}

	level := cfg.Logging.Level
	if *logLevel != "" {
		level = *logLevel
	}
	logger := logging.NewLogger(logging.Config{
		Level:  level,
		Pretty: *prettyLogs || cfg.Logging.Pretty,
	})
	slog.SetDefault(logger)

	logger.Info("Starting veilgate",
		"config", *configPath,
		"data_addr", cfg.Server.DataAddress,
		"admin_addr", cfg.Server.AdminAddress,
	)

	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "veilgate",
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	cfgProvider, err := config.NewFileConfigProvider(*configPath, logger)
	if err != nil {
		logger.Error("Failed to initialize config provider", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := cfgProvider.Close(); err != nil {
			logger.Error("Failed to close config provider", "error", err)
		}
	}()

	auditStore, closeAudit, err := buildAuditStore(ctx, cfg.Redis.Address, logger)
	if err != nil {
		logger.Error("Failed to initialize audit store", "error", err)
		os.Exit(1)
	}
	defer closeAudit()

	metrics := telemetry.NewMetrics()
	invoker := gateway.NewHTTPInvoker(60 * time.Second)

	gw, err := gateway.New(cfgProvider.CurrentSnapshot(), invoker, auditStore, metrics, logger)
	if err != nil {
		logger.Error("Failed to assemble gateway", "error", err)
		os.Exit(1)
	}

	go watchConfig(cfgProvider, gw, logger)

	dataHandler := gateway.NewHandler(gw, logger)
	dataServer := startServer(cfg.Server.DataAddress, otelhttp.NewHandler(dataHandler.Routes(), "veilgate.data"), logger)

	adminHandler := gateway.NewAdminHandler(gw, auditStore, metrics, logger)
	adminServer := startServer(cfg.Server.AdminAddress, adminHandler.Routes(), logger)

	waitForShutdown(logger, dataServer, adminServer)

	if err := shutdownTracing(context.Background()); err != nil {
		logger.Error("Tracing shutdown error", "error", err)
	}
}

func buildAuditStore(ctx context.Context, redisAddr string, logger *slog.Logger) (audit.Store, func(), error) {
	if redisAddr == "" {
		return audit.NewMemoryStore(), func() {}, nil
	}

	store, err := audit.NewRedisStore(ctx, redisAddr)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Audit events persisted to Redis", "addr", redisAddr)
	return store, func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close Redis store", "error", err)
		}
	}, nil
}

func watchConfig(provider *config.FileConfigProvider, gw *gateway.Gateway, logger *slog.Logger) {
	updates := provider.Subscribe()
	first := true
	for snapshot := range updates {
		if first {
			// The initial snapshot already configured the gateway.
			first = false
			continue
		}
		if err := gw.Apply(snapshot); err != nil {
			logger.Error("Failed to apply configuration update", "error", err)
		}
	}
}

func startServer(addr string, handler http.Handler, logger *slog.Logger) *http.Server {
	server := &http.Server{
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("Failed to bind listener", "addr", addr, "error", err)
		os.Exit(1)
	}

	logger.Info("Server listening", "addr", listener.Addr().String())

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	return server
}

func waitForShutdown(logger *slog.Logger, servers ...*http.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("Shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, server := range servers {
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Shutdown error", "error", err)
		}
	}
}
