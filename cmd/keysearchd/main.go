package main

import (
	"context"
	_ "embed"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-keysearch/internal/api"
	"github.com/tinywideclouds/go-keysearch/internal/logging"
	"github.com/tinywideclouds/go-keysearch/keysearch"
	"github.com/tinywideclouds/go-keysearch/keysearch/config"
)

//go:embed local.yaml
var configFile []byte

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults to the embedded local config)")
	flag.Parse()

	zlog := zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	logger := logging.NewLogger(zlog)
	ctx := context.Background()

	// --- 1. Load Configuration ---
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath, logger)
	} else {
		cfg, err = config.Load(configFile, logger)
	}
	if err != nil {
		exitWithError(logger, "Failed to load configuration", err)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		exitWithError(logger, "Invalid log level", err)
	}
	zlog = zlog.Level(logging.MapLevel(level))
	logger = logging.NewLogger(zlog)
	logger.Info("Configuration loaded", "run_mode", cfg.RunMode, "servers", len(cfg.Servers))

	// --- 2. Dependency Injection ---
	store, closeStore, err := keysearch.NewMirrorStore(ctx, cfg, logger)
	if err != nil {
		exitWithError(logger, "Failed to initialize mirror store", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("Failed to close mirror store", "err", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine, err := keysearch.NewEngineFromConfig(cfg, store, registry, logger)
	if err != nil {
		exitWithError(logger, "Failed to initialize search engine", err)
	}

	authMiddleware, err := newAuthMiddleware(ctx, cfg, logger)
	if err != nil {
		exitWithError(logger, "Failed to initialize authentication middleware", err)
	}

	service := keysearch.NewService(cfg, engine, store, authMiddleware, logger, keysearch.WithGatherer(registry))

	// --- 3. Start Service and Handle Shutdown ---
	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting service...", "address", cfg.HTTPListenAddr)
		if startErr := service.Start(); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
			errChan <- startErr
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		exitWithError(logger, "Service failed", err)
	case sig := <-quit:
		logger.Info("OS signal received, initiating shutdown.", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if shutdownErr := service.Shutdown(ctx); shutdownErr != nil {
			logger.Error("Service shutdown failed", "err", shutdownErr)
		} else {
			logger.Info("Service shutdown complete")
		}
	}
}

// exitWithError logs at fatal level and terminates the process.
func exitWithError(logger *slog.Logger, msg string, err error) {
	_ = logging.Fatal(logger, msg, err)
	os.Exit(1)
}

// newAuthMiddleware creates the JWT-validating middleware for mirror uploads.
// Without an identity service every upload is rejected.
func newAuthMiddleware(ctx context.Context, cfg *config.Config, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	if cfg.IdentityServiceURL == "" {
		logger.Warn("No identity service configured, mirror uploads are disabled")
		return func(http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				api.WriteJSONError(w, http.StatusUnauthorized, "Unauthorized: uploads are disabled")
			})
		}, nil
	}
	return api.NewJWKSAuthMiddleware(ctx, cfg.IdentityServiceURL, logger)
}
