// Package main is the entry point for the gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/avregw/internal/auth"
	"github.com/vyrodovalexey/avregw/internal/backend"
	"github.com/vyrodovalexey/avregw/internal/config"
	"github.com/vyrodovalexey/avregw/internal/gateway"
	"github.com/vyrodovalexey/avregw/internal/middleware"
	"github.com/vyrodovalexey/avregw/internal/observability"
	"github.com/vyrodovalexey/avregw/internal/proxy"
	"github.com/vyrodovalexey/avregw/internal/registry"
	"github.com/vyrodovalexey/avregw/internal/router"
	"github.com/vyrodovalexey/avregw/internal/secrets"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig(flags, logger)
	runGateway(cfg, flags.configPath, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("GATEWAY_CONFIG_PATH", ""),
		"Path to optional YAML configuration overlay")
	logLevel := flag.String("log-level", getEnvOrDefault("LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("avregw version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadConfig builds the configuration from environment, optional file
// overlay, and Vault, then validates it.
func loadConfig(flags cliFlags, logger observability.Logger) *config.Config {
	logger.Info("starting avregw",
		observability.String("version", version),
		observability.String("config", flags.configPath),
	)

	cfg := config.FromEnv()
	if flags.configPath != "" {
		if err := cfg.ApplyFile(flags.configPath); err != nil {
			logger.Fatal("failed to load configuration file", observability.Error(err))
		}
	}

	if err := resolveVaultSecrets(cfg, logger); err != nil {
		logger.Fatal("failed to resolve vault secrets", observability.Error(err))
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", observability.Error(err))
	}

	if cfg.WeakEncryptionKey() {
		logger.Warn("encryption key is missing or shorter than 32 characters, " +
			"stored credentials may fail to decrypt")
	}

	return cfg
}

// runGateway wires the components and serves until interrupted.
func runGateway(cfg *config.Config, configPath string, logger observability.Logger) {
	client := registry.NewClient(cfg.RegistryURL, cfg.APIKey,
		registry.WithClientLogger(logger))
	cipher := secrets.NewCipher(cfg.EncryptionKey,
		secrets.WithCipherLogger(logger))
	cache := backend.NewCache(client, cipher,
		backend.WithCacheLogger(logger),
		backend.WithCacheTTL(cfg.CacheTTL))
	rt := router.New(cache, router.WithRouterLogger(logger))
	authn := auth.New(client,
		auth.WithAuthLogger(logger),
		auth.WithTokenTTL(cfg.TokenTTL))
	forwarder := proxy.NewForwarder(
		proxy.WithForwarderLogger(logger),
		proxy.WithVersion(version))
	prober := backend.NewProber(
		backend.WithProberLogger(logger),
		backend.WithProberTimeout(cfg.ProbeTimeout))

	// Origins go through an atomic pointer so a config reload swaps them
	// without rebuilding the middleware chain.
	origins := &atomic.Pointer[[]string]{}
	origins.Store(&cfg.AllowedOrigins)

	handler := gateway.New(cache, rt, authn, forwarder, prober,
		gateway.WithHandlerLogger(logger),
		gateway.WithHandlerVersion(version),
		gateway.WithUserLister(client),
		gateway.WithLoginRateLimiter(middleware.NewRateLimiter(cfg.LoginRPS, cfg.LoginBurst)))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", handler)

	chain := middleware.Recovery(logger)(
		middleware.RequestID()(
			middleware.Logging(logger)(
				middleware.Metrics()(
					middleware.SecurityHeaders()(
						middleware.CORS(func() []string { return *origins.Load() })(mux))))))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           chain,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startConfigWatcher(ctx, configPath, cache, authn, origins, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening",
			observability.String("addr", server.Addr),
			observability.String("registry", cfg.RegistryURL),
			observability.Duration("cache_ttl", cfg.CacheTTL),
		)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", observability.Error(err))
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", observability.Error(err))
	} else {
		logger.Info("gateway stopped")
	}
}

// startConfigWatcher re-applies runtime tunables when the overlay file
// changes. Registry credentials are fixed for the process lifetime.
func startConfigWatcher(
	ctx context.Context,
	configPath string,
	cache *backend.Cache,
	authn *auth.Authenticator,
	origins *atomic.Pointer[[]string],
	logger observability.Logger,
) {
	if configPath == "" {
		return
	}

	watcher, err := config.NewWatcher(configPath, config.FromEnv, func(next *config.Config) {
		cache.SetTTL(next.CacheTTL)
		authn.SetTokenTTL(next.TokenTTL)
		origins.Store(&next.AllowedOrigins)
		logger.Info("runtime configuration updated",
			observability.Duration("cache_ttl", next.CacheTTL),
			observability.Duration("token_ttl", next.TokenTTL),
		)
	}, config.WithWatcherLogger(logger))
	if err != nil {
		logger.Error("config watcher unavailable", observability.Error(err))
		return
	}

	if err := watcher.Start(ctx); err != nil {
		logger.Error("config watcher failed to start", observability.Error(err))
	}
}
