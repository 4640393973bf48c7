// Command mosaicd serves the cells API, object storage, change feed and mint endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/mosaic/internal/domain/cellstore"
	"github.com/coachpo/mosaic/internal/domain/cellstore/memory"
	"github.com/coachpo/mosaic/internal/infra/config"
	"github.com/coachpo/mosaic/internal/infra/mint"
	"github.com/coachpo/mosaic/internal/infra/objectstore"
	"github.com/coachpo/mosaic/internal/infra/persistence"
	"github.com/coachpo/mosaic/internal/infra/persistence/migrations"
	"github.com/coachpo/mosaic/internal/infra/persistence/postgres"
	"github.com/coachpo/mosaic/internal/infra/realtime"
	httpserver "github.com/coachpo/mosaic/internal/infra/server/http"
	"github.com/coachpo/mosaic/internal/infra/telemetry"
)

const (
	defaultConfigPath        = "config/mosaicd.yaml"
	daemonLoggerPrefix       = "mosaicd "
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	storeShutdownTimeout     = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	databaseConnectTimeout   = 30 * time.Second
	migrationsTimeout        = 60 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newDaemonLogger()

	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, addr=%s, database=%t",
		appCfg.Environment, appCfg.APIServer.Addr, appCfg.Database.Enabled())

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	backend, err := openBackend(ctx, logger, appCfg.Database)
	if err != nil {
		logger.Fatalf("initialise cell store: %v", err)
	}

	objects, err := objectstore.NewDisk(appCfg.Storage.Directory, appCfg.APIServer.PublicURL+"/objects")
	if err != nil {
		logger.Fatalf("initialise object storage: %v", err)
	}

	hub, err := realtime.NewHub(realtime.HubOptions{
		Source:         backend.feed,
		ClientQueue:    appCfg.Realtime.ClientQueue,
		FanoutWorkers:  appCfg.Realtime.FanoutWorkers.Count(),
		WriteTimeout:   appCfg.Realtime.WriteTimeout,
		PingInterval:   appCfg.Realtime.PingInterval,
		OriginPatterns: originPatterns(appCfg.APIServer.AllowedOrigins),
		Logger:         logger,
		Metrics:        telemetry.NewFeedMetrics(),
	})
	if err != nil {
		logger.Fatalf("initialise realtime hub: %v", err)
	}

	mintHandler, err := buildMintHandler(logger, appCfg)
	if err != nil {
		logger.Fatalf("initialise mint endpoint: %v", err)
	}

	handler, err := httpserver.NewHandler(httpserver.Options{
		Cells:          backend.cells,
		Objects:        objects,
		Feed:           hub,
		Mint:           mintHandler,
		Ping:           backend.ping,
		AllowedOrigins: appCfg.APIServer.AllowedOrigins,
		MaxUploadBytes: appCfg.APIServer.MaxUploadBytes,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatalf("initialise http handler: %v", err)
	}
	apiServer := buildAPIServer(appCfg.APIServer, handler)

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("realtime hub: %v", err)
		}
	})
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("api listening on %s (public %s)", apiServer.Addr, appCfg.APIServer.PublicURL)

	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		store:      backend.close,
		telemetry:  telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newDaemonLogger() *log.Logger {
	return log.New(os.Stdout, daemonLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.Enabled = telemetryCfg.Enabled || cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

type backend struct {
	cells cellstore.Store
	feed  cellstore.Feed
	ping  func(context.Context) error
	close func(context.Context) error
}

// openBackend selects PostgreSQL when a DSN is configured and the in-memory
// store otherwise.
func openBackend(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (backend, error) {
	if !cfg.Enabled() {
		logger.Print("no database configured; using in-memory cell store")
		store := memory.NewStore()
		return backend{cells: store, feed: store, close: func(context.Context) error { return nil }}, nil
	}

	if cfg.RunMigrations {
		migrateCtx, cancel := context.WithTimeout(ctx, migrationsTimeout)
		err := migrations.ApplyEmbedded(migrateCtx, cfg.DSN, logger)
		cancel()
		if err != nil {
			return backend{}, fmt.Errorf("apply migrations: %w", err)
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, databaseConnectTimeout)
	defer cancel()
	store, err := persistence.Open(connectCtx, cfg.DSN, persistence.PoolOptions{
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
		ConnectTimeout:  cfg.ConnectTimeout,
	})
	if err != nil {
		return backend{}, err
	}
	postgres.ObservePoolMetrics(store.Pool(), "primary")
	pg := postgres.New(store.Pool(), logger)
	logger.Printf("database connected: maxConns=%d", cfg.MaxConns)
	return backend{
		cells: pg.Cells,
		feed:  pg.Feed,
		ping:  store.Pool().Ping,
		close: func(context.Context) error {
			store.Close()
			return nil
		},
	}, nil
}

func buildMintHandler(logger *log.Logger, cfg config.AppConfig) (http.Handler, error) {
	var minter mint.Minter = mint.LocalMinter{}
	if cfg.Mint.Upstream != "" {
		client, err := mint.NewClient(cfg.Mint.Upstream, &http.Client{Timeout: cfg.Mint.Timeout})
		if err != nil {
			return nil, err
		}
		minter = client
		logger.Printf("mint requests forwarded to %s", cfg.Mint.Upstream)
	} else {
		if cfg.Environment == config.EnvProd {
			return nil, fmt.Errorf("mint upstream required in %s", cfg.Environment)
		}
		logger.Print("no mint upstream configured; issuing local mint references")
	}
	return mint.NewHandler(mint.HandlerOptions{
		Minter:  minter,
		Rate:    cfg.Mint.Rate,
		Burst:   cfg.Mint.Burst,
		Timeout: cfg.Mint.Timeout,
		Logger:  logger,
		Metrics: telemetry.NewMintMetrics(),
	})
}

// originPatterns converts allowed origins into host patterns for the
// WebSocket origin check.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, origin)
	}
	return patterns
}

func buildAPIServer(cfg config.APIServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("api server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	store      func(context.Context) error
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.store != nil {
		shutdownStep("closing cell store", storeShutdownTimeout, cfg.store)
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
