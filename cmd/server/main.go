// @title           Datashelf Storage Gateway API
// @version         1.0.0
// @description     Unified file operations over user-configured cloud storage backends
// @license.name    Apache-2.0
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                        Authorization
// @description                 "JWT bearer token: 'Bearer {token}'"
//
// @tag.name         System
// @tag.description  Health, readiness and version endpoints.
//
// @tag.name         Observability
// @tag.description  Prometheus metrics are served on a dedicated port (default: 9090), separate from the API listener. Configure it with DATASHELF_TELEMETRY_METRICS_PORT. The path is always GET /metrics.

// Package main is the entry point for the storage gateway binary. It
// dispatches four subcommands (serve, migrate, keygen, version) via a switch
// on os.Args. serve runs migrations on startup.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/datashelf/gateway/internal/adapter"
	_ "github.com/datashelf/gateway/internal/adapter/azure"
	"github.com/datashelf/gateway/internal/adapter/local"
	_ "github.com/datashelf/gateway/internal/adapter/gcs"
	_ "github.com/datashelf/gateway/internal/adapter/s3"
	"github.com/datashelf/gateway/internal/api"
	"github.com/datashelf/gateway/internal/audit"
	"github.com/datashelf/gateway/internal/auth"
	"github.com/datashelf/gateway/internal/config"
	"github.com/datashelf/gateway/internal/db"
	"github.com/datashelf/gateway/internal/db/repositories"
	"github.com/datashelf/gateway/internal/gateway"
	"github.com/datashelf/gateway/internal/middleware"
	"github.com/datashelf/gateway/internal/telemetry"
	"github.com/datashelf/gateway/internal/vault"
)

const (
	auditBuffer       = 1024
	auditShipTimeout  = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
	metricsIOTimeouts = 10 * time.Second
)

func main() {
	err := run()
	memguard.Purge()
	if err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	// Commands that need no configuration
	switch command {
	case "version":
		fmt.Printf("Datashelf gateway %s\n", api.Version)
		return nil
	case "keygen":
		return keygen()
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, keygen, version", command)
	}
}

func serve(cfg *config.Config) error {
	closer := telemetry.SetupLogger(cfg.Logging)
	defer closer.Close()

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	v, err := vault.Open(ctx, &cfg.Vault)
	if err != nil {
		return fmt.Errorf("failed to open credential vault: %w", err)
	}
	slog.Info("credential vault ready", "key_source", cfg.Vault.KeySource)

	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	database, err := db.Connect(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	slog.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)

	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if version, dirty, err := db.MigrationVersion(database); err != nil {
		slog.Warn("failed to read migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", version, "dirty", dirty)
	}

	telemetry.StartDBStatsCollector(ctx, database)

	if cfg.Adapters.AllowLocal {
		if err := local.Register(adapter.Default(), cfg.Adapters.LocalRoot); err != nil {
			return fmt.Errorf("failed to register local adapter: %w", err)
		}
		slog.Warn("local filesystem adapter enabled", "root", cfg.Adapters.LocalRoot)
	}

	shipper, err := openShipper(cfg.Audit)
	if err != nil {
		return fmt.Errorf("failed to configure audit shippers: %w", err)
	}
	if shipper != nil {
		defer func() {
			if err := shipper.Close(); err != nil {
				slog.Warn("audit shipper close failed", "error", err)
			}
		}()
	}

	gw := gateway.New(gateway.Options{
		Configs:      repositories.NewAdapterConfigRepository(database),
		Accounts:     repositories.NewAccountRepository(database),
		Operations:   repositories.NewOperationRepository(database),
		Vault:        v,
		Registry:     adapter.Default(),
		Shipper:      shipper,
		ProbeTimeout: cfg.Adapters.ProbeTimeout,
		DefaultQuota: cfg.Uploads.DefaultQuota,
	})

	rdb := middleware.NewRedisClient(cfg.Redis)
	if rdb != nil {
		defer rdb.Close()
		slog.Info("rate limits shared through redis", "addr", cfg.Redis.Addr)
	}

	router, bg := api.NewRouter(cfg, api.Dependencies{
		Gateway: gw,
		Tokens:  tokens,
		DB:      database,
		Redis:   rdb,
	})
	defer bg.Shutdown()

	if cfg.Telemetry.MetricsEnabled {
		startMetricsServer(cfg.Telemetry.MetricsPort)
	}

	server := &http.Server{
		Addr:              cfg.Server.GetAddress(),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", server.Addr, "adapters", gw.Registry().Types())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// openShipper returns nil when no audit shippers are enabled.
func openShipper(cfg config.AuditConfig) (audit.Shipper, error) {
	ms, err := audit.NewMultiShipper(cfg.Shippers)
	if err != nil {
		return nil, err
	}
	if ms.Len() == 0 {
		return nil, nil
	}
	slog.Info("audit shipping enabled", "shippers", ms.Len())
	return audit.NewAsyncShipper(ms, auditBuffer, auditShipTimeout), nil
}

// startMetricsServer serves /metrics on its own port so the scrape path is not
// reachable through the API listener.
func startMetricsServer(port int) {
	addr := fmt.Sprintf(":%d", port)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		slog.Info("starting Prometheus metrics server", "addr", addr)
		srv := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadTimeout:       metricsIOTimeouts,
			ReadHeaderTimeout: metricsIOTimeouts,
			WriteTimeout:      metricsIOTimeouts,
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(context.Background(), &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	log.Printf("Running migrations: %s", direction)
	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := db.MigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	log.Printf("Migration completed successfully. Current version: %d (dirty: %v)", version, dirty)
	return nil
}

// keygen prints a fresh master key suitable for ENCRYPTION_KEY.
func keygen() error {
	key, err := vault.GenerateKey()
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(key)
	fmt.Println(base64.StdEncoding.EncodeToString(key))
	return nil
}
