// cms-storage is the multi-tenant storage service: tenant resolution,
// per-tier isolation routing, a tenant-scoped blob gateway, and
// backup/restore.
//
// It reads configuration from storage.json in the working directory,
// connects to PostgreSQL, bootstraps the tenant registry schema, and
// starts an HTTP server with the tenant-facing media/backup endpoints
// and a management API.
//
// Usage:
//
//	./cms-storage             # reads ./storage.json, starts server
//	./cms-storage -config /etc/cms/storage.json
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/orkinosai/cms-storage/internal/backup"
	"github.com/orkinosai/cms-storage/internal/blob"
	"github.com/orkinosai/cms-storage/internal/config"
	"github.com/orkinosai/cms-storage/internal/metrics"
	"github.com/orkinosai/cms-storage/internal/schema"
	"github.com/orkinosai/cms-storage/internal/server"
	"github.com/orkinosai/cms-storage/internal/storage"
	"github.com/orkinosai/cms-storage/internal/tenant"
)

func main() {
	configPath := flag.String("config", "storage.json", "path to the configuration file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("cms-storage starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("loading config", zap.Error(err))
	}
	logger.Info("config loaded",
		zap.String("listen", cfg.ListenAddr),
		zap.String("registry", cfg.DBConn+"/"+cfg.DBName),
	)

	// Root context cancelled on SIGINT or SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	// Connect to the registry database and bootstrap its schema.
	pgRegistry, err := tenant.OpenRegistry(ctx, cfg.ConnString())
	if err != nil {
		logger.Fatal("connecting registry database", zap.Error(err))
	}
	defer pgRegistry.Close()
	logger.Info("registry connected, schema bootstrapped")

	registry := tenant.NewCachedRegistry(pgRegistry, cfg.CacheTTL())
	resolver := tenant.NewResolver(registry, []byte(cfg.SigningSecret), cfg.BaseDomain)

	router := storage.NewRouter(registry, storage.RouterOptions{
		RetryAttempts: cfg.StorageRetryAttempts,
		RetryBackoff:  cfg.RetryBackoff(),
		Timeout:       cfg.StorageTimeout(),
	}, logger)
	defer router.Close()

	prov := storage.NewProvisioner(cfg.SQLiteDir, cfg.ConnBase(), cfg.SharedDBName, cfg.DBName, logger)
	schemaMgr := schema.NewManager(schema.Manifest(), logger)

	backend, err := blob.NewFSBackend(cfg.BlobDir)
	if err != nil {
		logger.Fatal("opening blob store", zap.Error(err))
	}

	signer := blob.NewURLSigner(cfg.SigningSecret, cfg.TempURLMax())
	gateway := blob.NewGateway(backend, router, registry, signer, blob.Limits{
		MaxImageBytes:    cfg.MaxImageBytes,
		MaxDocumentBytes: cfg.MaxDocumentBytes,
	}, cfg.PublicBaseURL, logger)

	orchestrator := backup.NewOrchestrator(router, backend, logger)
	migrator := storage.NewTierMigrator(registry, router, prov, schemaMgr, logger)

	// Start the HTTP server (blocks until context is cancelled).
	srv := server.New(cfg, server.Deps{
		Registry: registry,
		Resolver: resolver,
		Router:   router,
		Prov:     prov,
		Schema:   schemaMgr,
		Gateway:  gateway,
		Backups:  orchestrator,
		Migrator: migrator,
		Metrics:  metrics.NewMetrics(),
		Logger:   logger,
	})
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("cms-storage stopped")
}
