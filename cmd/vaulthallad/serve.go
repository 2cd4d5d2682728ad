package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vaulthalla/vaulthalla/internal/catalog"
	"github.com/vaulthalla/vaulthalla/internal/catalog/memory"
	"github.com/vaulthalla/vaulthalla/internal/catalog/postgres"
	"github.com/vaulthalla/vaulthalla/internal/config"
	"github.com/vaulthalla/vaulthalla/internal/engine"
	"github.com/vaulthalla/vaulthalla/internal/entrycache"
	"github.com/vaulthalla/vaulthalla/internal/fs"
	"github.com/vaulthalla/vaulthalla/internal/logging"
	"github.com/vaulthalla/vaulthalla/internal/metrics"
	"github.com/vaulthalla/vaulthalla/internal/paths"
	"github.com/vaulthalla/vaulthalla/internal/preview"
	"github.com/vaulthalla/vaulthalla/internal/s3"
	vhsync "github.com/vaulthalla/vaulthalla/internal/sync"
	"github.com/vaulthalla/vaulthalla/internal/tpm"
	"github.com/vaulthalla/vaulthalla/internal/types"
	"github.com/vaulthalla/vaulthalla/internal/vaultkeys"
	"github.com/vaulthalla/vaulthalla/internal/worker"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logging.New("vaulthalla", cfg.Log.Level, cfg.Log.Format)

	master, err := openMasterKey(cfg, log)
	if err != nil {
		return err
	}
	defer master.Close()

	store, err := openCatalog(cfg, master, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := seedSuperadmin(ctx, cfg, store, log); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	cacheMetrics := metrics.NewCacheMetrics(reg)
	syncMetrics := metrics.NewSyncMetrics(reg)

	cache := entrycache.New(store.Entries(), cacheMetrics)
	engines := engine.NewRegistry()

	thumbPool := worker.New("thumbnail", cfg.Workers.Thumbnail, log,
		metrics.NewPoolMetrics(reg, "thumbnail"))
	syncPool := worker.New("sync", cfg.Workers.Sync, log,
		metrics.NewPoolMetrics(reg, "sync"))

	// Rendering lives outside the core; the sink only fans eligible files
	// out to the thumbnail pool where the renderer picks them up.
	sink := preview.QueueSink{Submit: func(f *types.File, _ []byte) {
		thumbPool.Submit(func() {
			log.WithVault(f.VaultID).WithField("path", f.Path).Debug("preview queued")
		})
	}}

	orch := fs.NewOrchestrator(store, cache, sink, engines, log)
	if err := orch.SeedRoot(ctx); err != nil {
		return fmt.Errorf("seed root: %w", err)
	}

	roots := paths.GlobalRoots{
		FuseRoot:    cfg.Paths.FuseRoot,
		BackingRoot: cfg.Paths.BackingRoot,
		CacheRoot:   cfg.Paths.CacheRoot,
	}

	factory := func(ctx context.Context, vault *types.Vault, policy *types.Policy) (*engine.Engine, error) {
		resolver := paths.NewResolver(roots, vault.Name, vault.MountAlias)
		keys := vaultkeys.NewManager(vault.ID, master, store.Keys(), log)
		if err := keys.LoadKey(ctx); err != nil {
			return nil, err
		}
		mountPath := "/" + vault.Name

		if !vault.IsCloud() {
			return engine.NewLocal(vault, policy, resolver, keys, store, orch, mountPath, log), nil
		}

		apiKey, err := store.Vaults().APIKey(ctx, vault.Cloud.APIKeyID)
		if err != nil {
			return nil, fmt.Errorf("api key for vault %d: %w", vault.ID, err)
		}
		ctrl, err := s3.NewController(ctx, apiKey, vault.Cloud.Bucket, log)
		if err != nil {
			return nil, err
		}
		return engine.NewCloud(vault, policy, resolver, keys, store, orch, mountPath, &engine.CloudState{
			S3:              ctrl,
			APIKey:          apiKey,
			Bucket:          vault.Cloud.Bucket,
			EncryptUpstream: vault.Cloud.EncryptUpstream,
		}, log), nil
	}

	controller := vhsync.NewController(store, syncPool, engines, factory, log, syncMetrics)
	if err := controller.Start(ctx); err != nil {
		return fmt.Errorf("start sync controller: %w", err)
	}
	orch.SetRunNow(controller.RunNow)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithSubsystem().WithError(err).Error("metrics server failed")
			}
		}()
	}

	log.WithSubsystem().WithField("version", version).Info("daemon up")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.WithSubsystem().Info("shutting down")

	// Orderly teardown: controller first (drains in-flight events), then
	// the pools, then the catalog (deferred above).
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		cancel()
	}
	controller.Stop()
	syncPool.Stop()
	thumbPool.Stop()
	return nil
}

func openMasterKey(cfg *config.Config, log *logging.Logger) (tpm.Provider, error) {
	provider, err := tpm.NewSealedProvider(tpm.Options{
		Device:     cfg.TPM.Device,
		RuntimeDir: cfg.Paths.RuntimeDir,
	}, log)
	if err == nil {
		return provider, nil
	}
	if !cfg.TPM.AllowFileFallback {
		return nil, err
	}
	log.WithSubsystem().WithError(err).Warn("TPM unavailable, using file-backed master key")
	return tpm.NewFileProvider(cfg.Paths.RuntimeDir, log)
}

func openCatalog(cfg *config.Config, master tpm.Provider, log *logging.Logger) (catalog.Store, error) {
	if cfg.Database.DSN == "" {
		log.WithSubsystem().Warn("no database DSN configured, using the in-memory catalog")
		return memory.New(), nil
	}
	return postgres.Open(cfg.Database.DSN, master.MasterKey(), postgres.Options{
		MaxConnections:  cfg.Database.MaxConnections,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, log)
}

func seedSuperadmin(ctx context.Context, cfg *config.Config, store catalog.Store, log *logging.Logger) error {
	uid, ok, err := config.SuperadminUID(cfg.Paths.RuntimeDir)
	if err != nil || !ok {
		return err
	}
	_, err = store.Users().Create(ctx, &types.User{
		Name:         "superadmin",
		UID:          uid,
		IsSuperadmin: true,
	})
	if err != nil && !errors.Is(err, catalog.ErrConflict) {
		return fmt.Errorf("seed superadmin: %w", err)
	}
	log.WithSubsystem().WithField("uid", uid).Info("superadmin seeded")
	return nil
}
