// Package main is the entry point for the TeamVault daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teamvault-io/teamvault/internal/access"
	"github.com/teamvault-io/teamvault/internal/audit"
	"github.com/teamvault-io/teamvault/internal/breakglass"
	"github.com/teamvault-io/teamvault/internal/config"
	"github.com/teamvault-io/teamvault/internal/keyring"
	"github.com/teamvault-io/teamvault/internal/logging"
	"github.com/teamvault-io/teamvault/internal/metrics"
	"github.com/teamvault-io/teamvault/internal/rotation"
	"github.com/teamvault-io/teamvault/internal/store"
	"github.com/teamvault-io/teamvault/internal/vault"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logging.Setup(cfg.Security.LogLevel)
	logger := logging.Component("daemon")
	logger.Info("starting TeamVault", "version", version, "dir", cfg.Vault.Dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := store.NewBoltStore(filepath.Join(cfg.Vault.Dir, "teamvault.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()

	if _, err := s.GetMeta(); errors.Is(err, store.ErrNotFound) {
		if err := s.SetMeta(&store.VaultMeta{
			Version:   1,
			VaultID:   uuid.New().String(),
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("write vault meta: %w", err)
		}
		logger.Info("vault initialized")
	} else if err != nil {
		return fmt.Errorf("read vault meta: %w", err)
	}

	kr, err := openKeyring(s, cfg, logger)
	if err != nil {
		return err
	}
	defer kr.Close()

	clk := clock.WallClock
	recorder := audit.NewRecorder(s, clk)

	engine, err := access.NewEngine(s, recorder, cfg.Security.ExecutiveTeam, cfg.Security.AdminTeam)
	if err != nil {
		return fmt.Errorf("load access policy: %w", err)
	}
	if cfg.Security.PolicySeedFile != "" {
		seed, err := access.LoadSeedFile(cfg.Security.PolicySeedFile)
		if err != nil {
			return fmt.Errorf("load policy seed: %w", err)
		}
		if err := engine.Bootstrap(seed); err != nil {
			return fmt.Errorf("bootstrap policy: %w", err)
		}
	}

	manager := vault.NewManager(s, kr, engine, recorder, clk,
		cfg.Vault.OpTimeout, cfg.Vault.RetentionWindow)

	scheduler := rotation.NewScheduler(manager, s, clk,
		cfg.Security.AdminTeam, cfg.Rotation.GraceWindow, cfg.Rotation.MaxAge)

	alerts := logging.Component("alerts")
	registry := breakglass.NewRegistry(s, recorder, clk, func(ev breakglass.AlertEvent) {
		alerts.Warn("break-glass alert",
			"kind", ev.Kind, "token_id", ev.TokenID, "actor", ev.Actor, "detail", ev.Detail)
	}, cfg.BreakGlass.DefaultDuration, cfg.BreakGlass.MaxDuration)

	if err := manager.RefreshMetrics(ctx); err != nil {
		logger.Error("initial metrics refresh failed", "error", err)
	}

	// Rotation sweeps on their own cadence.
	go func() {
		if err := scheduler.Run(ctx, cfg.Rotation.CheckInterval); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("rotation loop stopped", "error", err)
		}
	}()

	// Maintenance: purge expired versions and tombstones, drop audit
	// partitions past retention, drop stale break-glass tokens.
	go func() {
		ticker := time.NewTicker(cfg.Vault.MaintenanceInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := manager.PurgeExpired(ctx); err != nil {
					logger.Error("failed to purge expired versions", "error", err)
				}
				if _, err := recorder.Cleanup(ctx, cfg.Audit.Retention); err != nil {
					logger.Error("failed to clean up audit partitions", "error", err)
				}
				if _, err := registry.CleanupExpired(ctx); err != nil {
					logger.Error("failed to clean up break-glass tokens", "error", err)
				}
				if err := manager.RefreshMetrics(ctx); err != nil {
					logger.Error("failed to refresh metrics", "error", err)
				}
			}
		}
	}()

	var metricsServer *http.Server
	if cfg.Vault.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Vault.MetricsAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Vault.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
				cancel()
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutting down")
	case <-ctx.Done():
		logger.Info("context canceled")
	}
	cancel()

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown failed: %w", err)
		}
	}

	logger.Info("stopped")
	return nil
}

// openKeyring unlocks an existing vault or initializes a fresh one when
// no envelope exists yet.
func openKeyring(s store.Store, cfg *config.Config, logger *slog.Logger) (*keyring.Keyring, error) {
	if _, err := s.GetEnvelope(); errors.Is(err, store.ErrNotFound) {
		kr, err := keyring.Init(s, cfg.Security.MasterPassphrase, cfg.Security.KDFIterations)
		if err != nil {
			return nil, fmt.Errorf("initialize master key: %w", err)
		}
		logger.Info("master key envelope created", "kdf_iterations", cfg.Security.KDFIterations)
		return kr, nil
	} else if err != nil {
		return nil, fmt.Errorf("read master key envelope: %w", err)
	}

	start := time.Now()
	kr, err := keyring.Unlock(s, cfg.Security.MasterPassphrase)
	if err != nil {
		return nil, fmt.Errorf("unlock vault: %w", err)
	}
	metrics.UnlockDuration.Observe(time.Since(start).Seconds())
	logger.Info("vault unlocked", "took", time.Since(start).Round(time.Millisecond).String())
	return kr, nil
}
