package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ziqrishahab/pelaris-edge/internal/api"
	"github.com/ziqrishahab/pelaris-edge/internal/apiclient"
	"github.com/ziqrishahab/pelaris-edge/internal/app"
	"github.com/ziqrishahab/pelaris-edge/internal/cache"
	"github.com/ziqrishahab/pelaris-edge/internal/database"
	"github.com/ziqrishahab/pelaris-edge/internal/monitoring"
	"github.com/ziqrishahab/pelaris-edge/internal/monitoring/checks"
	"github.com/ziqrishahab/pelaris-edge/internal/offline"
	"github.com/ziqrishahab/pelaris-edge/internal/realtime"
	"github.com/ziqrishahab/pelaris-edge/internal/sync"
	"github.com/ziqrishahab/pelaris-edge/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pelaris-edge", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel, cfg.Server.LogConsole); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithComponent("bootstrap")
	log.Info("starting edge agent", zap.String("branch", cfg.Sync.BranchID))

	// The offline store opens lazily and degrades to a no-op surface if the
	// local database cannot be opened; the agent still runs online-only.
	store := offline.New(func() (*gorm.DB, error) {
		db, err := database.Open(database.Config{Path: cfg.Store.Path, DSN: cfg.Store.DSN})
		if err != nil {
			return nil, err
		}
		if err := database.Migrate(db); err != nil {
			return nil, err
		}
		return db, nil
	})
	store.Initialize()
	defer closeStore(store, log)

	memory := cache.NewMemory()

	backend := apiclient.New(apiclient.Config{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.API.Token,
		Timeout: cfg.API.Timeout,
	})

	var channel *realtime.Channel
	if cfg.Realtime.Enabled {
		url := cfg.Realtime.URL
		if url == "" {
			url = realtime.EndpointFromBaseURL(cfg.API.BaseURL)
		}
		channel = realtime.NewChannel(realtime.Config{
			URL:              url,
			MaxAttempts:      cfg.Realtime.MaxAttempts,
			MinBackoff:       cfg.Realtime.MinBackoff,
			MaxBackoff:       cfg.Realtime.MaxBackoff,
			HandshakeTimeout: cfg.Realtime.HandshakeTimeout,
		})
		defer channel.Disconnect()
	}

	var events sync.EventSource
	if channel != nil {
		events = channel
	}

	syncSvc, err := sync.New(sync.Config{
		BranchID:          cfg.Sync.BranchID,
		ReconcileSchedule: cfg.Sync.ReconcileSchedule,
	}, backend, store, memory, events)
	if err != nil {
		return fmt.Errorf("initialise sync service: %w", err)
	}
	if err := syncSvc.Start(ctx); err != nil {
		return fmt.Errorf("start sync service: %w", err)
	}
	defer syncSvc.Stop()

	if channel != nil {
		channel.Connect(ctx)
	}

	health := monitoring.NewHealthManager()
	health.Register(checks.Store(store, 0))
	health.Register(checks.Backend(nil, cfg.API.BaseURL, 0))
	if channel != nil {
		health.Register(checks.Realtime(channel))
	}

	deps := api.Dependencies{
		BranchID: cfg.Sync.BranchID,
		Health:   health,
		Sync:     syncSvc,
		Store:    store,
	}
	if channel != nil {
		deps.Channel = channel
	}

	router, err := api.NewRouter(cfg, deps)
	if err != nil {
		return fmt.Errorf("build status router: %w", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("status server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("agent stopped gracefully")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}

func closeStore(store *offline.Store, log *zap.Logger) {
	db := store.DB()
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close offline store", zap.Error(err))
	}
}
