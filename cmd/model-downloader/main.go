package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vertextoedge/model-downloader/internal/adapter/filesystem"
	"github.com/vertextoedge/model-downloader/internal/adapter/httpclient"
	"github.com/vertextoedge/model-downloader/internal/adapter/memory"
	"github.com/vertextoedge/model-downloader/internal/adapter/sqlite"
	"github.com/vertextoedge/model-downloader/internal/config"
	"github.com/vertextoedge/model-downloader/internal/domain/event"
	"github.com/vertextoedge/model-downloader/internal/logger"
	"github.com/vertextoedge/model-downloader/internal/metrics"
	"github.com/vertextoedge/model-downloader/internal/port"
	"github.com/vertextoedge/model-downloader/internal/service/downloader"
	"github.com/vertextoedge/model-downloader/internal/service/lifecycle"
	"github.com/vertextoedge/model-downloader/internal/service/server"
)

const version = "0.1.0"

// stateStore is what the daemon needs from either store driver
type stateStore interface {
	port.StateStore
	port.Pinger
}

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (defaults and MODELDL_* env when empty)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.InitWithOptions(logger.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	zapLogger := logger.GetZapLogger()
	zapLogger.Info("starting model-downloader",
		zap.String("version", version),
		zap.String("config", *configPath),
	)

	if err := run(cfg, zapLogger); err != nil {
		zapLogger.Error("model-downloader stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	zapLogger.Info("application stopped successfully")
}

func run(cfg *config.Config, zapLogger *zap.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	// Initialize filesystem manager
	fsManager, err := filesystem.NewManager(cfg.Storage.BaseDir)
	if err != nil {
		return fmt.Errorf("failed to create filesystem manager: %w", err)
	}

	// Open state store
	var store stateStore
	switch cfg.Database.Driver {
	case "memory":
		zapLogger.Warn("using in-memory state store; downloads will not survive a restart")
		store = memory.NewStore()
	default:
		sqliteStore, err := sqlite.OpenWithTimeout(cfg.Database.Path, cfg.Database.BusyTimeoutMs)
		if err != nil {
			return fmt.Errorf("failed to open database %s: %w", cfg.Database.Path, err)
		}
		defer sqliteStore.Close()
		store = sqliteStore
	}

	transport := httpclient.New(httpclient.Config{
		UserAgent:             cfg.Download.UserAgent,
		ResponseHeaderTimeout: cfg.Download.GetResponseHeaderTimeout(),
		MaxBytesPerSecond:     cfg.Download.MaxBytesPerSecond,
	})

	// Event bus with the daemon's own subscribers
	bus := event.NewBus(zapLogger)
	defer bus.Close()
	mirror := event.NewMirror()
	bus.Subscribe(event.AllModels, event.NewLoggingHandler(zapLogger, cfg.Download.GetProgressLogInterval()))
	bus.Subscribe(event.AllModels, event.NewMetricsHandler())
	bus.Subscribe(event.AllModels, mirror)

	managerCfg := &downloader.Config{
		ChunkSize:        cfg.Download.GetChunkSize(),
		GraceDelay:       cfg.Download.GetGraceDelay(),
		MaxConcurrent:    cfg.Download.MaxConcurrent,
		StopTimeout:      cfg.Download.GetStopTimeout(),
		MaxStoreFailures: cfg.Download.MaxStoreFailures,
		CheckDiskSpace:   cfg.Download.CheckDiskSpace,
		MinFreeSpace:     cfg.Download.GetMinFreeSpace(),
		Headers:          cfg.Download.Headers,
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager, err := downloader.New(ctx, managerCfg, store, fsManager, transport, bus, zapLogger)
	if err != nil {
		return fmt.Errorf("failed to start download manager: %w", err)
	}

	lifecycleService := lifecycle.New(&lifecycle.Config{
		CheckInterval:      cfg.Lifecycle.GetCheckInterval(),
		ResumeOnForeground: cfg.Lifecycle.ResumeOnForeground,
	}, manager, zapLogger)

	var httpServer *server.Server
	if cfg.HTTP.Enabled {
		httpServer = server.New(&server.Config{
			BindAddr:     cfg.HTTP.BindAddr,
			ReadTimeout:  cfg.HTTP.GetReadTimeout(),
			WriteTimeout: cfg.HTTP.GetWriteTimeout(),
			IdleTimeout:  cfg.HTTP.GetIdleTimeout(),
		}, server.Deps{
			Downloads: manager,
			Lifecycle: lifecycleService,
			Mirror:    mirror,
			Health:    store,
			Gatherer:  registry,
		}, zapLogger)
	}

	g, gctx := errgroup.WithContext(ctx)

	if httpServer != nil {
		g.Go(httpServer.Start)
	}
	g.Go(func() error {
		return lifecycleService.Start(gctx)
	})

	// Host transitions arrive as signals
	transitions := make(chan os.Signal, 1)
	notifyTransitions(transitions)
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, shutdownSignals...)

	zapLogger.Info("application started successfully",
		zap.Bool("http_enabled", cfg.HTTP.Enabled),
		zap.String("http_addr", cfg.HTTP.BindAddr),
		zap.String("models_dir", cfg.Storage.BaseDir),
		zap.String("database_driver", cfg.Database.Driver),
	)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-shutdown:
				zapLogger.Info("shutdown signal received, stopping services...")
				cancel()
				return nil
			case sig := <-transitions:
				handleTransition(gctx, sig, lifecycleService, zapLogger)
			}
		}
	})

	<-gctx.Done()
	signal.Stop(shutdown)
	signal.Stop(transitions)

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Persist every running download before anything else goes away
	if err := lifecycleService.OnBackground(shutdownCtx); err != nil {
		zapLogger.Error("failed to save downloads on shutdown", zap.Error(err))
	}
	lifecycleService.Stop()

	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			zapLogger.Error("failed to stop HTTP server gracefully", zap.Error(err))
		}
	}
	if err := manager.Close(shutdownCtx); err != nil {
		zapLogger.Error("failed to close download manager", zap.Error(err))
	}

	return g.Wait()
}
