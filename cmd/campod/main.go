package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/campoverde/campo/config"
	"github.com/campoverde/campo/internal/handlers"
	"github.com/campoverde/campo/pkg/applog"
	"github.com/campoverde/campo/pkg/connectivity"
	"github.com/campoverde/campo/pkg/database"
	"github.com/campoverde/campo/pkg/health"
	"github.com/campoverde/campo/pkg/middleware"
	"github.com/campoverde/campo/pkg/outbox"
	"github.com/campoverde/campo/pkg/remote"
	"github.com/campoverde/campo/pkg/repositories"
	"github.com/campoverde/campo/pkg/startup"
	campsync "github.com/campoverde/campo/pkg/sync"
	"github.com/campoverde/campo/pkg/tracing"
	"github.com/campoverde/campo/pkg/warmer"
)

func main() {
	// Missing .env is fine, the environment itself wins anyway
	_ = godotenv.Load()

	var cfg config.Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := applog.New(cfg.LogLevel, cfg.PrettyLogs)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}

	ctx := context.Background()

	shutdownTracing, err := tracing.Setup(ctx, cfg.AppName, tracing.Config{
		OTLPEnabled:  cfg.OTLPEnabled,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPProtocol: cfg.OTLPProtocol,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to set up tracing")
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Tracing shutdown failed")
		}
	}()

	// Local store
	db, err := database.Open(database.OpenConfig{
		Path:         cfg.DatabasePath,
		MaxOpenConns: cfg.DatabaseMaxOpenConns,
		BusyTimeout:  cfg.DatabaseBusyTimeout,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to open local store")
		os.Exit(1)
	}
	defer db.Close()

	migrationService := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	})
	driver, err := database.Driver(db)
	if err != nil {
		logger.WithError(err).Error("Failed to create migration driver")
		os.Exit(1)
	}
	if err := migrationService.Migrate("campo", driver); err != nil {
		logger.WithError(err).Error("Failed to run migrations")
		os.Exit(1)
	}

	// Repositories
	outboxRepo := repositories.NewOutboxRepository(db, logger, cfg.SyncMaxRetries)
	farmRepo := repositories.NewFarmRepository(db, logger)
	blockRepo := repositories.NewBlockRepository(db, logger)
	varietyRepo := repositories.NewVarietyRepository(db, logger)
	groupRepo := repositories.NewPlantingGroupRepository(db, logger)
	bedRepo := repositories.NewBedRepository(db, logger)
	observationRepo := repositories.NewObservationRepository(db, logger)
	dayActionRepo := repositories.NewDayActionRepository(db, logger)

	// Items left in processing by a previous crash would otherwise never
	// drain again.
	if _, err := outboxRepo.ResetStalled(ctx); err != nil {
		logger.WithError(err).Error("Failed to recover stalled outbox items")
		os.Exit(1)
	}

	// Remote backend
	backend := remote.NewClient(remote.Config{
		BaseURL: cfg.RemoteBaseURL,
		APIKey:  cfg.RemoteAPIKey,
		Timeout: cfg.RemoteTimeout,
	}, logger)

	// Sync core
	observer := connectivity.NewObserver(backend, connectivity.Config{
		ProbeInterval:  cfg.ConnectivityProbeInterval,
		ProbeTimeout:   cfg.ConnectivityProbeTimeout,
		SafetyInterval: cfg.SyncDrainInterval,
	}, logger)

	resolver := campsync.NewResolver(backend, farmRepo, blockRepo, bedRepo, logger)
	reconciler := campsync.NewReconciler(outboxRepo, bedRepo, observationRepo, dayActionRepo,
		resolver, backend, observer, logger)
	worker := campsync.NewWorker(reconciler, logger)
	observer.Subscribe(worker.RequestDrain)

	outboxService := outbox.NewService(outboxRepo, bedRepo, observationRepo, dayActionRepo,
		observer, worker, logger)

	cacheWarmer := warmer.NewWarmer(backend, observer,
		farmRepo, blockRepo, varietyRepo, groupRepo, bedRepo,
		warmer.Config{Interval: cfg.WarmerInterval, PageSize: cfg.WarmerPageSize}, logger)

	// HTTP server
	checker := health.NewChecker(db, observer, cfg.AppName)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(echomiddleware.Recover())
	e.HTTPErrorHandler = middleware.Error(logger)

	checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	handlers.NewOutboxHandler(outboxService, outboxRepo, logger).RegisterRoutes(api)
	handlers.NewSyncHandler(reconciler, cacheWarmer, outboxRepo, observer, logger).RegisterRoutes(api)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		ReadTimeout:  time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
	}

	// Startup graph: observer first, then the components that consume it
	graph := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	graph.AddDependency(&startup.Component{
		Name:    "connectivity-observer",
		StartFn: observer.Start,
		StopFn:  observer.Stop,
	})
	graph.AddDependency(&startup.Component{
		Name:    "drain-worker",
		Needs:   []string{"connectivity-observer"},
		StartFn: worker.Start,
		StopFn:  worker.Stop,
	})
	if cfg.WarmerEnabled {
		graph.AddDependency(&startup.Component{
			Name:    "cache-warmer",
			Needs:   []string{"connectivity-observer"},
			StartFn: cacheWarmer.Start,
			StopFn:  cacheWarmer.Stop,
		})
	}

	if err := graph.Start(ctx); err != nil {
		logger.WithError(err).Error("Failed to start components")
		os.Exit(1)
	}
	checker.SetReady(true)

	go func() {
		logger.Infof("Starting %s on port %d", cfg.AppName, cfg.Port)
		if err := e.StartServer(server); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server stopped")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	checker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown failed")
	}
	if err := graph.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Component shutdown failed")
	}

	logger.Info("Shutdown complete")
}
