package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bez-service/settlement_service/internal/api/routes"
	"github.com/bez-service/settlement_service/internal/infrastructure/config"
	"github.com/bez-service/settlement_service/internal/infrastructure/database"
	"github.com/bez-service/settlement_service/internal/infrastructure/di"
	"github.com/bez-service/settlement_service/pkg/graceful"
	"github.com/bez-service/settlement_service/pkg/logger"
	"github.com/bez-service/settlement_service/pkg/tracing"
)

const dbStatsInterval = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	var log *logger.Logger
	if cfg.Log.File != "" {
		log = logger.NewWithFile(cfg.LogLevel, cfg.Environment, logger.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
	} else {
		log = logger.New(cfg.LogLevel, cfg.Environment)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracingShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		CollectorURL: cfg.Tracing.CollectorURL,
		Environment:  cfg.Environment,
		SampleRate:   cfg.Tracing.SampleRate,
		Insecure:     cfg.Tracing.Insecure,
	}, log.Zap())
	if err != nil {
		log.Fatal("Failed to initialize tracing", "error", err)
	}

	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}
	if err := database.RunMigrations(db, cfg.Database.MigrationsPath); err != nil {
		log.Fatal("Failed to run migrations", "error", err)
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	container, err := di.NewContainer(ctx, cfg, db, log)
	if err != nil {
		log.Fatal("Failed to create DI container", "error", err)
	}

	router := routes.SetupRoutes(container)

	if err := container.WorkerManager.Start(ctx); err != nil {
		log.Fatal("Failed to start settlement workers", "error", err)
	}

	server := &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		log.Info("Starting server",
			"addr", server.Addr,
			"environment", cfg.Environment,
			"config_file", cfg.ConfigFile())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", "error", err)
		}
	}()

	go func() {
		ticker := time.NewTicker(dbStatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := database.HealthCheck(ctx, db); err != nil {
					log.Warn("Database health check failed", "error", err)
				}
			}
		}
	}()

	shutdown := graceful.NewShutdownManager(server, time.Duration(cfg.Workers.ShutdownTimeout)*time.Second, log)
	shutdown.Register("settlement_workers", container.WorkerManager)
	shutdown.RegisterCloser("container", container.Close)
	shutdown.RegisterCloser("database", db.Close)
	shutdown.RegisterCloser("tracing", func() error {
		tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer tcancel()
		return tracingShutdown(tctx)
	})
	shutdown.WaitForShutdown()
}
