package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/csiiiv/philgeps-awards-dashboard/config"
	"github.com/csiiiv/philgeps-awards-dashboard/handler"
	"github.com/csiiiv/philgeps-awards-dashboard/middleware"
	"github.com/csiiiv/philgeps-awards-dashboard/pkg/logger"
	"github.com/csiiiv/philgeps-awards-dashboard/service"
)

func main() {
	// Load configuration; a missing file means defaults.
	cfg, err := config.Load("config.yaml")
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		cfg = config.Default()
	}

	// Initialize logger
	logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	slog.Info("configuration loaded", "data_dir", cfg.Data.Dir)

	// Dataset catalog and shared query engine
	catalog, err := service.NewCatalog(cfg.Data.Dir)
	if err != nil {
		slog.Error("failed to open dataset catalog", "error", err)
		os.Exit(1)
	}
	engine, err := service.NewEngine(catalog, cfg.Data.ScanWorkers, cfg.Data.BatchSize)
	if err != nil {
		slog.Error("failed to initialize query engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	aggregator := service.NewAggregator(engine, service.DefaultTopN)
	exporter := service.NewExporter(
		engine,
		aggregator,
		cfg.Export.BatchSize,
		cfg.Export.RetryAttempts,
		time.Duration(cfg.Export.RetryBackoffMS)*time.Millisecond,
		cfg.Export.IncludeBOM,
	)

	var cache *service.ResponseCache
	if !cfg.Cache.Disabled {
		cache = service.NewResponseCache(
			cfg.Cache.MaxEntries,
			time.Duration(cfg.Cache.SearchTTLMinutes)*time.Minute,
			time.Duration(cfg.Cache.OptionsTTLMinutes)*time.Minute,
		)
	}

	// Optional object store for export artifacts
	var uploader *service.ArtifactUploader
	if cfg.Minio.Enabled {
		uploader, err = service.NewArtifactUploader(&cfg.Minio)
		if err != nil {
			slog.Error("failed to initialize artifact uploader", "error", err)
			os.Exit(1)
		}
		if err := uploader.EnsureBucket(context.Background()); err != nil {
			slog.Error("failed to ensure artifact bucket", "error", err)
			os.Exit(1)
		}
	}

	// Background task plane
	store := service.NewTaskStore(cfg.Tasks.MaxRecords)
	broker := service.NewTaskBroker(0)
	orchestrator, err := service.NewOrchestrator(
		store, broker, cache, engine, aggregator, exporter, uploader,
		cfg.Tasks.Workers,
		cfg.Tasks.MaxRetries,
		time.Duration(cfg.Tasks.RetryBackoffSeconds)*time.Second,
		cfg.Tasks.ExportDir,
	)
	if err != nil {
		slog.Error("failed to initialize task orchestrator", "error", err)
		os.Exit(1)
	}
	defer orchestrator.Close()

	// Hourly sweep of stale export artifacts.
	cleanupDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := orchestrator.CleanupExports(24 * time.Hour); err != nil {
					slog.Warn("export cleanup failed", "error", err)
				} else if n > 0 {
					slog.Info("export artifacts cleaned", "removed", n)
				}
			case <-cleanupDone:
				return
			}
		}
	}()
	defer close(cleanupDone)

	contractHandler := handler.NewContractHandler(engine, aggregator, exporter, cache)
	taskHandler := handler.NewTaskHandler(orchestrator)

	// Setup Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(corsMiddleware())
	router.Use(middleware.RateLimit(300, time.Minute))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"timestamp":  time.Now().Format(time.RFC3339),
			"partitions": len(catalog.Snapshot()),
		})
	})

	api := router.Group("/api")
	{
		contracts := api.Group("/contracts")
		{
			contracts.POST("/chip-search", contractHandler.ChipSearch)
			contracts.POST("/chip-aggregates", contractHandler.ChipAggregates)
			contracts.POST("/chip-aggregates-paginated", contractHandler.ChipAggregatesPaginated)
			contracts.POST("/value-distribution", contractHandler.ValueDistribution)
			contracts.POST("/chip-export-estimate", contractHandler.ExportEstimate)
			contracts.POST("/chip-export-aggregated-estimate", contractHandler.ExportAggregatedEstimate)
			contracts.POST("/chip-export", contractHandler.Export)
			contracts.POST("/chip-export-aggregated", contractHandler.ExportAggregated)
			contracts.GET("/filter-options", contractHandler.FilterOptions)
			contracts.GET("/partitions", contractHandler.Partitions)
		}

		tasks := api.Group("/tasks")
		{
			tasks.POST("/submit", taskHandler.Submit)
			tasks.GET("", taskHandler.List)
			tasks.GET("/events", taskHandler.Events)
			tasks.GET("/result/:cacheKey", taskHandler.Result)
			tasks.GET("/:id", taskHandler.Status)
			tasks.POST("/:id/cancel", taskHandler.Cancel)
		}
	}

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Minute, // exports stream for a while
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server exited gracefully")
}

// corsMiddleware handles CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Accept, Origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
