// Package main is the entry point for the agent runtime kernel.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kandev/agentkernel/internal/common/config"
	"github.com/kandev/agentkernel/internal/common/httpmw"
	"github.com/kandev/agentkernel/internal/common/logger"
	"github.com/kandev/agentkernel/internal/kernel/lifecycle"
	"github.com/kandev/agentkernel/internal/kernelapi"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agent runtime kernel")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Build kernel config from the app config, optionally opening the
	// capability grant store's Postgres connection.
	kernelCfg := lifecycle.FromAppConfig(cfg)
	if kernelCfg.CapabilityStore == "postgres" {
		sqlxDB, err := sqlx.Connect("pgx", cfg.Database.DSN())
		if err != nil {
			log.Fatal("failed to connect to postgres for capability store", zap.Error(err))
		}
		defer sqlxDB.Close()
		kernelCfg.CapabilityDB = sqlxDB
		log.Info("connected to postgres capability store")
	}

	// 5. Construct the kernel
	kernel, err := lifecycle.New(kernelCfg, log)
	if err != nil {
		log.Fatal("failed to construct kernel", zap.Error(err))
	}

	// 6. Start the kernel: Starting -> Running
	if err := kernel.Start(ctx); err != nil {
		log.Fatal("failed to start kernel", zap.Error(err))
	}
	log.Info("kernel running", zap.String("policy_mode", string(kernelCfg.PolicyMode)), zap.String("bus_backend", kernelCfg.EventBusBackend))

	// 7. Set up the HTTP control surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, "kernel"))
	router.Use(gin.Recovery())
	router.Use(httpmw.CORS())
	router.Use(httpmw.OtelTracing("kernel"))

	// 8. Register control surface routes
	v1 := router.Group("/v1")
	kernelapi.SetupRoutes(v1, kernel, kernelCfg.KernelVersion, log)

	// 9. Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "agentkernel"})
	})

	// 10. Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 11. Start server in goroutine
	go func() {
		log.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start http server", zap.Error(err))
		}
	}()

	// 12. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agent runtime kernel")

	// 13. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	if err := kernel.Shutdown(shutdownCtx); err != nil {
		log.Error("kernel shutdown error", zap.Error(err))
	}

	log.Info("agent runtime kernel stopped")
}
