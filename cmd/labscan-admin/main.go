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
	"go.uber.org/zap"

	"github.com/labscan/labscan/internal/api"
	"github.com/labscan/labscan/internal/common/config"
	"github.com/labscan/labscan/internal/common/logger"
	"github.com/labscan/labscan/internal/events/bus"
	"github.com/labscan/labscan/internal/server"
	"github.com/labscan/labscan/internal/storage"
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

	log.Info("Starting LabScan admin...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Select the event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// 5. Open sqlite persistence when a database path is configured
	var persist server.Persister
	if cfg.Database.Path != "" {
		store, err := storage.Open(cfg.Database.Path, log)
		if err != nil {
			log.Fatal("Failed to open database", zap.String("path", cfg.Database.Path), zap.Error(err))
		}
		defer store.Close()
		persist = store
		log.Info("Persistence enabled", zap.String("path", cfg.Database.Path))
	}

	// 6. Build and start the runtime (WebSocket listener, watchdog, pairing)
	manager := server.NewManager(cfg, eventBus, persist, log)
	if err := manager.Start(ctx); err != nil {
		log.Fatal("Failed to start runtime", zap.Error(err))
	}

	// 7. Setup the control API
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	api.RegisterRoutes(router, api.NewHandler(manager, log))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	controlServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.ControlPort),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 8. Start control server in goroutine
	go func() {
		log.Info("Control API listening", zap.Int("port", cfg.Server.ControlPort))
		if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start control API", zap.Error(err))
		}
	}()

	// 9. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down LabScan admin...")

	// 10. Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := controlServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Control API shutdown error", zap.Error(err))
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		log.Error("Runtime stop error", zap.Error(err))
	}
	cancel()

	log.Info("LabScan admin stopped")
}
