// Package main is the entry point for the unified Maestro server: the
// WebSocket IPC gateway (spec §6) in front of the process supervisor (L4),
// usage normalizer (L3), and plugin host (L5).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/maestro/maestro/internal/common/config"
	"github.com/maestro/maestro/internal/common/logger"
	"github.com/maestro/maestro/internal/events"
	gateways "github.com/maestro/maestro/internal/ipc/websocket"
	"github.com/maestro/maestro/internal/plugin"
	"github.com/maestro/maestro/internal/process"
	"github.com/maestro/maestro/internal/providerhealth"
	"github.com/maestro/maestro/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer func() {
		if err := busCleanup(); err != nil {
			log.Error("event bus cleanup error", zap.Error(err))
		}
	}()

	supervisor := process.NewSupervisor(log, providedBus.Bus, cfg.Process.MaxSessions)

	dbDir := cfg.Plugins.Dir
	if dbDir == "" {
		dbDir = "./data/plugins"
	}
	st, err := store.Open(filepath.Join(dbDir, "maestro.db"))
	if err != nil {
		log.Fatal("failed to open plugin/provider-health store", zap.Error(err))
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("store close error", zap.Error(err))
		}
	}()

	host, err := plugin.NewHost(cfg.Plugins, supervisor, providedBus.Bus, st, log)
	if err != nil {
		log.Fatal("failed to initialize plugin host", zap.Error(err))
	}
	if cfg.Plugins.Enabled {
		if err := host.DiscoverAndActivate(ctx); err != nil {
			log.Error("plugin discovery failed", zap.Error(err))
		}
	}
	defer host.Shutdown()

	tracker := providerhealth.New(supervisor, st, providedBus.Bus, log)
	if err := tracker.Start(); err != nil {
		log.Error("failed to start provider-health tracker", zap.Error(err))
	}
	defer tracker.Stop()

	gateway := gateways.NewGateway(log)

	processHandlers := gateways.NewProcessHandlers(supervisor, log)
	processHandlers.RegisterHandlers(gateway.Dispatcher)

	fsHandlers := gateways.NewFSHandlers(supervisor, log)
	fsHandlers.RegisterHandlers(gateway.Dispatcher)

	pluginHandlers := gateways.NewPluginHandlers(host, tracker, log)
	pluginHandlers.RegisterHandlers(gateway.Dispatcher)

	go gateway.Hub.Run(ctx)

	broadcaster := gateways.RegisterSessionStreamNotifications(ctx, providedBus.Bus, gateway.Hub, log)
	defer broadcaster.Close()

	healthBroadcaster := gateways.RegisterProviderHealthNotifications(ctx, providedBus.Bus, gateway.Hub, log)
	defer healthBroadcaster.Close()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	gateway.SetupRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "maestro",
			"mode":    "websocket",
		})
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("maestro server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down maestro...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("maestro stopped")
}

// corsMiddleware returns a CORS middleware permissive enough for the
// WebSocket upgrade handshake (spec §6's IPC surface has no browser-side
// origin restriction of its own).
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
