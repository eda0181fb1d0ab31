// Package main is the entry point for the standalone MCP server binary.
// mcp-server exposes a subset of the Maestro process supervisor's
// spawn/write/kill/list surface as MCP tools, for MCP-compatible clients
// (Claude Desktop, Cursor, Codex, etc.) that want to observe or steer
// sessions without going through the WebSocket IPC gateway.
//
// The server supports two transports:
//   - SSE (Server-Sent Events) at /sse for Claude Desktop, Cursor
//   - Streamable HTTP at /mcp for Codex
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maestro/maestro/internal/common/logger"
	"github.com/maestro/maestro/internal/eventbus"
	"github.com/maestro/maestro/internal/plugin/mcp"
	"github.com/maestro/maestro/internal/process"
	"go.uber.org/zap"
)

var (
	portFlag          = flag.Int("port", 9090, "MCP server port")
	maxSessionsFlag   = flag.Int("max-sessions", 64, "Maximum concurrent sessions the supervisor will allow")
	logLevelFlag      = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormatFlag     = flag.String("log-format", "console", "Log format (console, json)")
)

func main() {
	flag.Parse()

	cfg := mcp.Config{
		Port: getEnvIntOrFlag("MCP_PORT", *portFlag),
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      getEnvOrFlag("MCP_LOG_LEVEL", *logLevelFlag),
		Format:     getEnvOrFlag("MCP_LOG_FORMAT", *logFormatFlag),
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting mcp-server", zap.Int("port", cfg.Port))

	run(cfg, *maxSessionsFlag, log)
}

// run starts the MCP server and waits for shutdown.
func run(cfg mcp.Config, maxSessions int, log *logger.Logger) {
	ctx := context.Background()

	bus := eventbus.NewMemoryEventBus(log)
	sup := process.NewSupervisor(log, bus, maxSessions)

	srv, cleanup, err := mcp.Provide(ctx, cfg, sup, log)
	if err != nil {
		log.Error("failed to start MCP server", zap.Error(err))
		os.Exit(1)
	}

	log.Info("MCP server started",
		zap.String("sse_endpoint", srv.SSEEndpoint()),
		zap.String("streamable_http_endpoint", srv.StreamableHTTPEndpoint()))

	fmt.Printf("Maestro MCP server running on :%d\n", cfg.Port)
	fmt.Printf("SSE endpoint: %s (for Claude Desktop, Cursor)\n", srv.SSEEndpoint())
	fmt.Printf("Streamable HTTP endpoint: %s (for Codex)\n", srv.StreamableHTTPEndpoint())

	waitForShutdown(log, func(ctx context.Context) {
		if err := cleanup(); err != nil {
			log.Error("error during shutdown", zap.Error(err))
		}
	})
}

// waitForShutdown waits for shutdown signal and calls cleanup
func waitForShutdown(log *logger.Logger, cleanup func(ctx context.Context)) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mcp-server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cleanup(ctx)

	log.Info("mcp-server stopped")
}

// getEnvOrFlag returns the environment variable value if set, otherwise the flag value.
func getEnvOrFlag(envKey, flagValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return flagValue
}

// getEnvIntOrFlag returns the environment variable value as int if set, otherwise the flag value.
func getEnvIntOrFlag(envKey string, flagValue int) int {
	if v := os.Getenv(envKey); v != "" {
		var i int
		if _, err := fmt.Sscanf(v, "%d", &i); err == nil {
			return i
		}
	}
	return flagValue
}
