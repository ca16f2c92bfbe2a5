// Package main is the standalone MCP server binary. It exposes wheelhouse
// session control as MCP tools over two transports on one port: SSE at
// /sse (Claude Desktop, Cursor) and streamable HTTP at /mcp (Codex).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
	"github.com/wheelhouse-ai/wheelhouse/internal/mcpserver"
)

func main() {
	def := mcpserver.DefaultConfig()
	var (
		port      = flag.Int("port", def.Port, "MCP server port")
		apiURL    = flag.String("wheelhouse-url", def.WheelhouseURL, "wheelhouse API URL")
		logLevel  = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		logFormat = flag.String("log-format", "console", "log format (console, json)")
	)
	flag.Parse()

	// Environment wins over flags so container deployments need no argv.
	cfg := mcpserver.Config{
		Port:          envInt("MCP_PORT", *port),
		WheelhouseURL: envString("WHEELHOUSE_API_URL", *apiURL),
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      envString("MCP_LOG_LEVEL", *logLevel),
		Format:     envString("MCP_LOG_FORMAT", *logFormat),
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("mcp-server failed", zap.Error(err))
	}
}

// run serves until SIGINT or SIGTERM, then stops under the provider's
// deadline.
func run(cfg mcpserver.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, cleanup, err := mcpserver.Provide(ctx, cfg, log)
	if err != nil {
		return err
	}

	log.Info("mcp-server started",
		zap.String("wheelhouse_url", cfg.WheelhouseURL),
		zap.String("sse_endpoint", srv.SSEEndpoint()),
		zap.String("streamable_http_endpoint", srv.StreamableHTTPEndpoint()))
	fmt.Printf("SSE endpoint: %s (Claude Desktop, Cursor)\n", srv.SSEEndpoint())
	fmt.Printf("Streamable HTTP endpoint: %s (Codex)\n", srv.StreamableHTTPEndpoint())

	<-ctx.Done()
	log.Info("shutting down mcp-server")
	return cleanup()
}

// envString prefers the environment value over the parsed flag.
func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt prefers the environment value over the parsed flag when it parses.
func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
