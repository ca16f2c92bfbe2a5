// Package main is the unified entry point for Wheelhouse.
// This single binary runs the session gateway, the task runner, and the
// agent manager together with shared infrastructure. The server exposes
// WebSocket and HTTP endpoints.
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

	"github.com/wheelhouse-ai/wheelhouse/internal/agent"
	"github.com/wheelhouse-ai/wheelhouse/internal/common/config"
	"github.com/wheelhouse-ai/wheelhouse/internal/common/httpmw"
	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
	"github.com/wheelhouse-ai/wheelhouse/internal/db"
	"github.com/wheelhouse-ai/wheelhouse/internal/events"
	"github.com/wheelhouse-ai/wheelhouse/internal/gateway"
	gateways "github.com/wheelhouse-ai/wheelhouse/internal/gateway/websocket"
	"github.com/wheelhouse-ai/wheelhouse/internal/interaction"
	"github.com/wheelhouse-ai/wheelhouse/internal/session"
	"github.com/wheelhouse-ai/wheelhouse/internal/settings"
	"github.com/wheelhouse-ai/wheelhouse/internal/task"
	"github.com/wheelhouse-ai/wheelhouse/internal/telemetry"
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

	log.Info("Starting Wheelhouse...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() {
		if err := busCleanup(); err != nil {
			log.Error("Event bus close error", zap.Error(err))
		}
	}()

	// ============================================
	// SESSION AND TASK STATE
	// ============================================

	store, err := session.NewStore(cfg.Data.SessionsDir(), log)
	if err != nil {
		log.Fatal("Failed to initialize session store", zap.Error(err))
	}
	log.Info("Session store initialized", zap.String("dir", cfg.Data.SessionsDir()))

	buffer, err := task.NewEventBuffer(cfg.Data.TasksDir(), log)
	if err != nil {
		log.Fatal("Failed to initialize task event buffer", zap.Error(err))
	}
	if err := buffer.Restore(); err != nil {
		log.Warn("Failed to restore buffered task events", zap.Error(err))
	}

	runner := task.NewRunner(buffer, eventBus, log)

	// ============================================
	// AGENT MANAGER AND INTERACTION GATE
	// ============================================

	manager := agent.NewManager(cfg.Agent, log)

	// The gate emits through the manager so interaction events land inside
	// the active turn stream; the manager falls back to the runner's buffer
	// when no turn is running.
	gate := interaction.NewGate(cfg.Interaction, manager, log)
	manager.SetGate(gate)
	manager.SetEventSink(runner)
	manager.SetTaskChecker(runner)
	runner.SetInterrupter(manager)

	manager.StartCleanup(ctx, cfg.Cleanup.IntervalDuration(), cfg.Cleanup.IdleTimeoutDuration())

	// ============================================
	// SETTINGS CATALOG
	// ============================================

	pool, driver, dbCleanup, err := db.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to open settings catalog", zap.Error(err))
	}
	defer func() {
		if err := dbCleanup(); err != nil {
			log.Error("Catalog database close error", zap.Error(err))
		}
	}()

	catalog, err := settings.NewRepository(pool, driver, log)
	if err != nil {
		log.Fatal("Failed to initialize settings catalog", zap.Error(err))
	}

	// ============================================
	// GATEWAY (WebSocket + HTTP endpoints)
	// ============================================

	svc := gateway.NewService(store, runner, manager, gate, catalog, eventBus, log)
	wsGateway := gateways.NewGateway(svc, log)
	go wsGateway.Hub.Run(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "wheelhouse"))
	router.Use(httpmw.OtelTracing("wheelhouse"))

	// WebSocket endpoint - primary realtime transport
	wsGateway.SetupRoutes(router)

	// HTTP endpoints
	gateway.RegisterSessionRoutes(router, svc, store, runner, log)
	gateway.RegisterSettingsRoutes(router, catalog, log)
	log.Info("Registered gateway handlers (HTTP + WebSocket)")

	// Health check (simple HTTP for load balancers/monitoring)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "wheelhouse",
			"mode":    "websocket+http",
		})
	})

	// Create HTTP server
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

	// Start server
	go func() {
		log.Info("Wheelhouse server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Print routes summary
	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("health", "/health"),
		zap.String("http", "/api/v1"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Wheelhouse...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop running tasks first so their terminal events still reach the
	// buffer, then close the agent subprocesses.
	runner.Stop()
	manager.CloseAll()

	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Error("Telemetry shutdown error", zap.Error(err))
	}

	log.Info("Wheelhouse stopped")
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
