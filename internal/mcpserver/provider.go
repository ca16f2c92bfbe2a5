package mcpserver

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
)

// Stop deadline applied by the Provide cleanup.
const stopTimeout = 5 * time.Second

// DefaultConfig returns the standalone-binary defaults.
func DefaultConfig() Config {
	return Config{
		Port:          9090,
		WheelhouseURL: "http://localhost:8080",
	}
}

// NewWithLogger creates a server that logs through log, tagged with the
// component name.
func NewWithLogger(cfg Config, log *logger.Logger) *Server {
	return &Server{
		cfg: cfg,
		log: log.WithFields(zap.String("component", "mcp-server")),
	}
}

// Provide starts the server and returns it together with an idempotent
// cleanup that stops it under a bounded deadline.
func Provide(ctx context.Context, cfg Config, log *logger.Logger) (*Server, func() error, error) {
	srv := NewWithLogger(cfg, log)
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}

	cleanup := sync.OnceValue(func() error {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		return srv.Stop(stopCtx)
	})
	return srv, cleanup, nil
}
