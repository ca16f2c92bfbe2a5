// Package mcpserver exposes the wheelhouse session API as MCP tools so
// MCP-compatible clients (Claude Desktop, Cursor, Codex, etc.) can inspect
// and control agent sessions.
//
// Two transports share one port:
//   - SSE at /sse (Claude Desktop, Cursor)
//   - Streamable HTTP at /mcp (Codex)
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
)

// Config holds the MCP server configuration.
type Config struct {
	Port          int    // listen port; 0 picks a free one
	WheelhouseURL string // base URL of the wheelhouse HTTP API
}

// Server serves the MCP tool surface over both transports.
type Server struct {
	cfg        Config
	log        *logger.Logger
	started    atomic.Bool
	httpServer *http.Server
	sse        *server.SSEServer
	streamable *server.StreamableHTTPServer
}

// New creates a server that logs through the process default logger.
func New(cfg Config) *Server {
	return NewWithLogger(cfg, logger.Default())
}

// Start binds the listen port, registers the tool set and begins serving.
// A taken port surfaces here rather than in the serve goroutine; with Port
// 0 the assigned port is readable from the endpoint accessors afterwards.
func (s *Server) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("mcp server already started")
	}

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.Port))
	if err != nil {
		s.started.Store(false)
		return fmt.Errorf("listen on port %d: %w", s.cfg.Port, err)
	}
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = addr.Port
	}

	s.httpServer = &http.Server{Handler: s.buildHandler()}
	go s.serve(ln)
	return nil
}

// buildHandler assembles the shared MCP core and mounts both transports on
// one mux.
func (s *Server) buildHandler() http.Handler {
	core := server.NewMCPServer(
		"wheelhouse-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerTools(core, s.cfg, s.log)

	s.sse = server.NewSSEServer(core)
	s.streamable = server.NewStreamableHTTPServer(core,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sse.SSEHandler())
	mux.Handle("/message", s.sse.MessageHandler())
	mux.Handle("/mcp", s.streamable)
	return mux
}

func (s *Server) serve(ln net.Listener) {
	s.log.Info("MCP server listening",
		zap.Int("port", s.cfg.Port),
		zap.String("sse_endpoint", "/sse"),
		zap.String("streamable_http_endpoint", "/mcp"))

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("MCP server error", zap.Error(err))
	}
	s.started.Store(false)
}

// Stop shuts down the HTTP server and then both transport trackers, so
// open SSE streams end promptly instead of waiting out their clients.
func (s *Server) Stop(ctx context.Context) error {
	if !s.started.Load() || s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	for name, shutdown := range map[string]func(context.Context) error{
		"sse":             s.sse.Shutdown,
		"streamable-http": s.streamable.Shutdown,
	} {
		if err := shutdown(ctx); err != nil {
			s.log.Warn("transport shutdown failed",
				zap.String("transport", name), zap.Error(err))
		}
	}
	return nil
}

// SSEEndpoint returns the URL SSE-transport clients connect to.
func (s *Server) SSEEndpoint() string { return s.endpoint("/sse") }

// StreamableHTTPEndpoint returns the URL streamable-HTTP clients connect to.
func (s *Server) StreamableHTTPEndpoint() string { return s.endpoint("/mcp") }

func (s *Server) endpoint(path string) string {
	return "http://localhost:" + strconv.Itoa(s.cfg.Port) + path
}
