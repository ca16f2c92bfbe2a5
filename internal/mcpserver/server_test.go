package mcpserver

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
)

func TestServerStartStop(t *testing.T) {
	srv := New(Config{Port: 0, WheelhouseURL: "http://localhost:8080"})
	ctx := context.Background()

	require.NoError(t, srv.Start(ctx))
	require.Error(t, srv.Start(ctx), "second start must be rejected while running")

	// Port 0 resolved to a real port.
	assert.True(t, strings.HasSuffix(srv.SSEEndpoint(), "/sse"))
	assert.True(t, strings.HasSuffix(srv.StreamableHTTPEndpoint(), "/mcp"))
	assert.NotContains(t, srv.SSEEndpoint(), ":0/")

	// The mux is live; an unknown path gets a plain 404.
	resp, err := http.Get(srv.endpoint("/nope"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(stopCtx))
	require.NoError(t, srv.Stop(stopCtx))
}

func TestStartRespectsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	srv := New(Config{Port: 0})
	require.ErrorIs(t, srv.Start(ctx), context.Canceled)
}

func TestProvideCleanupRunsOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 0

	srv, cleanup, err := Provide(context.Background(), cfg, logger.Default())
	require.NoError(t, err)
	require.NotNil(t, srv)

	require.NoError(t, cleanup())
	require.NoError(t, cleanup())
}
