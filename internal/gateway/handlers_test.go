package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
	"github.com/wheelhouse-ai/wheelhouse/internal/events"
)

func newTestRouter(t *testing.T, env *testEnv) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterSessionRoutes(router, env.svc, env.store, env.runner, logger.Default())
	RegisterSettingsRoutes(router, env.catalog, logger.Default())
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func TestHTTPSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(t, env)

	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions", map[string]any{"title": "Research"})
	require.Equal(t, http.StatusOK, w.Code)
	created := decodeBody(t, w)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "Research", created["title"])

	w = doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Research", decodeBody(t, w)["title"])

	w = doJSON(t, router, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	listed := decodeBody(t, w)
	assert.Equal(t, float64(1), listed["total"])

	w = doJSON(t, router, http.MethodPatch, "/api/v1/sessions/"+id, map[string]any{"title": "Renamed"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Renamed", decodeBody(t, w)["title"])

	w = doJSON(t, router, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "deleted", decodeBody(t, w)["status"])

	w = doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "session not found", decodeBody(t, w)["error"])
}

func TestHTTPCreateSessionWithoutBody(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(t, env)

	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "New Chat", decodeBody(t, w)["title"])
}

func TestHTTPRenameValidation(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(t, env)

	w := doJSON(t, router, http.MethodPatch, "/api/v1/sessions/any", map[string]any{"title": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "title is required", decodeBody(t, w)["error"])

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/sessions/any", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid payload", decodeBody(t, rec)["error"])

	w = doJSON(t, router, http.MethodPatch, "/api/v1/sessions/ghost", map[string]any{"title": "New"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHTTPDeleteUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(t, env)

	w := doJSON(t, router, http.MethodDelete, "/api/v1/sessions/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "session not found", decodeBody(t, w)["error"])
}

func TestHTTPTaskStatus(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(t, env)

	sess, err := env.store.Create("")
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+sess.ID+"/task", nil)
	require.Equal(t, http.StatusOK, w.Code)
	idle := decodeBody(t, w)
	assert.Equal(t, sess.ID, idle["session_id"])
	assert.Equal(t, "idle", idle["status"])
	assert.Equal(t, false, idle["has_unread"])

	w = doJSON(t, router, http.MethodGet, "/api/v1/sessions/ghost/task", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, err = env.runner.StartTask(context.Background(), sess.ID, "scan the logs",
		doneProducer(events.New(events.TypeDone, nil)))
	require.NoError(t, err)
	waitIdle(t, env.runner, sess.ID)

	w = doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+sess.ID+"/task", nil)
	require.Equal(t, http.StatusOK, w.Code)
	done := decodeBody(t, w)
	assert.Equal(t, "completed", done["status"])
	assert.Equal(t, true, done["has_unread"])
	assert.Equal(t, "scan the logs", done["prompt"])
	assert.NotEmpty(t, done["task_id"])

	w = doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/task/viewed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "viewed", decodeBody(t, w)["status"])

	w = doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+sess.ID+"/task", nil)
	assert.Equal(t, false, decodeBody(t, w)["has_unread"])
}

func TestHTTPMarkViewedWithoutTask(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(t, env)

	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions/ghost/task/viewed", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "no task for session", decodeBody(t, w)["error"])
}

func TestHTTPInterrupt(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(t, env)
	release := make(chan struct{})
	defer close(release)

	_, err := env.runner.StartTask(context.Background(), "live", "long job", holdProducer(release))
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions/live/interrupt", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "interrupted", decodeBody(t, w)["status"])
	waitIdle(t, env.runner, "live")

	w = doJSON(t, router, http.MethodPost, "/api/v1/sessions/live/interrupt", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "no running task for session", decodeBody(t, w)["error"])
}

func TestHTTPAllTasks(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(t, env)

	for _, id := range []string{"s1", "s2"} {
		_, err := env.runner.StartTask(context.Background(), id, "turn",
			doneProducer(events.New(events.TypeDone, nil)))
		require.NoError(t, err)
		waitIdle(t, env.runner, id)
	}

	w := doJSON(t, router, http.MethodGet, "/api/v1/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	tasks, ok := decodeBody(t, w)["tasks"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, tasks, 2)
	assert.Contains(t, tasks, "s1")
	assert.Contains(t, tasks, "s2")
}

func TestHTTPEndpointCatalog(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(t, env)

	w := doJSON(t, router, http.MethodGet, "/api/v1/settings/endpoints", nil)
	require.Equal(t, http.StatusOK, w.Code)
	endpoints, ok := decodeBody(t, w)["endpoints"].([]any)
	require.True(t, ok)
	require.Len(t, endpoints, 1)
	seeded := endpoints[0].(map[string]any)
	assert.Equal(t, "local", seeded["name"])

	w = doJSON(t, router, http.MethodPost, "/api/v1/settings/endpoints",
		map[string]any{"base_url": "https://openrouter.ai/api/v1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "name is required", decodeBody(t, w)["error"])

	w = doJSON(t, router, http.MethodPost, "/api/v1/settings/endpoints",
		map[string]any{"name": "openrouter"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "base_url is required", decodeBody(t, w)["error"])

	w = doJSON(t, router, http.MethodPost, "/api/v1/settings/endpoints", map[string]any{
		"name":       "openrouter",
		"base_url":   "https://openrouter.ai/api/v1",
		"provider":   "openrouter",
		"is_default": true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	created := decodeBody(t, w)
	assert.Equal(t, "openrouter", created["name"])
	assert.Equal(t, true, created["is_default"])

	w = doJSON(t, router, http.MethodGet, "/api/v1/settings/endpoints", nil)
	endpoints = decodeBody(t, w)["endpoints"].([]any)
	assert.Len(t, endpoints, 2)
}

func TestHTTPModelCatalog(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(t, env)

	w := doJSON(t, router, http.MethodGet, "/api/v1/settings/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	models, ok := decodeBody(t, w)["models"].([]any)
	require.True(t, ok)
	require.Len(t, models, 1)

	w = doJSON(t, router, http.MethodPost, "/api/v1/settings/models",
		map[string]any{"max_tokens": 8192})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "name is required", decodeBody(t, w)["error"])

	w = doJSON(t, router, http.MethodPost, "/api/v1/settings/models", map[string]any{
		"name":       "claude-opus-4-20250514",
		"max_tokens": 32000,
		"is_default": true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	created := decodeBody(t, w)
	assert.Equal(t, "claude-opus-4-20250514", created["name"])
	assert.Equal(t, float64(32000), created["max_tokens"])

	w = doJSON(t, router, http.MethodGet, "/api/v1/settings/models", nil)
	models = decodeBody(t, w)["models"].([]any)
	assert.Len(t, models, 2)
}
