package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
	"github.com/wheelhouse-ai/wheelhouse/internal/session"
	"github.com/wheelhouse-ai/wheelhouse/internal/task"
)

// SessionHandlers serves the session and task REST surface.
type SessionHandlers struct {
	svc    *Service
	store  *session.Store
	runner *task.Runner
	logger *logger.Logger
}

// NewSessionHandlers builds the handler set.
func NewSessionHandlers(svc *Service, store *session.Store, runner *task.Runner, log *logger.Logger) *SessionHandlers {
	return &SessionHandlers{
		svc:    svc,
		store:  store,
		runner: runner,
		logger: log.WithFields(zap.String("component", "session-handlers")),
	}
}

// RegisterSessionRoutes mounts the session and task routes.
func RegisterSessionRoutes(router *gin.Engine, svc *Service, store *session.Store, runner *task.Runner, log *logger.Logger) {
	handlers := NewSessionHandlers(svc, store, runner, log)
	handlers.registerHTTP(router)
}

func (h *SessionHandlers) registerHTTP(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.GET("/sessions", h.httpListSessions)
	api.POST("/sessions", h.httpCreateSession)
	api.GET("/sessions/:id", h.httpGetSession)
	api.PATCH("/sessions/:id", h.httpRenameSession)
	api.DELETE("/sessions/:id", h.httpDeleteSession)
	api.GET("/sessions/:id/task", h.httpTaskStatus)
	api.POST("/sessions/:id/task/viewed", h.httpMarkViewed)
	api.POST("/sessions/:id/interrupt", h.httpInterrupt)
	api.GET("/tasks", h.httpAllTasks)
}

func (h *SessionHandlers) httpListSessions(c *gin.Context) {
	summaries, err := h.store.List()
	if err != nil {
		h.logger.Error("failed to list sessions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": summaries, "total": len(summaries)})
}

type httpCreateSessionRequest struct {
	Title string `json:"title,omitempty"`
}

func (h *SessionHandlers) httpCreateSession(c *gin.Context) {
	var body httpCreateSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
	}
	sess, err := h.svc.CreateSession(body.Title)
	if err != nil {
		h.logger.Error("failed to create session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *SessionHandlers) httpGetSession(c *gin.Context) {
	sess, err := h.store.Get(c.Param("id"))
	if err != nil {
		handleNotFound(c, h.logger, err, "session not found")
		return
	}
	c.JSON(http.StatusOK, sess)
}

type httpRenameSessionRequest struct {
	Title string `json:"title"`
}

func (h *SessionHandlers) httpRenameSession(c *gin.Context) {
	var body httpRenameSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if body.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}
	sess, err := h.store.Rename(c.Param("id"), body.Title)
	if err != nil {
		handleNotFound(c, h.logger, err, "session not found")
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *SessionHandlers) httpDeleteSession(c *gin.Context) {
	if err := h.svc.DeleteSession(c.Param("id")); err != nil {
		handleNotFound(c, h.logger, err, "session not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// taskStatusResponse is the execution record plus the unread flag clients
// use for badge state.
type taskStatusResponse struct {
	*task.Execution
	HasUnread bool `json:"has_unread"`
}

func (h *SessionHandlers) httpTaskStatus(c *gin.Context) {
	id := c.Param("id")
	if !h.svc.SessionExists(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	exec := h.runner.Status(id)
	if exec == nil {
		c.JSON(http.StatusOK, gin.H{
			"session_id": id,
			"status":     task.StatusIdle,
			"has_unread": false,
		})
		return
	}
	c.JSON(http.StatusOK, taskStatusResponse{Execution: exec, HasUnread: exec.HasUnread()})
}

func (h *SessionHandlers) httpMarkViewed(c *gin.Context) {
	id := c.Param("id")
	if !h.runner.MarkViewed(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no task for session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "viewed"})
}

func (h *SessionHandlers) httpInterrupt(c *gin.Context) {
	id := c.Param("id")
	if !h.svc.Interrupt(c.Request.Context(), id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no running task for session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "interrupted"})
}

func (h *SessionHandlers) httpAllTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.runner.AllStatus()})
}
