package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
	"github.com/wheelhouse-ai/wheelhouse/internal/settings"
)

// SettingsHandlers serves the endpoint and model catalog.
type SettingsHandlers struct {
	catalog *settings.Repository
	logger  *logger.Logger
}

// NewSettingsHandlers builds the handler set.
func NewSettingsHandlers(catalog *settings.Repository, log *logger.Logger) *SettingsHandlers {
	return &SettingsHandlers{
		catalog: catalog,
		logger:  log.WithFields(zap.String("component", "settings-handlers")),
	}
}

// RegisterSettingsRoutes mounts the settings routes.
func RegisterSettingsRoutes(router *gin.Engine, catalog *settings.Repository, log *logger.Logger) {
	handlers := NewSettingsHandlers(catalog, log)
	handlers.registerHTTP(router)
}

func (h *SettingsHandlers) registerHTTP(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.GET("/settings/endpoints", h.httpListEndpoints)
	api.POST("/settings/endpoints", h.httpCreateEndpoint)
	api.GET("/settings/models", h.httpListModels)
	api.POST("/settings/models", h.httpCreateModel)
}

func (h *SettingsHandlers) httpListEndpoints(c *gin.Context) {
	endpoints, err := h.catalog.ListEndpoints(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list endpoints", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list endpoints"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": endpoints})
}

type httpCreateEndpointRequest struct {
	Name      string `json:"name"`
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key,omitempty"`
	Provider  string `json:"provider,omitempty"`
	IsDefault bool   `json:"is_default,omitempty"`
}

func (h *SettingsHandlers) httpCreateEndpoint(c *gin.Context) {
	var body httpCreateEndpointRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if body.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	if body.BaseURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "base_url is required"})
		return
	}

	endpoint := &settings.Endpoint{
		Name:      body.Name,
		BaseURL:   body.BaseURL,
		APIKey:    body.APIKey,
		Provider:  body.Provider,
		IsDefault: body.IsDefault,
	}
	if err := h.catalog.CreateEndpoint(c.Request.Context(), endpoint); err != nil {
		handleNotFound(c, h.logger, err, "endpoint not created")
		return
	}
	c.JSON(http.StatusOK, endpoint)
}

func (h *SettingsHandlers) httpListModels(c *gin.Context) {
	models, err := h.catalog.ListModels(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list models", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list models"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

type httpCreateModelRequest struct {
	Name              string `json:"name"`
	EndpointName      string `json:"endpoint_name,omitempty"`
	MaxTokens         int    `json:"max_tokens,omitempty"`
	MaxThinkingTokens int    `json:"max_thinking_tokens,omitempty"`
	IsDefault         bool   `json:"is_default,omitempty"`
}

func (h *SettingsHandlers) httpCreateModel(c *gin.Context) {
	var body httpCreateModelRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if body.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	model := &settings.Model{
		Name:              body.Name,
		EndpointName:      body.EndpointName,
		MaxTokens:         body.MaxTokens,
		MaxThinkingTokens: body.MaxThinkingTokens,
		IsDefault:         body.IsDefault,
	}
	if err := h.catalog.CreateModel(c.Request.Context(), model); err != nil {
		handleNotFound(c, h.logger, err, "model not created")
		return
	}
	c.JSON(http.StatusOK, model)
}
