package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
	"github.com/wheelhouse-ai/wheelhouse/internal/gateway"
	"github.com/wheelhouse-ai/wheelhouse/pkg/wsframe"
)

// Handler upgrades gateway HTTP requests into hub-tracked clients.
type Handler struct {
	hub        *Hub
	svc        *gateway.Service
	dispatcher *wsframe.Dispatcher
	upgrader   gorillaws.Upgrader
	log        *logger.Logger
}

// NewHandler creates the upgrade handler. Origin checking is left to a
// fronting proxy; the gateway itself binds to localhost.
func NewHandler(hub *Hub, svc *gateway.Service, dispatcher *wsframe.Dispatcher, log *logger.Logger) *Handler {
	return &Handler{
		hub:        hub,
		svc:        svc,
		dispatcher: dispatcher,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades the request and serves frames until the peer
// disconnects. The write pump runs concurrently; the read pump owns the
// request lifetime.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.NewString(), conn, h.hub, h.svc, h.dispatcher, h.log)
	h.hub.Register(client)
	h.log.Debug("WebSocket connection established",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}
