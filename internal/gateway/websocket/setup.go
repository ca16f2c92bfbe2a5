package websocket

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
	"github.com/wheelhouse-ai/wheelhouse/internal/gateway"
	"github.com/wheelhouse-ai/wheelhouse/pkg/wsframe"
)

// Gateway bundles the WebSocket hub, frame dispatcher, and HTTP handler.
type Gateway struct {
	Hub        *Hub
	Dispatcher *wsframe.Dispatcher
	Handler    *Handler
}

// NewGateway creates the WebSocket gateway with all components initialized.
func NewGateway(svc *gateway.Service, log *logger.Logger) *Gateway {
	dispatcher := wsframe.NewDispatcher()
	hub := NewHub(log)
	handler := NewHandler(hub, svc, dispatcher, log)

	registerFrameHandlers(dispatcher, svc, log)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
	}
}

// SetupRoutes adds the WebSocket routes to the Gin engine
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}

// registerFrameHandlers wires the frames that do not need the client itself:
// interaction responses and interrupts.
func registerFrameHandlers(d *wsframe.Dispatcher, svc *gateway.Service, log *logger.Logger) {
	d.RegisterFunc(wsframe.TypeUserResponse, func(ctx context.Context, frame *wsframe.Frame) error {
		var req wsframe.UserResponse
		if err := frame.Bind(&req); err != nil {
			return err
		}
		if req.RequestID == "" {
			return errors.New("request_id is required")
		}
		if !svc.ReceiveUserResponse(req.RequestID, req.Answers) {
			log.Warn("user_response for unknown request",
				zap.String("request_id", req.RequestID))
		}
		return nil
	})

	d.RegisterFunc(wsframe.TypePermissionResponse, func(ctx context.Context, frame *wsframe.Frame) error {
		var req wsframe.PermissionResponse
		if err := frame.Bind(&req); err != nil {
			return err
		}
		if req.RequestID == "" {
			return errors.New("request_id is required")
		}
		if !svc.ReceivePermissionResponse(req.RequestID, req.Approved) {
			log.Warn("permission_response for unknown request",
				zap.String("request_id", req.RequestID))
		}
		return nil
	})

	d.RegisterFunc(wsframe.TypeInterrupt, func(ctx context.Context, frame *wsframe.Frame) error {
		var req wsframe.InterruptRequest
		if err := frame.Bind(&req); err != nil {
			return err
		}
		if req.SessionID == "" {
			return errors.New("session_id is required")
		}
		if !svc.Interrupt(ctx, req.SessionID) {
			log.Debug("interrupt with no running task",
				zap.String("session_id", req.SessionID))
		}
		return nil
	})
}
