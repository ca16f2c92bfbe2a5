package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
	"github.com/wheelhouse-ai/wheelhouse/internal/events"
	"github.com/wheelhouse-ai/wheelhouse/internal/gateway"
	"github.com/wheelhouse-ai/wheelhouse/internal/task"
	"github.com/wheelhouse-ai/wheelhouse/pkg/wsframe"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Client represents a single WebSocket connection. A client can follow many
// sessions at once; each subscription is a goroutine draining that session's
// durable feed into the shared send channel.
type Client struct {
	ID         string
	conn       *websocket.Conn
	hub        *Hub
	svc        *gateway.Service
	dispatcher *wsframe.Dispatcher
	send       chan []byte

	mu            sync.Mutex
	closed        bool
	subscriptions map[string]context.CancelFunc // session ID -> feed cancel

	logger *logger.Logger
}

// NewClient creates a new WebSocket client
func NewClient(id string, conn *websocket.Conn, hub *Hub, svc *gateway.Service, dispatcher *wsframe.Dispatcher, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		svc:           svc,
		dispatcher:    dispatcher,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]context.CancelFunc),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps frames from the WebSocket connection into the frame
// handlers. It blocks until the connection drops; subscriptions die with
// the client, running tasks do not.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		frame, err := wsframe.Decode(message)
		if err != nil {
			c.logger.Debug("Failed to parse frame", zap.Error(err))
			c.sendEvent(events.NewError(fmt.Sprintf("Invalid JSON: %v", err), "invalid-frame"))
			continue
		}

		c.handleFrame(ctx, frame)
	}
}

// handleFrame processes one inbound frame. Query and subscription frames
// need the client itself; everything else goes through the dispatcher.
func (c *Client) handleFrame(ctx context.Context, frame *wsframe.Frame) {
	c.logger.Debug("Received frame", zap.String("type", frame.Type))

	switch frame.Type {
	case wsframe.TypeQuery:
		c.handleQuery(ctx, frame)
	case wsframe.TypeSubscribe:
		c.handleSubscribe(frame)
	case wsframe.TypeUnsubscribe:
		c.handleUnsubscribe(frame)
	default:
		if !c.dispatcher.HasHandler(frame.Type) {
			c.sendEvent(events.NewError(fmt.Sprintf("Unknown message type: %s", frame.Type), "invalid-frame"))
			return
		}
		if err := c.dispatcher.Dispatch(ctx, frame); err != nil {
			c.logger.Error("Frame handler error",
				zap.String("type", frame.Type),
				zap.Error(err))
			c.sendEvent(events.NewError(err.Error(), "invalid-frame"))
		}
	}
}

// handleQuery starts a task for the session and auto-subscribes the socket
// to its feed.
func (c *Client) handleQuery(ctx context.Context, frame *wsframe.Frame) {
	var req wsframe.QueryRequest
	if err := frame.Bind(&req); err != nil {
		c.sendEvent(events.NewError(fmt.Sprintf("Invalid JSON: %v", err), "invalid-frame"))
		return
	}

	result, err := c.svc.StartQuery(ctx, gateway.QueryRequest{
		SessionID:    req.SessionID,
		Content:      req.Content,
		EndpointName: req.EndpointName,
		ModelName:    req.ModelName,
		SecurityMode: req.SecurityMode,
		WorkDir:      req.WorkDir,
	})
	if err != nil {
		if errors.Is(err, task.ErrTaskAlreadyRunning) {
			c.sendSessionEvent(req.SessionID,
				events.NewError("Session already has a running task", "session-busy"))
			return
		}
		c.logger.Error("Failed to start task", zap.Error(err))
		c.sendSessionEvent(req.SessionID, events.NewError(err.Error(), ""))
		return
	}

	c.subscribe(result.SessionID)
	c.sendSessionEvent(result.SessionID,
		events.New(events.TypeTaskStarted, map[string]any{"task_id": result.TaskID}))
}

// handleSubscribe attaches the socket to a session's feed (replay + live)
// and marks its execution viewed.
func (c *Client) handleSubscribe(frame *wsframe.Frame) {
	var req wsframe.SubscribeRequest
	if err := frame.Bind(&req); err != nil {
		c.sendEvent(events.NewError(fmt.Sprintf("Invalid JSON: %v", err), "invalid-frame"))
		return
	}
	if req.SessionID == "" {
		return
	}
	if !c.svc.SessionExists(req.SessionID) {
		c.sendSessionEvent(req.SessionID, events.NewError("Session not found", "session-not-found"))
		return
	}

	c.subscribe(req.SessionID)
	c.svc.MarkViewed(req.SessionID)
}

// handleUnsubscribe detaches this socket from the session's feed.
func (c *Client) handleUnsubscribe(frame *wsframe.Frame) {
	var req wsframe.SubscribeRequest
	if err := frame.Bind(&req); err != nil {
		c.sendEvent(events.NewError(fmt.Sprintf("Invalid JSON: %v", err), "invalid-frame"))
		return
	}
	if req.SessionID == "" {
		return
	}

	c.mu.Lock()
	cancel, ok := c.subscriptions[req.SessionID]
	if ok {
		delete(c.subscriptions, req.SessionID)
	}
	c.mu.Unlock()
	if ok {
		cancel()
		c.logger.Debug("Unsubscribed from session", zap.String("session_id", req.SessionID))
	}
}

// subscribe starts a feed goroutine for the session. Idempotent per client.
func (c *Client) subscribe(sessionID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, ok := c.subscriptions[sessionID]; ok {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.subscriptions[sessionID] = cancel
	c.mu.Unlock()

	feed := c.svc.Subscribe(ctx, sessionID)
	go func() {
		for ev := range feed {
			c.sendSessionEvent(sessionID, ev)
		}
	}()

	c.logger.Debug("Subscribed to session", zap.String("session_id", sessionID))
}

// sendSessionEvent serializes the event with session_id injected into its
// metadata and queues it for the write pump.
func (c *Client) sendSessionEvent(sessionID string, ev *events.Event) {
	if sessionID != "" {
		ev = ev.WithSessionMeta(sessionID)
	}
	c.sendEvent(ev)
}

// sendEvent serializes the event as a flat frame and queues it.
func (c *Client) sendEvent(ev *events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}
	c.queue(data)
}

// queue hands the payload to the write pump, dropping it when the client
// cannot keep up. Safe against concurrent teardown.
func (c *Client) queue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full, dropping frame")
	}
}

// close cancels the feeds and closes the send channel exactly once. Called
// by the hub.
func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	for sessionID, cancel := range c.subscriptions {
		cancel()
		delete(c.subscriptions, sessionID)
	}
	c.mu.Unlock()
}

// WritePump pumps queued frames to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
