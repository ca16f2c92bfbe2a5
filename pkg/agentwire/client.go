package agentwire

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
)

const (
	// maxLineSize is the buffer limit for a single stream-json line. Tool
	// results can embed entire files, so this is generous.
	maxLineSize = 10 * 1024 * 1024

	// initialBufSize is the scanner's starting buffer size
	initialBufSize = 64 * 1024

	// defaultControlTimeout bounds control round-trips when the caller's
	// context has no deadline of its own.
	defaultControlTimeout = 30 * time.Second
)

// MessageHandler is called for each non-control message from the agent CLI.
type MessageHandler func(msg *CLIMessage)

// RequestHandler is called for control requests (permissions, hooks) from
// the agent CLI. It returns the response to send back.
type RequestHandler func(req *ControlRequest, requestID string) (*ControlResponse, error)

// Client speaks the stream-json protocol over an agent process's stdin and
// stdout. It serializes writes, dispatches incoming messages and control
// requests to handlers, and correlates control responses with the requests
// that initiated them.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	log    *logger.Logger

	messageHandler MessageHandler
	requestHandler RequestHandler
	handlerMu      sync.RWMutex

	// pendingRequests correlates our outbound control requests with the
	// CLI's responses, keyed by request id.
	pendingRequests map[string]chan *IncomingControlResponse
	pendingMu       sync.Mutex

	writeMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a client over the given process pipes. Handlers may be
// set before or after Start; control requests that arrive with no request
// handler registered are denied.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:           stdin,
		stdout:          stdout,
		log:             log,
		pendingRequests: make(map[string]chan *IncomingControlResponse),
		ready:           make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// SetMessageHandler sets the handler for stream messages.
func (c *Client) SetMessageHandler(h MessageHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.messageHandler = h
}

// SetRequestHandler sets the handler for control requests.
func (c *Client) SetRequestHandler(h RequestHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.requestHandler = h
}

// Start begins reading the stdout stream. It returns once the read loop is
// running; the loop exits when stdout closes or ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	go c.readLoop(ctx)

	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timed out waiting for read loop to start")
	}
}

// Stop terminates the client and fails any in-flight control round-trips.
func (c *Client) Stop() {
	c.closeOnce.Do(func() {
		close(c.done)
	})

	c.pendingMu.Lock()
	for id, ch := range c.pendingRequests {
		close(ch)
		delete(c.pendingRequests, id)
	}
	c.pendingMu.Unlock()
}

// Done is closed when the read loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Initialize performs the initialize control round-trip and returns the
// agent's advertised commands and sub-agents.
func (c *Client) Initialize(ctx context.Context, timeout time.Duration) (*InitializeResponseData, error) {
	body := SDKControlRequestBody{
		Subtype: SubtypeInitialize,
		Hooks:   nil,
	}
	resp, err := c.roundTrip(ctx, body, timeout)
	if err != nil {
		return nil, fmt.Errorf("initialize failed: %w", err)
	}
	return resp.Response, nil
}

// Interrupt asks the agent to stop its current operation. The agent finishes
// the turn with an interrupted result message.
func (c *Client) Interrupt(ctx context.Context) error {
	body := SDKControlRequestBody{Subtype: SubtypeInterrupt}
	if _, err := c.roundTrip(ctx, body, defaultControlTimeout); err != nil {
		return fmt.Errorf("interrupt failed: %w", err)
	}
	return nil
}

// SetPermissionMode switches the agent's permission mode for subsequent
// tool use.
func (c *Client) SetPermissionMode(ctx context.Context, mode string) error {
	body := SDKControlRequestBody{
		Subtype: SubtypeSetPermissionMode,
		Mode:    mode,
	}
	if _, err := c.roundTrip(ctx, body, defaultControlTimeout); err != nil {
		return fmt.Errorf("set permission mode %q failed: %w", mode, err)
	}
	return nil
}

// SendUserMessage sends a user prompt to the agent.
func (c *Client) SendUserMessage(text string) error {
	msg := UserMessage{
		Type: "user",
		Message: UserMessageBody{
			Role:    "user",
			Content: text,
		},
	}
	return c.send(msg)
}

// SendControlResponse answers a control request from the agent (e.g. a
// permission decision for can_use_tool).
func (c *Client) SendControlResponse(requestID string, resp *ControlResponse) error {
	msg := ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: requestID,
		Response:  resp,
	}
	return c.send(msg)
}

// roundTrip sends a control request and waits for the matching response.
func (c *Client) roundTrip(ctx context.Context, body SDKControlRequestBody, timeout time.Duration) (*IncomingControlResponse, error) {
	requestID := uuid.New().String()

	respCh := make(chan *IncomingControlResponse, 1)
	c.pendingMu.Lock()
	c.pendingRequests[requestID] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pendingRequests, requestID)
		c.pendingMu.Unlock()
	}()

	req := SDKControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request:   body,
	}
	if err := c.send(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("client stopped while waiting for %s response", body.Subtype)
		}
		if resp.Subtype == "error" {
			return nil, fmt.Errorf("agent returned error: %s", resp.Error)
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("timed out waiting for %s response", body.Subtype)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("client stopped while waiting for %s response", body.Subtype)
	}
}

// send marshals a message and writes it as one newline-terminated line.
func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// readLoop reads newline-delimited JSON from stdout until EOF or cancel.
func (c *Client) readLoop(ctx context.Context) {
	defer c.Stop()

	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, initialBufSize), maxLineSize)

	c.readyOnce.Do(func() {
		close(c.ready)
	})

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.log.WithError(err).Debug("agent stdout read loop ended")
	}
}

// handleLine parses one stream line and dispatches it. Unparseable lines are
// logged and dropped; the CLI intersperses no non-JSON output in stream-json
// mode, so these indicate truncation.
func (c *Client) handleLine(line []byte) {
	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.log.WithError(err).Warn("failed to parse agent stream line",
			zap.Int("line_len", len(line)))
		return
	}

	switch msg.Type {
	case MessageTypeControlRequest:
		go c.handleControlRequest(&msg)
	case MessageTypeControlResponse:
		c.handleControlResponse(&msg)
	default:
		// Preserve the raw line so consumers can reach fields this
		// struct does not model.
		raw := make(json.RawMessage, len(line))
		copy(raw, line)
		msg.RawContent = raw

		c.handlerMu.RLock()
		handler := c.messageHandler
		c.handlerMu.RUnlock()
		if handler != nil {
			handler(&msg)
		}
	}
}

// handleControlRequest dispatches an inbound control request to the request
// handler and sends its decision back. With no handler registered the
// request is denied.
func (c *Client) handleControlRequest(msg *CLIMessage) {
	if msg.Request == nil {
		c.log.Warn("control request without a body",
			zap.String("request_id", msg.RequestID))
		return
	}

	c.handlerMu.RLock()
	handler := c.requestHandler
	c.handlerMu.RUnlock()

	var resp *ControlResponse
	if handler == nil {
		resp = &ControlResponse{
			Subtype: "success",
			Result: &PermissionResult{
				Behavior: BehaviorDeny,
				Message:  "no handler registered",
			},
		}
	} else {
		result, err := handler(msg.Request, msg.RequestID)
		if err != nil {
			resp = &ControlResponse{
				Subtype: "error",
				Error:   err.Error(),
			}
		} else {
			resp = result
		}
	}

	if err := c.SendControlResponse(msg.RequestID, resp); err != nil {
		c.log.WithError(err).Warn("failed to send control response",
			zap.String("request_id", msg.RequestID))
	}
}

// handleControlResponse resolves the pending round-trip that matches the
// response's request id.
func (c *Client) handleControlResponse(msg *CLIMessage) {
	if msg.Response == nil {
		c.log.Warn("control response without a body")
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pendingRequests[msg.Response.RequestID]
	if ok {
		delete(c.pendingRequests, msg.Response.RequestID)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.log.Debug("control response for unknown request",
			zap.String("request_id", msg.Response.RequestID))
		return
	}
	ch <- msg.Response
}
