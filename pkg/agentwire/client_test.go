package agentwire

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
)

// testHarness wires a Client to in-memory pipes so tests can play the agent
// CLI side: read what the client writes, write what the CLI would emit.
type testHarness struct {
	client     *Client
	fromClient *bufio.Scanner
	toClient   *io.PipeWriter
	cancel     context.CancelFunc
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	c := NewClient(stdinW, stdoutR, logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h := &testHarness{
		client:     c,
		fromClient: bufio.NewScanner(stdinR),
		toClient:   stdoutW,
		cancel:     cancel,
	}
	t.Cleanup(func() {
		cancel()
		c.Stop()
		stdoutW.Close()
		stdinR.Close()
	})
	return h
}

// readLine returns the next line the client wrote, parsed into dst.
func (h *testHarness) readLine(t *testing.T, dst any) {
	t.Helper()
	if !h.fromClient.Scan() {
		t.Fatalf("client closed stdin: %v", h.fromClient.Err())
	}
	if err := json.Unmarshal(h.fromClient.Bytes(), dst); err != nil {
		t.Fatalf("parse client line %q: %v", h.fromClient.Text(), err)
	}
}

// emit writes one CLI line to the client's stdout.
func (h *testHarness) emit(t *testing.T, line string) {
	t.Helper()
	if _, err := h.toClient.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("emit: %v", err)
	}
}

func TestClientInitializeRoundTrip(t *testing.T) {
	h := newTestHarness(t)

	type initResult struct {
		data *InitializeResponseData
		err  error
	}
	done := make(chan initResult, 1)
	go func() {
		data, err := h.client.Initialize(context.Background(), 2*time.Second)
		done <- initResult{data, err}
	}()

	var req SDKControlRequest
	h.readLine(t, &req)
	if req.Type != MessageTypeControlRequest || req.Request.Subtype != SubtypeInitialize {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.RequestID == "" {
		t.Fatal("request id missing")
	}

	h.emit(t, `{"type":"control_response","response":{"subtype":"success","request_id":"`+req.RequestID+
		`","response":{"commands":[{"name":"compact"}],"agents":["reviewer"]}}}`)

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Initialize: %v", res.err)
		}
		if len(res.data.Commands) != 1 || res.data.Commands[0].Name != "compact" {
			t.Errorf("commands = %+v", res.data.Commands)
		}
		if len(res.data.Agents) != 1 || res.data.Agents[0] != "reviewer" {
			t.Errorf("agents = %v", res.data.Agents)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Initialize did not return")
	}
}

func TestClientInitializeErrorResponse(t *testing.T) {
	h := newTestHarness(t)

	done := make(chan error, 1)
	go func() {
		_, err := h.client.Initialize(context.Background(), 2*time.Second)
		done <- err
	}()

	var req SDKControlRequest
	h.readLine(t, &req)
	h.emit(t, `{"type":"control_response","response":{"subtype":"error","request_id":"`+req.RequestID+
		`","error":"boom"}}`)

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "boom") {
			t.Fatalf("err = %v, want boom", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Initialize did not return")
	}
}

func TestClientAutoDeniesWithoutHandler(t *testing.T) {
	h := newTestHarness(t)

	h.emit(t, `{"type":"control_request","request_id":"perm-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}`)

	var resp ControlResponseMessage
	h.readLine(t, &resp)
	if resp.RequestID != "perm-1" {
		t.Errorf("RequestID = %q", resp.RequestID)
	}
	if resp.Response.Result == nil || resp.Response.Result.Behavior != BehaviorDeny {
		t.Fatalf("response = %+v", resp.Response)
	}
	if resp.Response.Result.Message != "no handler registered" {
		t.Errorf("message = %q", resp.Response.Result.Message)
	}
}

func TestClientRequestHandlerAllow(t *testing.T) {
	h := newTestHarness(t)

	h.client.SetRequestHandler(func(req *ControlRequest, requestID string) (*ControlResponse, error) {
		if req.ToolName != "Write" {
			t.Errorf("ToolName = %q", req.ToolName)
		}
		return &ControlResponse{
			Subtype: "success",
			Result: &PermissionResult{
				Behavior:     BehaviorAllow,
				UpdatedInput: req.Input,
			},
		}, nil
	})

	h.emit(t, `{"type":"control_request","request_id":"perm-2","request":{"subtype":"can_use_tool","tool_name":"Write","input":{"file_path":"/tmp/a"}}}`)

	var resp ControlResponseMessage
	h.readLine(t, &resp)
	if resp.Response.Result.Behavior != BehaviorAllow {
		t.Fatalf("behavior = %q", resp.Response.Result.Behavior)
	}
}

func TestClientRequestHandlerError(t *testing.T) {
	h := newTestHarness(t)

	h.client.SetRequestHandler(func(req *ControlRequest, requestID string) (*ControlResponse, error) {
		return nil, errors.New("gate unavailable")
	})

	h.emit(t, `{"type":"control_request","request_id":"perm-3","request":{"subtype":"can_use_tool","tool_name":"Bash"}}`)

	var resp ControlResponseMessage
	h.readLine(t, &resp)
	if resp.Response.Subtype != "error" || resp.Response.Error != "gate unavailable" {
		t.Fatalf("response = %+v", resp.Response)
	}
}

func TestClientMessageHandler(t *testing.T) {
	h := newTestHarness(t)

	received := make(chan *CLIMessage, 1)
	h.client.SetMessageHandler(func(msg *CLIMessage) {
		received <- msg
	})

	h.emit(t, `{"type":"assistant","uuid":"u-9","session_id":"s-1","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`)

	select {
	case msg := <-received:
		if msg.Type != MessageTypeAssistant || msg.UUID != "u-9" {
			t.Errorf("msg = %+v", msg)
		}
		if len(msg.RawContent) == 0 {
			t.Error("RawContent not preserved")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message handler not invoked")
	}
}

func TestClientSkipsMalformedLines(t *testing.T) {
	h := newTestHarness(t)

	received := make(chan *CLIMessage, 1)
	h.client.SetMessageHandler(func(msg *CLIMessage) {
		received <- msg
	})

	h.emit(t, `this is not json`)
	h.emit(t, `{"type":"result","subtype":"success","num_turns":1}`)

	select {
	case msg := <-received:
		if msg.Type != MessageTypeResult {
			t.Errorf("Type = %q", msg.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid message after malformed line was not delivered")
	}
}

func TestClientSendUserMessage(t *testing.T) {
	h := newTestHarness(t)

	go func() {
		_ = h.client.SendUserMessage("hello agent")
	}()

	var msg UserMessage
	h.readLine(t, &msg)
	if msg.Type != "user" || msg.Message.Role != "user" {
		t.Errorf("envelope = %+v", msg)
	}
	if msg.Message.Content != "hello agent" {
		t.Errorf("content = %q", msg.Message.Content)
	}
}

func TestClientSetPermissionMode(t *testing.T) {
	h := newTestHarness(t)

	done := make(chan error, 1)
	go func() {
		done <- h.client.SetPermissionMode(context.Background(), PermissionModePlan)
	}()

	var req SDKControlRequest
	h.readLine(t, &req)
	if req.Request.Subtype != SubtypeSetPermissionMode || req.Request.Mode != PermissionModePlan {
		t.Fatalf("request = %+v", req.Request)
	}
	h.emit(t, `{"type":"control_response","response":{"subtype":"success","request_id":"`+req.RequestID+`"}}`)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SetPermissionMode: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SetPermissionMode did not return")
	}
}

func TestClientInterruptContextCancel(t *testing.T) {
	h := newTestHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.client.Interrupt(ctx)
	}()

	var req SDKControlRequest
	h.readLine(t, &req)
	if req.Request.Subtype != SubtypeInterrupt {
		t.Fatalf("subtype = %q", req.Request.Subtype)
	}
	// Never respond; the context deadline should fail the round-trip.

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Interrupt succeeded without a response")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Interrupt did not return")
	}
}

func TestClientStopFailsPendingRequests(t *testing.T) {
	h := newTestHarness(t)

	done := make(chan error, 1)
	go func() {
		_, err := h.client.Initialize(context.Background(), 5*time.Second)
		done <- err
	}()

	var req SDKControlRequest
	h.readLine(t, &req)

	h.client.Stop()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Initialize succeeded after Stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Initialize did not return after Stop")
	}
}
