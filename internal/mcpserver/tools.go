package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
)

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List all agent sessions with their summaries. Use this first to find session IDs for other operations."),
		),
		listSessionsHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("get_session",
			mcp.WithDescription("Get one session's full conversation history, including messages and tool activity."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to fetch"),
			),
		),
		getSessionHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("session_status",
			mcp.WithDescription("Get a session's current task execution: status, whether work is still running, and unread output."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to check"),
			),
		),
		sessionStatusHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("interrupt_session",
			mcp.WithDescription("Interrupt a session's running task. The task ends as completed and keeps its partial output."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to interrupt"),
			),
		),
		interruptSessionHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("mark_viewed",
			mcp.WithDescription("Mark a session's task output as viewed, clearing its unread indicator."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to mark"),
			),
		),
		markViewedHandler(cfg, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 5))
}

func listSessionsHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return callAPI(ctx, cfg, log, http.MethodGet, "/api/v1/sessions", "fetch sessions")
	}
}

func getSessionHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return callAPI(ctx, cfg, log, http.MethodGet, "/api/v1/sessions/"+sessionID, "fetch session")
	}
}

func sessionStatusHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return callAPI(ctx, cfg, log, http.MethodGet, "/api/v1/sessions/"+sessionID+"/task", "fetch task status")
	}
}

func interruptSessionHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return callAPI(ctx, cfg, log, http.MethodPost, "/api/v1/sessions/"+sessionID+"/interrupt", "interrupt session")
	}
}

func markViewedHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return callAPI(ctx, cfg, log, http.MethodPost, "/api/v1/sessions/"+sessionID+"/task/viewed", "mark task viewed")
	}
}

// callAPI proxies one tool invocation to the wheelhouse REST API and wraps
// the JSON response (or the failure) as a tool result.
func callAPI(ctx context.Context, cfg Config, log *logger.Logger, method, path, action string) (*mcp.CallToolResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, cfg.WheelhouseURL+path, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %v", action, err)), nil
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		log.Error("wheelhouse API request failed",
			zap.String("path", path),
			zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %v", action, err)), nil
	}
	defer func() { _ = resp.Body.Close() }()

	var result json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}

	if resp.StatusCode >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", resp.StatusCode, string(result))), nil
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(formatted)), nil
}
