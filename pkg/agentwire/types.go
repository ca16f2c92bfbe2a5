// Package agentwire provides types and a client for the agent CLI
// stream-json protocol. The agent process speaks newline-delimited JSON over
// stdin/stdout, with control requests flowing in both directions: we send
// initialize/interrupt/set_permission_mode, it sends can_use_tool.
package agentwire

import (
	"encoding/json"
	"strings"
)

// Message types on the agent CLI stdout stream
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text, thinking, or tool_use blocks
	MessageTypeAssistant = "assistant"
	// MessageTypeUser carries tool_result blocks back into the transcript
	MessageTypeUser = "user"
	// MessageTypeResult is the final result message for a turn
	MessageTypeResult = "result"
	// MessageTypeStreamEvent wraps fine-grained streaming deltas
	MessageTypeStreamEvent = "stream_event"
	// MessageTypeControlRequest is a control request (permission, hook)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request
	MessageTypeControlResponse = "control_response"
	// MessageTypeRateLimit reports rate limit status changes
	MessageTypeRateLimit = "rate_limit_event"
)

// System message subtypes
const (
	// SubtypeInit is the first system message of a session; it carries the
	// agent-side session id used as the resume token.
	SubtypeInit = "init"
)

// Control request subtypes
const (
	// SubtypeCanUseTool is a permission request for tool use
	SubtypeCanUseTool = "can_use_tool"
	// SubtypeHookCallback is a hook callback request
	SubtypeHookCallback = "hook_callback"
	// SubtypeInitialize initializes the session
	SubtypeInitialize = "initialize"
	// SubtypeInterrupt interrupts the current operation
	SubtypeInterrupt = "interrupt"
	// SubtypeSetPermissionMode sets the permission mode
	SubtypeSetPermissionMode = "set_permission_mode"
)

// Permission behaviors
const (
	// BehaviorAllow allows the tool use
	BehaviorAllow = "allow"
	// BehaviorDeny denies the tool use
	BehaviorDeny = "deny"
)

// Permission modes accepted by set_permission_mode and --permission-mode
const (
	PermissionModeDefault           = "default"
	PermissionModeAcceptEdits       = "acceptEdits"
	PermissionModePlan              = "plan"
	PermissionModeBypassPermissions = "bypassPermissions"
)

// Streaming event types inside stream_event messages
const (
	StreamMessageStart      = "message_start"
	StreamMessageDelta      = "message_delta"
	StreamMessageStop       = "message_stop"
	StreamContentBlockStart = "content_block_start"
	StreamContentBlockDelta = "content_block_delta"
	StreamContentBlockStop  = "content_block_stop"
)

// Delta types inside content_block_delta events
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaInputJSON = "input_json_delta"
	DeltaSignature = "signature_delta"
)

// CLIMessage represents messages from the agent CLI stdout.
// The message type determines which fields are populated.
type CLIMessage struct {
	// Type is the message type (system, assistant, result, stream_event, ...)
	Type string `json:"type"`

	// UUID identifies the message; block ids for fine-grained text streaming
	// are derived from it.
	UUID string `json:"uuid,omitempty"`

	// SessionID is the agent-side session id (the resume token).
	SessionID string `json:"session_id,omitempty"`

	// Subtype refines system and result messages (init, success, ...).
	Subtype string `json:"subtype,omitempty"`

	// For control_request messages
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For control_response messages (request_id lives inside the response)
	Response *IncomingControlResponse `json:"response,omitempty"`

	// For system init messages
	Model         string   `json:"model,omitempty"`
	CWD           string   `json:"cwd,omitempty"`
	Tools         []string `json:"tools,omitempty"`
	SlashCommands []string `json:"slash_commands,omitempty"`

	// For assistant and user messages
	Message         *AssistantMessage `json:"message,omitempty"`
	ParentToolUseID string            `json:"parent_tool_use_id,omitempty"`

	// For stream_event messages
	Event *StreamEvent `json:"event,omitempty"`

	// Replay markers on transcript messages re-sent after --resume
	IsReplay    bool `json:"isReplay,omitempty"`
	IsSynthetic bool `json:"isSynthetic,omitempty"`

	// Rich sub-agent metadata attached to tool_result user messages
	ToolUseResult json.RawMessage `json:"tool_use_result,omitempty"`

	// For result messages.
	// Result can be either a string (error message) or an object (ResultData).
	Result        json.RawMessage            `json:"result,omitempty"`
	CostUSD       float64                    `json:"total_cost_usd,omitempty"`
	DurationMS    int64                      `json:"duration_ms,omitempty"`
	DurationAPIMS int64                      `json:"duration_api_ms,omitempty"`
	IsError       bool                       `json:"is_error,omitempty"`
	NumTurns      int                        `json:"num_turns,omitempty"`
	Usage         *Usage                     `json:"usage,omitempty"`
	ModelUsage    map[string]ModelUsageStats `json:"model_usage,omitempty"`

	// Raw line for consumers that need fields this struct does not model
	RawContent json.RawMessage `json:"-"`
}

// AssistantMessage contains the assistant's (or echoed user's) content.
// Content is either a plain string or an array of content blocks.
type AssistantMessage struct {
	ID         string          `json:"id,omitempty"`
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Model      string          `json:"model,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
}

// GetContentBlocks parses Content as an array of content blocks.
// Returns nil for string content or empty content.
func (m *AssistantMessage) GetContentBlocks() []ContentBlock {
	if len(m.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// GetContentString returns Content when it is a plain string
// (slash-command output arrives this way). Returns "" for block arrays.
func (m *AssistantMessage) GetContentString() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return ""
	}
	return s
}

// ContentBlock represents a block of content in an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks. Content is either a string or an array of
	// nested text blocks.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// GetContentString flattens a tool_result block's content to text. String
// content is returned as-is; arrays of text blocks are joined by newlines.
func (b *ContentBlock) GetContentString() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var nested []ContentBlock
	if err := json.Unmarshal(b.Content, &nested); err != nil {
		return ""
	}
	parts := make([]string, 0, len(nested))
	for _, block := range nested {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Usage contains token usage information.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ModelUsageStats contains per-model usage statistics from result messages.
// The context_window field provides the actual model context window size.
type ModelUsageStats struct {
	ContextWindow *int64 `json:"context_window,omitempty"`
}

// ResultData contains the final result information.
type ResultData struct {
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// GetResultData attempts to parse the Result field as a ResultData object.
// Returns nil if Result is empty, a string, or cannot be parsed as ResultData.
func (m *CLIMessage) GetResultData() *ResultData {
	if len(m.Result) == 0 {
		return nil
	}
	var data ResultData
	if err := json.Unmarshal(m.Result, &data); err != nil {
		return nil
	}
	return &data
}

// GetResultString returns the Result field as a string.
// This is used when the result is an error message string.
func (m *CLIMessage) GetResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		// Not a string, return empty
		return ""
	}
	return s
}

// StreamEvent is the inner payload of stream_event messages: the raw
// streaming events of the model API, relayed by the CLI when
// --include-partial-messages is on.
type StreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`

	// For content_block_start
	ContentBlock *ContentBlock `json:"content_block,omitempty"`

	// For content_block_delta and message_delta
	Delta *Delta `json:"delta,omitempty"`

	// For message_start and message_delta
	Message *AssistantMessage `json:"message,omitempty"`
	Usage   *Usage            `json:"usage,omitempty"`
}

// Delta carries one incremental update inside a streaming event.
type Delta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Signature   string `json:"signature,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// ControlRequest represents a control request from the agent CLI.
// This is used for permission requests (can_use_tool) and hook callbacks.
type ControlRequest struct {
	// Subtype identifies the type of control request
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`

	// For hook_callback requests
	CallbackID string         `json:"callback_id,omitempty"`
	HookName   string         `json:"hook_name,omitempty"`
	HookInput  map[string]any `json:"hook_input,omitempty"`

	// Permission suggestions from the agent
	PermissionSuggestions []PermissionUpdate `json:"permission_suggestions,omitempty"`
}

// PermissionUpdate represents a permission rule update.
type PermissionUpdate struct {
	Tool    string `json:"tool"`
	Pattern string `json:"pattern,omitempty"`
	Allow   bool   `json:"allow"`
}

// ControlResponseMessage is the message sent to respond to control requests.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // "control_response"
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the response to a control request.
type ControlResponse struct {
	// Subtype is the response type (success, error)
	Subtype string `json:"subtype"`

	// For success responses
	Result *PermissionResult `json:"result,omitempty"`

	// For error responses
	Error string `json:"error,omitempty"`
}

// PermissionResult is the result for tool approval responses.
type PermissionResult struct {
	// Behavior is "allow" or "deny"
	Behavior string `json:"behavior"`

	// UpdatedInput allows modifying the tool input
	UpdatedInput any `json:"updatedInput,omitempty"`

	// UpdatedPermissions adds permission rules for future requests
	UpdatedPermissions []PermissionUpdate `json:"updatedPermissions,omitempty"`

	// Message provides feedback to the model
	Message string `json:"message,omitempty"`

	// Interrupt stops the current operation (for deny)
	Interrupt *bool `json:"interrupt,omitempty"`
}

// IncomingControlResponse is the agent CLI's reply to a control request we
// sent (initialize, interrupt, set_permission_mode).
type IncomingControlResponse struct {
	// Subtype is "success" or "error"
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id"`

	// For successful initialize responses
	Response *InitializeResponseData `json:"response,omitempty"`

	// For error responses
	Error string `json:"error,omitempty"`
}

// InitializeResponseData is the payload of a successful initialize response.
type InitializeResponseData struct {
	Commands []CommandInfo `json:"commands,omitempty"`
	Agents   []string      `json:"agents,omitempty"`
}

// CommandInfo describes one slash command advertised by the agent.
type CommandInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// SDKControlRequest is a control request sent to the agent CLI.
// Used for initialize, interrupt, and set_permission_mode.
type SDKControlRequest struct {
	Type      string                `json:"type"` // "control_request"
	RequestID string                `json:"request_id"`
	Request   SDKControlRequestBody `json:"request"`
}

// SDKControlRequestBody contains the body of an SDK control request.
type SDKControlRequestBody struct {
	// Subtype identifies the operation (initialize, interrupt, set_permission_mode)
	Subtype string `json:"subtype"`

	// For initialize requests
	Hooks map[string]any `json:"hooks,omitempty"`

	// For set_permission_mode requests
	Mode string `json:"mode,omitempty"`
}

// UserMessage is sent to provide a prompt to the agent CLI.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

// Common tool names that require permission
const (
	ToolBash         = "Bash"
	ToolWrite        = "Write"
	ToolEdit         = "Edit"
	ToolNotebookEdit = "NotebookEdit"
	ToolRead         = "Read"
	ToolGlob         = "Glob"
	ToolGrep         = "Grep"
	ToolTask         = "Task"
	ToolWebFetch     = "WebFetch"
	ToolWebSearch    = "WebSearch"
)
