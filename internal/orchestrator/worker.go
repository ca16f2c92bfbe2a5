package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
	"github.com/wheelhouse-ai/wheelhouse/pkg/agentwire"
)

// EmitFunc receives run events produced while an invocation is in flight
// (worker_start, tool calls, tool results).
type EmitFunc func(eventType string, data map[string]any)

// Worker executes one prompt against an agent and returns its raw output.
// resume carries the agent-side session id of a previous invocation so
// consecutive worker cycles share provider context; the checker always
// passes it empty.
type Worker interface {
	Run(ctx context.Context, cfg *WorkerConfig, prompt, workspace, resume string, emit EmitFunc) (*WorkerResult, error)
}

// StubWorker answers every prompt with a canned result. Used by tests and
// the CLI's stub mode.
type StubWorker struct{}

// Run implements Worker.
func (StubWorker) Run(_ context.Context, _ *WorkerConfig, prompt, _, resume string, _ EmitFunc) (*WorkerResult, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	sessionID := resume
	if sessionID == "" {
		sessionID = "stub-session-" + now
	}
	return &WorkerResult{
		Text:           fmt.Sprintf("Stub response for prompt: %s...\nTimestamp: %s", truncate(prompt, 100), now),
		ToolCalls:      []ToolCall{},
		ToolResults:    []ToolOutcome{},
		AgentSessionID: sessionID,
	}, nil
}

const (
	workerInitTimeout = 30 * time.Second
	workerStopTimeout = 5 * time.Second

	// workerMsgBuffer bounds unread CLI messages during an invocation.
	workerMsgBuffer = 1024

	// Tool previews in run events are clipped to keep the run log readable.
	toolInputPreviewLimit  = 500
	toolResultPreviewLimit = 1000
)

// agentClient is the slice of agentwire.Client a worker invocation drives.
type agentClient interface {
	SetMessageHandler(agentwire.MessageHandler)
	Initialize(ctx context.Context, timeout time.Duration) (*agentwire.InitializeResponseData, error)
	SendUserMessage(text string) error
	Stop()
	Done() <-chan struct{}
}

// agentProcess is the slice of agentwire.Process a worker invocation drives.
type agentProcess interface {
	Stop(timeout time.Duration) error
	StderrTail() string
}

// spawnFunc launches one agent subprocess and attaches a protocol client.
// Swappable so tests can run invocations against a scripted client.
type spawnFunc func(ctx context.Context, opts agentwire.ProcessOptions, log *logger.Logger) (agentProcess, agentClient, error)

func defaultSpawn(ctx context.Context, opts agentwire.ProcessOptions, log *logger.Logger) (agentProcess, agentClient, error) {
	proc, client, err := agentwire.Spawn(ctx, opts, log)
	if err != nil {
		return nil, nil, err
	}
	return proc, client, nil
}

// AgentWorker runs prompts through the external agent CLI, one subprocess
// per invocation.
type AgentWorker struct {
	binary string
	spawn  spawnFunc
	log    *logger.Logger
}

// NewAgentWorker creates a worker spawning the given agent binary; empty
// means the CLI default.
func NewAgentWorker(binary string, log *logger.Logger) *AgentWorker {
	return &AgentWorker{
		binary: binary,
		spawn:  defaultSpawn,
		log:    log.WithFields(zap.String("component", "agent-worker")),
	}
}

// Run implements Worker: spawn, initialize, send the prompt, and fold the
// message stream into a WorkerResult until the CLI reports its result.
func (w *AgentWorker) Run(ctx context.Context, cfg *WorkerConfig, prompt, workspace, resume string, emit EmitFunc) (*WorkerResult, error) {
	mode := cfg.PermissionMode
	if mode == "" {
		mode = agentwire.PermissionModeBypassPermissions
	}
	var allowed []string
	if mode != agentwire.PermissionModeDefault {
		allowed = cfg.ToolsAllow
	}
	cwd := cfg.CWD
	if cwd == "" {
		cwd = workspace
	}

	systemPrompt := expandPlaceholders(cfg.Prompt.System, cwd)
	userPrompt := expandPlaceholders(prompt, cwd)

	opts := agentwire.ProcessOptions{
		Binary:                 w.binary,
		WorkDir:                cwd,
		Model:                  cfg.Model,
		PermissionMode:         mode,
		Resume:                 resume,
		MaxTurns:               cfg.MaxTurns,
		SystemPrompt:           systemPrompt,
		AllowedTools:           allowed,
		DisallowedTools:        cfg.ToolsBlock,
		IncludePartialMessages: cfg.IncludePartialMessages,
		Env:                    buildWorkerEnv(cfg),
	}

	if emit != nil {
		var resumeField any
		if resume != "" {
			resumeField = resume
		}
		emit(EventWorkerStart, map[string]any{
			"system_prompt":   systemPrompt,
			"user_prompt":     userPrompt,
			"model":           cfg.Model,
			"max_turns":       cfg.MaxTurns,
			"permission_mode": mode,
			"cwd":             cwd,
			"resume":          resumeField,
		})
	}

	proc, client, err := w.spawn(ctx, opts, w.log)
	if err != nil {
		return nil, fmt.Errorf("spawn agent: %w", err)
	}
	defer func() {
		client.Stop()
		if proc != nil {
			_ = proc.Stop(workerStopTimeout)
		}
	}()

	msgs := make(chan *agentwire.CLIMessage, workerMsgBuffer)
	client.SetMessageHandler(func(msg *agentwire.CLIMessage) {
		select {
		case msgs <- msg:
		default:
			w.log.Warn("invocation message buffer full, dropping message",
				zap.String("type", msg.Type))
		}
	})

	if _, err := client.Initialize(ctx, workerInitTimeout); err != nil {
		return nil, fmt.Errorf("initialize agent: %w", err)
	}
	if err := client.SendUserMessage(userPrompt); err != nil {
		return nil, fmt.Errorf("send prompt: %w", err)
	}

	w.log.Info("invocation started",
		zap.String("model", cfg.Model),
		zap.Int("prompt_chars", len(userPrompt)),
		zap.Bool("resumed", resume != ""))

	return w.collect(ctx, msgs, client, proc, resume, emit)
}

// collect drains the CLI message stream until the result message, folding
// text, tool calls, and tool results into the invocation's output.
func (w *AgentWorker) collect(ctx context.Context, msgs <-chan *agentwire.CLIMessage, client agentClient, proc agentProcess, resume string, emit EmitFunc) (*WorkerResult, error) {
	res := &WorkerResult{
		ToolCalls:      []ToolCall{},
		ToolResults:    []ToolOutcome{},
		AgentSessionID: resume,
	}
	var text strings.Builder

	for {
		select {
		case msg := <-msgs:
			switch msg.Type {
			case agentwire.MessageTypeSystem:
				if msg.Subtype == agentwire.SubtypeInit && msg.SessionID != "" {
					res.AgentSessionID = msg.SessionID
				}

			case agentwire.MessageTypeAssistant:
				if msg.Message == nil {
					continue
				}
				for _, cb := range msg.Message.GetContentBlocks() {
					switch cb.Type {
					case "text":
						text.WriteString(cb.Text)
					case "tool_use":
						res.ToolCalls = append(res.ToolCalls, ToolCall{ID: cb.ID, Name: cb.Name, Input: cb.Input})
						if emit != nil {
							emit(EventWorkerToolCall, map[string]any{
								"tool_name": cb.Name,
								"tool_id":   cb.ID,
								"input":     previewInput(cb.Input),
							})
						}
					}
				}

			case agentwire.MessageTypeUser:
				if msg.Message == nil {
					continue
				}
				for _, cb := range msg.Message.GetContentBlocks() {
					if cb.Type != "tool_result" {
						continue
					}
					content := cb.GetContentString()
					res.ToolResults = append(res.ToolResults, ToolOutcome{
						ToolUseID: cb.ToolUseID,
						Content:   content,
						IsError:   cb.IsError,
					})
					if emit != nil {
						emit(EventWorkerToolResult, map[string]any{
							"tool_id":  cb.ToolUseID,
							"content":  previewText(content),
							"is_error": cb.IsError,
						})
					}
				}

			case agentwire.MessageTypeResult:
				if msg.Usage != nil {
					res.Usage = msg.Usage
				}
				res.Text = strings.TrimSpace(text.String())
				w.log.Info("invocation finished",
					zap.Int("tool_calls", len(res.ToolCalls)),
					zap.Int("text_chars", len(res.Text)))
				return res, nil
			}

		case <-client.Done():
			text := "agent exited before returning a result"
			if tail := proc.StderrTail(); tail != "" {
				text += ": " + tail
			}
			return nil, errors.New(text)

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// buildWorkerEnv maps a worker config to the agent CLI's environment: an
// explicit endpoint wins, known providers fill in their defaults, and the
// config's own env entries override everything.
func buildWorkerEnv(cfg *WorkerConfig) map[string]string {
	env := make(map[string]string)

	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	endpoint = strings.TrimSuffix(endpoint, "/v1")

	switch {
	case endpoint != "":
		env["ANTHROPIC_BASE_URL"] = endpoint
	case cfg.Provider == "openrouter":
		// OpenRouter wants the key as a bearer token, not as x-api-key.
		env["ANTHROPIC_BASE_URL"] = "https://openrouter.ai/api"
		if cfg.APIKey != "" {
			env["ANTHROPIC_AUTH_TOKEN"] = cfg.APIKey
		}
		env["ANTHROPIC_API_KEY"] = ""
	case cfg.Provider == "local":
		env["ANTHROPIC_BASE_URL"] = "http://localhost:1234/v1"
	}

	if cfg.Provider != "openrouter" {
		if cfg.APIKey != "" {
			env["ANTHROPIC_API_KEY"] = cfg.APIKey
		} else if cfg.Provider == "local" {
			// The CLI refuses to start without a key even when the local
			// endpoint ignores it.
			env["ANTHROPIC_API_KEY"] = "sk-dummy-key"
		}
	}

	if cfg.MaxTokens > 0 {
		env["CLAUDE_CODE_MAX_OUTPUT_TOKENS"] = strconv.Itoa(cfg.MaxTokens)
	}
	if cfg.MaxThinkingTokens > 0 {
		env["MAX_THINKING_TOKENS"] = strconv.Itoa(cfg.MaxThinkingTokens)
	}

	for k, v := range cfg.Env {
		env[k] = v
	}
	return env
}

// previewInput clips long string values in a tool input for event payloads.
func previewInput(input map[string]any) map[string]any {
	preview := make(map[string]any, len(input))
	for k, v := range input {
		if s, ok := v.(string); ok {
			preview[k] = previewString(s, toolInputPreviewLimit)
		} else {
			preview[k] = v
		}
	}
	return preview
}

func previewText(s string) string {
	return previewString(s, toolResultPreviewLimit)
}

func previewString(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
