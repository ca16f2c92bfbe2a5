package orchestrator

import (
	"time"

	"github.com/wheelhouse-ai/wheelhouse/pkg/agentwire"
)

// Run statuses. Completed and failed are terminal.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// defaultMaxTurns bounds a worker invocation when the config leaves
// max_turns unset.
const defaultMaxTurns = 10

// PromptConfig splits an agent's prompt into the static system part and the
// per-cycle user part. Both may contain {{TIME}} and {{CWD}} placeholders.
type PromptConfig struct {
	System string `json:"system,omitempty"`
	User   string `json:"user,omitempty"`
}

// WorkerConfig describes one agent role (worker or checker): which model it
// runs, where it talks to, and its tool and token budgets.
type WorkerConfig struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Model    string `json:"model"`
	Provider string `json:"provider,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`

	Prompt     PromptConfig      `json:"prompt"`
	ToolsAllow []string          `json:"tools_allow,omitempty"`
	ToolsBlock []string          `json:"tools_block,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	CWD        string            `json:"cwd,omitempty"`

	MaxTurns          int `json:"max_turns"`
	MaxTokens         int `json:"max_tokens,omitempty"`
	MaxThinkingTokens int `json:"max_thinking_tokens,omitempty"`

	PermissionMode         string `json:"permission_mode,omitempty"`
	IncludePartialMessages bool   `json:"include_partial_messages,omitempty"`
}

// Normalize fills derived defaults: the display name falls back to the id,
// an unset max_turns gets the standard budget.
func (c *WorkerConfig) Normalize() {
	if c.Name == "" {
		c.Name = c.ID
	}
	if c.MaxTurns == 0 {
		c.MaxTurns = defaultMaxTurns
	}
}

// TaskDefinition is the unit of work an autonomous run iterates on.
type TaskDefinition struct {
	TaskID         string         `json:"task_id"`
	Name           string         `json:"name"`
	Objective      string         `json:"objective"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	ExpectedOutput map[string]any `json:"expected_output,omitempty"`
}

// Normalize fills the display name from the task id when absent.
func (t *TaskDefinition) Normalize() {
	if t.Name == "" {
		t.Name = t.TaskID
	}
}

// ToolCall is one tool invocation the agent made during an invocation.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// ToolOutcome is the result the agent saw for one tool call.
type ToolOutcome struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// WorkerResult is the raw output of one agent invocation, before the engine
// applies any interpretation.
type WorkerResult struct {
	Text           string           `json:"text"`
	ToolCalls      []ToolCall       `json:"tool_calls"`
	ToolResults    []ToolOutcome    `json:"tool_results"`
	AgentSessionID string           `json:"agent_session_id,omitempty"`
	Usage          *agentwire.Usage `json:"usage,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// CheckerResult is the parsed verdict for one cycle. NextInput, when set,
// becomes the next cycle's input payload so the worker sees the feedback.
type CheckerResult struct {
	Passed    bool           `json:"passed"`
	Reason    string         `json:"reason,omitempty"`
	NextInput map[string]any `json:"next_input,omitempty"`
}

// CycleRecord is the durable record of a single worker-checker cycle.
type CycleRecord struct {
	CycleIndex    int            `json:"cycle_index"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       time.Time      `json:"ended_at"`
	InputPayload  map[string]any `json:"input_payload"`
	Result        *WorkerResult  `json:"result"`
	Passed        bool           `json:"passed"`
	CheckerReason string         `json:"checker_reason,omitempty"`
	Summary       string         `json:"summary"`
	Artifacts     []string       `json:"artifacts"`
}

// RunState is the durable state of one autonomous run.
type RunState struct {
	SessionID    string          `json:"session_id"`
	Status       string          `json:"status"`
	WorkerConfig *WorkerConfig   `json:"worker_config"`
	Task         *TaskDefinition `json:"task"`
	CycleCount   int             `json:"cycle_count"`
	MaxCycles    int             `json:"max_cycles"`
	InputPayload map[string]any  `json:"input_payload"`
	LastResult   *WorkerResult   `json:"last_result,omitempty"`
	History      []*CycleRecord  `json:"history"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`

	ResetOnMaxCycles bool   `json:"reset_on_max_cycles"`
	ResetCount       int    `json:"reset_count"`
	MaxResets        int    `json:"max_resets"`
	LastError        string `json:"last_error,omitempty"`
}

// Terminal reports whether the run has finished, successfully or not.
func (s *RunState) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
