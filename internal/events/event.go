// Package events defines the canonical event vocabulary shared by the
// interactive gateway, the task runner, and the autonomous orchestrator.
package events

// Stream event types. Fine-grained start/delta/end triples carry incremental
// output keyed by a block id; the aggregated forms (text, thinking, tool_use,
// tool_result) are emitted for consumers that do not track deltas.
const (
	TypeStart  = "start"
	TypeDone   = "done"
	TypeError  = "error"
	TypeSystem = "system"

	TypeText       = "text"
	TypeThinking   = "thinking"
	TypeToolUse    = "tool_use"
	TypeToolResult = "tool_result"
	TypeTodos      = "todos"

	TypeTextStart      = "text_start"
	TypeTextDelta      = "text_delta"
	TypeTextEnd        = "text_end"
	TypeThinkingStart  = "thinking_start"
	TypeThinkingDelta  = "thinking_delta"
	TypeThinkingEnd    = "thinking_end"
	TypeToolInputStart = "tool_input_start"
	TypeToolInputDelta = "tool_input_delta"
	TypeToolInputEnd   = "tool_input_end"

	TypeAskUser           = "ask_user"
	TypeAskUserResult     = "ask_user_result"
	TypePermissionRequest = "permission_request"
	TypePermissionResult  = "permission_result"

	TypeTaskStarted = "task_started"
)

// Event is the unit that flows from a streaming turn to every consumer:
// the durable task log, live WebSocket subscribers, and the broadcast bus.
// ID ties delta events to their block; Usage appears on done events.
// Timestamp (epoch milliseconds) is stamped when the event is appended to
// a task's buffer.
type Event struct {
	Type      string         `json:"type"`
	Content   any            `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	ID        string         `json:"id,omitempty"`
	Usage     map[string]any `json:"usage,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// New returns an event of the given type with an empty metadata map.
func New(eventType string, content any) *Event {
	return &Event{
		Type:     eventType,
		Content:  content,
		Metadata: map[string]any{},
	}
}

// NewError returns an error event. errType names the failure class and is
// carried in metadata so clients can distinguish transport failures from
// agent-reported ones.
func NewError(content any, errType string) *Event {
	ev := New(TypeError, content)
	if errType != "" {
		ev.Metadata["error_type"] = errType
	}
	return ev
}

// WithID sets the block id and returns the event for chaining.
func (e *Event) WithID(id string) *Event {
	e.ID = id
	return e
}

// WithMeta sets a metadata key and returns the event for chaining.
func (e *Event) WithMeta(key string, value any) *Event {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	e.Metadata[key] = value
	return e
}

// WithUsage attaches usage counters and returns the event for chaining.
func (e *Event) WithUsage(usage map[string]any) *Event {
	e.Usage = usage
	return e
}

// Terminal reports whether this event ends a task (done or error).
func (e *Event) Terminal() bool {
	return e.Type == TypeDone || e.Type == TypeError
}

// WithSessionMeta returns a shallow copy of the event whose metadata map is
// also copied and carries session_id. Events are shared across subscribers,
// so per-connection additions must never mutate the original.
func (e *Event) WithSessionMeta(sessionID string) *Event {
	clone := *e
	meta := make(map[string]any, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		meta[k] = v
	}
	meta["session_id"] = sessionID
	clone.Metadata = meta
	return &clone
}
