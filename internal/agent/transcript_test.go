package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelhouse-ai/wheelhouse/internal/events"
	"github.com/wheelhouse-ai/wheelhouse/internal/session"
)

func TestTranscriptTextAndThinking(t *testing.T) {
	b := NewTranscriptBuilder()
	assert.True(t, b.Empty())

	b.Observe(events.New(events.TypeText, "First paragraph.").WithID("text-1"))
	b.Observe(events.New(events.TypeThinking, "internal reasoning").WithID("think-1"))
	b.Observe(events.New(events.TypeText, "Second paragraph."))

	assert.False(t, b.Empty())
	msg := b.Message()
	assert.Equal(t, session.RoleAssistant, msg.Role)
	assert.Equal(t, "First paragraph.\n\nSecond paragraph.", msg.Content)

	require.Len(t, msg.Blocks, 3)
	assert.Equal(t, session.BlockTypeText, msg.Blocks[0].Type)
	assert.Equal(t, "text-1", msg.Blocks[0].ID)
	assert.Equal(t, session.BlockTypeThinking, msg.Blocks[1].Type)
	assert.Equal(t, "internal reasoning", msg.Blocks[1].Content)
	assert.NotEmpty(t, msg.Blocks[2].ID)
	assert.NotZero(t, msg.Blocks[2].Timestamp)
}

func TestTranscriptSkipsEmptyText(t *testing.T) {
	b := NewTranscriptBuilder()
	b.Observe(events.New(events.TypeText, ""))
	b.Observe(events.New(events.TypeThinking, ""))
	assert.True(t, b.Empty())
}

func TestTranscriptToolResultFoldsIntoCall(t *testing.T) {
	b := NewTranscriptBuilder()

	b.Observe(events.New(events.TypeToolUse, map[string]any{
		"id":    "toolu_01",
		"name":  "Bash",
		"input": map[string]any{"command": "ls"},
	}))

	msg := b.Message()
	require.Len(t, msg.Blocks, 1)
	assert.Equal(t, session.BlockStatusRunning, msg.Blocks[0].Status)

	b.Observe(events.New(events.TypeToolResult, map[string]any{
		"tool_use_id": "toolu_01",
		"content":     "main.go",
		"is_error":    false,
	}))

	msg = b.Message()
	require.Len(t, msg.Blocks, 1)
	blk := msg.Blocks[0]
	assert.Equal(t, "toolu_01", blk.ID)
	assert.Equal(t, session.BlockStatusSuccess, blk.Status)

	content := blk.Content.(map[string]any)
	assert.Equal(t, "main.go", content["result"])
	assert.Equal(t, false, content["is_error"])
}

func TestTranscriptToolResultError(t *testing.T) {
	b := NewTranscriptBuilder()

	b.Observe(events.New(events.TypeToolUse, map[string]any{
		"id":   "toolu_02",
		"name": "Write",
	}))
	b.Observe(events.New(events.TypeToolResult, map[string]any{
		"tool_use_id": "toolu_02",
		"content":     "permission denied",
		"is_error":    true,
	}))

	blk := b.Message().Blocks[0]
	assert.Equal(t, session.BlockStatusError, blk.Status)
	assert.Equal(t, true, blk.Content.(map[string]any)["is_error"])
}

func TestTranscriptOrphanToolResult(t *testing.T) {
	b := NewTranscriptBuilder()

	b.Observe(events.New(events.TypeToolResult, map[string]any{
		"tool_use_id": "toolu_ghost",
		"content":     "late output",
		"is_error":    false,
	}))

	msg := b.Message()
	require.Len(t, msg.Blocks, 1)
	blk := msg.Blocks[0]
	assert.Equal(t, session.BlockTypeToolUse, blk.Type)
	assert.Equal(t, session.BlockStatusSuccess, blk.Status)

	content := blk.Content.(map[string]any)
	assert.Equal(t, "toolu_ghost", content["id"])
	assert.Equal(t, "unknown", content["name"])
	assert.Equal(t, "late output", content["result"])
}

func TestTranscriptAskUserExchange(t *testing.T) {
	b := NewTranscriptBuilder()

	b.Observe(events.New(events.TypeAskUser, map[string]any{
		"request_id": "req-1",
		"questions":  []any{map[string]any{"question": "Deploy?"}},
	}))

	blk := b.Message().Blocks[0]
	assert.Equal(t, session.BlockTypeAskUser, blk.Type)
	assert.Equal(t, "req-1", blk.ID)
	assert.Equal(t, session.BlockStatusRunning, blk.Status)

	b.Observe(events.New(events.TypeAskUserResult, map[string]any{
		"request_id": "req-1",
		"status":     "answered",
		"answers":    map[string]any{"Deploy?": "yes"},
	}))

	blk = b.Message().Blocks[0]
	assert.Equal(t, session.BlockStatusSuccess, blk.Status)
	content := blk.Content.(map[string]any)
	assert.Equal(t, "answered", content["status"])
	assert.Equal(t, map[string]any{"Deploy?": "yes"}, content["answers"])
}

func TestTranscriptAskUserTimeout(t *testing.T) {
	b := NewTranscriptBuilder()

	b.Observe(events.New(events.TypeAskUser, map[string]any{"request_id": "req-2"}))
	b.Observe(events.New(events.TypeAskUserResult, map[string]any{
		"request_id": "req-2",
		"status":     "timeout",
	}))

	blk := b.Message().Blocks[0]
	assert.Equal(t, session.BlockStatusError, blk.Status)

	// A result for an unknown request is dropped.
	b.Observe(events.New(events.TypeAskUserResult, map[string]any{
		"request_id": "req-ghost",
		"status":     "answered",
	}))
	assert.Len(t, b.Message().Blocks, 1)
}

func TestTranscriptCapturesAgentSessionID(t *testing.T) {
	b := NewTranscriptBuilder()

	b.Observe(events.New(events.TypeSystem, map[string]any{
		"agent_session_id": "agent-77",
	}).WithMeta("subtype", "init"))

	assert.Equal(t, "agent-77", b.AgentSessionID())
	// Init events carry no transcript content.
	assert.True(t, b.Empty())

	// Non-init system events do not overwrite it.
	b.Observe(events.New(events.TypeSystem, map[string]any{
		"agent_session_id": "other",
	}).WithMeta("subtype", "status"))
	assert.Equal(t, "agent-77", b.AgentSessionID())
}

func TestTranscriptTodosBecomePlanBlock(t *testing.T) {
	b := NewTranscriptBuilder()

	b.Observe(events.New(events.TypeTodos, map[string]any{
		"todos": []any{map[string]any{"content": "step", "status": "pending"}},
	}))

	blk := b.Message().Blocks[0]
	assert.Equal(t, session.BlockTypePlan, blk.Type)
}

func TestTranscriptError(t *testing.T) {
	b := NewTranscriptBuilder()

	b.Observe(events.NewError("Agent process exited unexpectedly", "stream_error"))

	assert.True(t, b.sawError)
	msg := b.Message()
	assert.Equal(t, "Agent process exited unexpectedly", msg.Content)
	require.Len(t, msg.Blocks, 1)
	assert.Equal(t, session.BlockTypeText, msg.Blocks[0].Type)
	assert.Equal(t, session.BlockStatusError, msg.Blocks[0].Status)
}

func TestTranscriptIgnoresDeltaEvents(t *testing.T) {
	b := NewTranscriptBuilder()

	b.Observe(events.New(events.TypeTextStart, nil).WithID("t1"))
	b.Observe(events.New(events.TypeTextDelta, "chunk").WithID("t1"))
	b.Observe(events.New(events.TypeTextEnd, nil).WithID("t1"))
	b.Observe(events.New(events.TypeToolInputDelta, `{"x":`).WithID("t2"))
	b.Observe(nil)

	assert.True(t, b.Empty())
}
