package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
	"github.com/wheelhouse-ai/wheelhouse/internal/events"
	"github.com/wheelhouse-ai/wheelhouse/pkg/agentwire"
)

func newTestTranslator(includePartial bool) *turnTranslator {
	return newTurnTranslator(includePartial, logger.Default())
}

func blocksJSON(t *testing.T, blocks any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(blocks)
	require.NoError(t, err)
	return raw
}

func TestTranslateSystemInit(t *testing.T) {
	tr := newTestTranslator(true)

	evs, done := tr.Translate(&agentwire.CLIMessage{
		Type:          agentwire.MessageTypeSystem,
		Subtype:       agentwire.SubtypeInit,
		SessionID:     "agent-abc",
		SlashCommands: []string{"/compact", "/clear"},
	})
	assert.False(t, done)
	require.Len(t, evs, 1)

	assert.Equal(t, events.TypeSystem, evs[0].Type)
	assert.Equal(t, "init", evs[0].Metadata["subtype"])
	content := evs[0].Content.(map[string]any)
	assert.Equal(t, "agent-abc", content["agent_session_id"])
	assert.Equal(t, "agent-abc", tr.agentSessionID)
}

func TestTranslateSystemTodos(t *testing.T) {
	tr := newTestTranslator(true)

	evs, _ := tr.Translate(&agentwire.CLIMessage{
		Type:       agentwire.MessageTypeSystem,
		Subtype:    "todo_update",
		RawContent: json.RawMessage(`{"type":"system","subtype":"todo_update","todos":[{"content":"step 1","status":"pending"}]}`),
	})
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeTodos, evs[0].Type)
	assert.Equal(t, "todo_update", evs[0].Metadata["subtype"])

	content := evs[0].Content.(map[string]any)
	todos := content["todos"].([]any)
	require.Len(t, todos, 1)

	// System messages without a todo list stay silent.
	evs, _ = tr.Translate(&agentwire.CLIMessage{
		Type:       agentwire.MessageTypeSystem,
		Subtype:    "compact_boundary",
		RawContent: json.RawMessage(`{"type":"system","subtype":"compact_boundary"}`),
	})
	assert.Empty(t, evs)
}

func TestTranslateTextBlockStream(t *testing.T) {
	tr := newTestTranslator(true)

	evs, _ := tr.Translate(&agentwire.CLIMessage{
		Type:  agentwire.MessageTypeStreamEvent,
		Event: &agentwire.StreamEvent{Type: agentwire.StreamMessageStart},
	})
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeStart, evs[0].Type)

	evs, _ = tr.Translate(&agentwire.CLIMessage{
		Type: agentwire.MessageTypeStreamEvent,
		UUID: "msg-1",
		Event: &agentwire.StreamEvent{
			Type:         agentwire.StreamContentBlockStart,
			Index:        0,
			ContentBlock: &agentwire.ContentBlock{Type: "text"},
		},
	})
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeTextStart, evs[0].Type)
	assert.Equal(t, "text_msg-1_0", evs[0].ID)

	for _, chunk := range []string{"Hello", ", world"} {
		evs, _ = tr.Translate(&agentwire.CLIMessage{
			Type: agentwire.MessageTypeStreamEvent,
			Event: &agentwire.StreamEvent{
				Type:  agentwire.StreamContentBlockDelta,
				Index: 0,
				Delta: &agentwire.Delta{Type: agentwire.DeltaText, Text: chunk},
			},
		})
		require.Len(t, evs, 1)
		assert.Equal(t, events.TypeTextDelta, evs[0].Type)
		assert.Equal(t, chunk, evs[0].Content)
		assert.Equal(t, "text_msg-1_0", evs[0].ID)
	}

	evs, _ = tr.Translate(&agentwire.CLIMessage{
		Type:  agentwire.MessageTypeStreamEvent,
		Event: &agentwire.StreamEvent{Type: agentwire.StreamContentBlockStop, Index: 0},
	})
	require.Len(t, evs, 2)
	assert.Equal(t, events.TypeTextEnd, evs[0].Type)
	assert.Equal(t, events.TypeText, evs[1].Type)
	assert.Equal(t, "Hello, world", evs[1].Content)
	assert.Empty(t, tr.blocks)
}

func TestTranslateThinkingBlockStream(t *testing.T) {
	tr := newTestTranslator(true)

	evs, _ := tr.Translate(&agentwire.CLIMessage{
		Type: agentwire.MessageTypeStreamEvent,
		Event: &agentwire.StreamEvent{
			Type:         agentwire.StreamContentBlockStart,
			Index:        1,
			ContentBlock: &agentwire.ContentBlock{Type: "thinking"},
		},
	})
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeThinkingStart, evs[0].Type)
	assert.Equal(t, "thinking_1", evs[0].ID)

	evs, _ = tr.Translate(&agentwire.CLIMessage{
		Type: agentwire.MessageTypeStreamEvent,
		Event: &agentwire.StreamEvent{
			Type:  agentwire.StreamContentBlockDelta,
			Index: 1,
			Delta: &agentwire.Delta{Type: agentwire.DeltaThinking, Thinking: "pondering"},
		},
	})
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeThinkingDelta, evs[0].Type)

	evs, _ = tr.Translate(&agentwire.CLIMessage{
		Type:  agentwire.MessageTypeStreamEvent,
		Event: &agentwire.StreamEvent{Type: agentwire.StreamContentBlockStop, Index: 1},
	})
	require.Len(t, evs, 2)
	assert.Equal(t, events.TypeThinkingEnd, evs[0].Type)
	assert.Equal(t, events.TypeThinking, evs[1].Type)
	assert.Equal(t, "pondering", evs[1].Content)
}

func TestTranslateToolBlockStream(t *testing.T) {
	tr := newTestTranslator(true)

	evs, _ := tr.Translate(&agentwire.CLIMessage{
		Type: agentwire.MessageTypeStreamEvent,
		Event: &agentwire.StreamEvent{
			Type:         agentwire.StreamContentBlockStart,
			Index:        0,
			ContentBlock: &agentwire.ContentBlock{Type: "tool_use", ID: "toolu_01", Name: "Bash"},
		},
	})
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeToolInputStart, evs[0].Type)
	assert.Equal(t, "toolu_01", evs[0].ID)
	assert.Equal(t, map[string]any{"name": "Bash"}, evs[0].Content)

	evs, _ = tr.Translate(&agentwire.CLIMessage{
		Type: agentwire.MessageTypeStreamEvent,
		Event: &agentwire.StreamEvent{
			Type:  agentwire.StreamContentBlockDelta,
			Index: 0,
			Delta: &agentwire.Delta{Type: agentwire.DeltaInputJSON, PartialJSON: `{"command":`},
		},
	})
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeToolInputDelta, evs[0].Type)
	assert.Equal(t, `{"command":`, evs[0].Content)

	evs, _ = tr.Translate(&agentwire.CLIMessage{
		Type:  agentwire.MessageTypeStreamEvent,
		Event: &agentwire.StreamEvent{Type: agentwire.StreamContentBlockStop, Index: 0},
	})
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeToolInputEnd, evs[0].Type)
}

func TestTranslateDeltaForUnknownBlock(t *testing.T) {
	tr := newTestTranslator(true)

	evs, _ := tr.Translate(&agentwire.CLIMessage{
		Type: agentwire.MessageTypeStreamEvent,
		Event: &agentwire.StreamEvent{
			Type:  agentwire.StreamContentBlockDelta,
			Index: 9,
			Delta: &agentwire.Delta{Type: agentwire.DeltaText, Text: "orphan"},
		},
	})
	assert.Empty(t, evs)

	evs, _ = tr.Translate(&agentwire.CLIMessage{
		Type:  agentwire.MessageTypeStreamEvent,
		Event: &agentwire.StreamEvent{Type: agentwire.StreamContentBlockStop, Index: 9},
	})
	assert.Empty(t, evs)
}

func TestTranslateAssistantToolUse(t *testing.T) {
	tr := newTestTranslator(true)

	content := blocksJSON(t, []map[string]any{
		{"type": "tool_use", "id": "toolu_02", "name": "Write", "input": map[string]any{"file_path": "out.txt"}},
		{"type": "text", "text": "Writing the file now."},
	})
	evs, done := tr.Translate(&agentwire.CLIMessage{
		Type:    agentwire.MessageTypeAssistant,
		Message: &agentwire.AssistantMessage{Role: "assistant", Content: content},
	})
	assert.False(t, done)

	// The text block streamed already; only the tool_use surfaces here.
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeToolUse, evs[0].Type)
	assert.Equal(t, 1, evs[0].Metadata["turn"])

	body := evs[0].Content.(map[string]any)
	assert.Equal(t, "toolu_02", body["id"])
	assert.Equal(t, "Write", body["name"])
}

func TestTranslateAssistantErrorText(t *testing.T) {
	tr := newTestTranslator(true)

	content := blocksJSON(t, []map[string]any{
		{"type": "text", "text": "Error: credit balance too low"},
	})
	evs, _ := tr.Translate(&agentwire.CLIMessage{
		Type:    agentwire.MessageTypeAssistant,
		Message: &agentwire.AssistantMessage{Role: "assistant", Content: content},
	})
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeText, evs[0].Type)
	assert.Equal(t, "Error: credit balance too low", evs[0].Content)
}

func TestTranslateAssistantThinkingWithoutPartials(t *testing.T) {
	content := blocksJSON(t, []map[string]any{
		{"type": "thinking", "thinking": "let me think"},
	})
	msg := &agentwire.CLIMessage{
		Type:    agentwire.MessageTypeAssistant,
		Message: &agentwire.AssistantMessage{Role: "assistant", Content: content},
	}

	// With partials on, the deltas already carried the thinking.
	evs, _ := newTestTranslator(true).Translate(msg)
	assert.Empty(t, evs)

	evs, _ = newTestTranslator(false).Translate(msg)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeThinking, evs[0].Type)
	assert.Equal(t, "let me think", evs[0].Content)
}

func TestTranslateUserToolResult(t *testing.T) {
	tr := newTestTranslator(true)

	content := blocksJSON(t, []map[string]any{
		{"type": "tool_result", "tool_use_id": "toolu_02", "content": "wrote 3 lines", "is_error": false},
	})
	evs, done := tr.Translate(&agentwire.CLIMessage{
		Type:    agentwire.MessageTypeUser,
		Message: &agentwire.AssistantMessage{Role: "user", Content: content},
	})
	assert.False(t, done)
	require.Len(t, evs, 1)

	assert.Equal(t, events.TypeToolResult, evs[0].Type)
	body := evs[0].Content.(map[string]any)
	assert.Equal(t, "toolu_02", body["tool_use_id"])
	assert.Equal(t, "wrote 3 lines", body["content"])
	assert.Equal(t, false, body["is_error"])
}

func TestTranslateUserSlashCommandOutput(t *testing.T) {
	tr := newTestTranslator(true)

	raw, err := json.Marshal("<local-command-stdout>Compacted.</local-command-stdout>")
	require.NoError(t, err)
	evs, _ := tr.Translate(&agentwire.CLIMessage{
		Type:    agentwire.MessageTypeUser,
		Message: &agentwire.AssistantMessage{Role: "user", Content: raw},
	})
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeText, evs[0].Type)
	assert.Equal(t, "Compacted.", evs[0].Content)
	assert.Equal(t, "slash_command", evs[0].Metadata["source"])
	assert.Equal(t, false, evs[0].Metadata["is_error"])

	raw, err = json.Marshal("<local-command-stderr>Unknown command</local-command-stderr>")
	require.NoError(t, err)
	evs, _ = tr.Translate(&agentwire.CLIMessage{
		Type:    agentwire.MessageTypeUser,
		Message: &agentwire.AssistantMessage{Role: "user", Content: raw},
	})
	require.Len(t, evs, 1)
	assert.Equal(t, "Unknown command", evs[0].Content)
	assert.Equal(t, true, evs[0].Metadata["is_error"])
}

func TestTranslateResultSuccessAndDoneEvent(t *testing.T) {
	tr := newTestTranslator(true)

	// One assistant turn so total_turns is non-zero.
	content := blocksJSON(t, []map[string]any{
		{"type": "tool_use", "id": "t1", "name": "Read", "input": map[string]any{}},
	})
	_, _ = tr.Translate(&agentwire.CLIMessage{
		Type:    agentwire.MessageTypeAssistant,
		Message: &agentwire.AssistantMessage{Role: "assistant", Content: content},
	})

	evs, done := tr.Translate(&agentwire.CLIMessage{
		Type:       agentwire.MessageTypeResult,
		Subtype:    "success",
		CostUSD:    0.42,
		DurationMS: 1800,
		Usage:      &agentwire.Usage{InputTokens: 120, OutputTokens: 45},
	})
	assert.True(t, done)
	assert.Empty(t, evs)
	assert.False(t, tr.failed)

	ev := tr.doneEvent()
	assert.Equal(t, events.TypeDone, ev.Type)
	body := ev.Content.(map[string]any)
	assert.Equal(t, 1, body["total_turns"])
	assert.Equal(t, 0.42, body["cost_usd"])
	assert.Equal(t, int64(1800), body["duration_ms"])

	usage := body["usage"].(map[string]any)
	assert.Equal(t, int64(120), usage["input_tokens"])
	assert.Equal(t, int64(45), usage["output_tokens"])
	assert.Equal(t, int64(165), usage["total_tokens"])
	assert.Equal(t, usage, ev.Usage)
}

func TestTranslateResultUsageFallsBackToDeltas(t *testing.T) {
	tr := newTestTranslator(true)

	// Usage arrives on message_delta events when the result omits it.
	_, _ = tr.Translate(&agentwire.CLIMessage{
		Type: agentwire.MessageTypeStreamEvent,
		Event: &agentwire.StreamEvent{
			Type:  agentwire.StreamMessageDelta,
			Usage: &agentwire.Usage{InputTokens: 10, OutputTokens: 5},
		},
	})
	_, _ = tr.Translate(&agentwire.CLIMessage{
		Type: agentwire.MessageTypeStreamEvent,
		Event: &agentwire.StreamEvent{
			Type:  agentwire.StreamMessageDelta,
			Usage: &agentwire.Usage{InputTokens: 0, OutputTokens: 7},
		},
	})
	_, done := tr.Translate(&agentwire.CLIMessage{
		Type:    agentwire.MessageTypeResult,
		Subtype: "success",
	})
	require.True(t, done)

	usage := tr.doneEvent().Content.(map[string]any)["usage"].(map[string]any)
	assert.Equal(t, int64(10), usage["input_tokens"])
	assert.Equal(t, int64(12), usage["output_tokens"])
}

func TestTranslateResultError(t *testing.T) {
	tr := newTestTranslator(true)

	raw, err := json.Marshal("command not found: claude")
	require.NoError(t, err)
	evs, done := tr.Translate(&agentwire.CLIMessage{
		Type:    agentwire.MessageTypeResult,
		Subtype: "error_during_execution",
		IsError: true,
		Result:  raw,
	})
	assert.True(t, done)
	assert.True(t, tr.failed)
	require.Len(t, evs, 1)

	assert.Equal(t, events.TypeError, evs[0].Type)
	assert.Equal(t, "command not found: claude", evs[0].Content)
	assert.Equal(t, "result", evs[0].Metadata["source"])
	assert.Equal(t, "error_during_execution", evs[0].Metadata["subtype"])
}

func TestTranslateResultErrorWithoutMessage(t *testing.T) {
	tr := newTestTranslator(true)

	evs, done := tr.Translate(&agentwire.CLIMessage{
		Type:    agentwire.MessageTypeResult,
		Subtype: "error_max_turns",
		IsError: true,
	})
	assert.True(t, done)
	require.Len(t, evs, 1)
	assert.Equal(t, "Unknown error", evs[0].Content)
}

func TestTranslateIgnoresAdvisoryMessages(t *testing.T) {
	tr := newTestTranslator(true)

	evs, done := tr.Translate(&agentwire.CLIMessage{Type: agentwire.MessageTypeRateLimit})
	assert.False(t, done)
	assert.Empty(t, evs)
}

func TestLooksLikeError(t *testing.T) {
	assert.True(t, looksLikeError("Error: out of credit"))
	assert.True(t, looksLikeError("An error occurred while reading the file"))
	assert.True(t, looksLikeError("Something went wrong. Error: EACCES"))
	assert.False(t, looksLikeError("All tests pass."))
	// The word past the head window does not count.
	assert.False(t, looksLikeError("This paragraph is fine for a long while before the word error appears."))
}

func TestStripCommandTags(t *testing.T) {
	assert.Equal(t, "done", stripCommandTags("<local-command-stdout>done</local-command-stdout>"))
	assert.Equal(t, "oops", stripCommandTags("  <local-command-stderr>oops</local-command-stderr>\n"))
	assert.Equal(t, "plain", stripCommandTags("plain"))
}
