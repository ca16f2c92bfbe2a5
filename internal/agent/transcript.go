package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wheelhouse-ai/wheelhouse/internal/events"
	"github.com/wheelhouse-ai/wheelhouse/internal/session"
)

// TranscriptBuilder folds a turn's streamed events into the assistant
// message that gets appended to the session transcript. Delta events are
// skipped; the aggregated text/thinking events and the coarse tool flow
// carry everything the transcript needs. Tool results are folded back into
// their tool block, matched by tool use id.
type TranscriptBuilder struct {
	parts     []string
	blocks    []session.Block
	toolIndex map[string]int
	askIndex  map[string]int

	agentSessionID string
	sawError       bool
}

// NewTranscriptBuilder returns an empty builder for one turn.
func NewTranscriptBuilder() *TranscriptBuilder {
	return &TranscriptBuilder{
		toolIndex: make(map[string]int),
		askIndex:  make(map[string]int),
	}
}

// Observe folds one event into the transcript.
func (b *TranscriptBuilder) Observe(ev *events.Event) {
	if ev == nil {
		return
	}
	switch ev.Type {
	case events.TypeText:
		b.observeText(ev)
	case events.TypeThinking:
		b.observeThinking(ev)
	case events.TypeToolUse:
		b.observeToolUse(ev)
	case events.TypeToolResult:
		b.observeToolResult(ev)
	case events.TypeTodos:
		b.appendBlock(session.Block{
			ID:      blockID(ev),
			Type:    session.BlockTypePlan,
			Content: ev.Content,
		})
	case events.TypeAskUser:
		b.observeAskUser(ev)
	case events.TypeAskUserResult:
		b.observeAskUserResult(ev)
	case events.TypeSystem:
		b.observeSystem(ev)
	case events.TypeError:
		b.observeError(ev)
	}
}

// AgentSessionID returns the agent-side session id captured from the init
// event, or "".
func (b *TranscriptBuilder) AgentSessionID() string {
	return b.agentSessionID
}

// Empty reports whether the turn produced no transcript content at all.
func (b *TranscriptBuilder) Empty() bool {
	return len(b.parts) == 0 && len(b.blocks) == 0
}

// Message assembles the assistant transcript entry.
func (b *TranscriptBuilder) Message() session.Message {
	msg := session.NewMessage(session.RoleAssistant, strings.Join(b.parts, "\n\n"))
	msg.Blocks = b.blocks
	return msg
}

func (b *TranscriptBuilder) observeText(ev *events.Event) {
	s := contentString(ev.Content)
	if s == "" {
		return
	}
	b.parts = append(b.parts, s)
	b.appendBlock(session.Block{
		ID:      blockID(ev),
		Type:    session.BlockTypeText,
		Content: s,
	})
}

func (b *TranscriptBuilder) observeThinking(ev *events.Event) {
	s := contentString(ev.Content)
	if s == "" {
		return
	}
	b.appendBlock(session.Block{
		ID:      blockID(ev),
		Type:    session.BlockTypeThinking,
		Content: s,
	})
}

func (b *TranscriptBuilder) observeToolUse(ev *events.Event) {
	content, _ := ev.Content.(map[string]any)
	id, _ := content["id"].(string)

	blk := session.Block{
		ID:      id,
		Type:    session.BlockTypeToolUse,
		Content: content,
		Status:  session.BlockStatusRunning,
	}
	if blk.ID == "" {
		blk.ID = uuid.NewString()
	}
	b.appendBlock(blk)
	if id != "" {
		b.toolIndex[id] = len(b.blocks) - 1
	}
}

func (b *TranscriptBuilder) observeToolResult(ev *events.Event) {
	content, _ := ev.Content.(map[string]any)
	id, _ := content["tool_use_id"].(string)
	isErr, _ := content["is_error"].(bool)

	status := session.BlockStatusSuccess
	if isErr {
		status = session.BlockStatusError
	}

	if idx, ok := b.toolIndex[id]; ok {
		blk := &b.blocks[idx]
		if c, ok := blk.Content.(map[string]any); ok {
			c["result"] = content["content"]
			c["is_error"] = isErr
		}
		blk.Status = status
		return
	}

	// A result whose tool call never reached the transcript still needs a
	// home, so it becomes its own block.
	b.appendBlock(session.Block{
		ID:   blockID(ev),
		Type: session.BlockTypeToolUse,
		Content: map[string]any{
			"id":       id,
			"name":     "unknown",
			"result":   content["content"],
			"is_error": isErr,
		},
		Status: status,
	})
}

func (b *TranscriptBuilder) observeAskUser(ev *events.Event) {
	content, _ := ev.Content.(map[string]any)
	id, _ := content["request_id"].(string)

	blk := session.Block{
		ID:      id,
		Type:    session.BlockTypeAskUser,
		Content: content,
		Status:  session.BlockStatusRunning,
	}
	if blk.ID == "" {
		blk.ID = uuid.NewString()
	}
	b.appendBlock(blk)
	if id != "" {
		b.askIndex[id] = len(b.blocks) - 1
	}
}

func (b *TranscriptBuilder) observeAskUserResult(ev *events.Event) {
	content, _ := ev.Content.(map[string]any)
	id, _ := content["request_id"].(string)
	idx, ok := b.askIndex[id]
	if !ok {
		return
	}

	status, _ := content["status"].(string)
	blk := &b.blocks[idx]
	if c, ok := blk.Content.(map[string]any); ok {
		c["status"] = status
		if answers, present := content["answers"]; present {
			c["answers"] = answers
		}
	}
	if status == "answered" {
		blk.Status = session.BlockStatusSuccess
	} else {
		blk.Status = session.BlockStatusError
	}
}

func (b *TranscriptBuilder) observeSystem(ev *events.Event) {
	if ev.Metadata["subtype"] != "init" {
		return
	}
	content, _ := ev.Content.(map[string]any)
	if id, _ := content["agent_session_id"].(string); id != "" {
		b.agentSessionID = id
	}
}

func (b *TranscriptBuilder) observeError(ev *events.Event) {
	b.sawError = true
	s := contentString(ev.Content)
	if s == "" {
		return
	}
	b.parts = append(b.parts, s)
	b.appendBlock(session.Block{
		ID:      blockID(ev),
		Type:    session.BlockTypeText,
		Content: s,
		Status:  session.BlockStatusError,
	})
}

func (b *TranscriptBuilder) appendBlock(blk session.Block) {
	if blk.ID == "" {
		blk.ID = uuid.NewString()
	}
	if blk.Timestamp == 0 {
		blk.Timestamp = float64(time.Now().UnixNano()) / 1e9
	}
	b.blocks = append(b.blocks, blk)
}

func blockID(ev *events.Event) string {
	if ev.ID != "" {
		return ev.ID
	}
	return uuid.NewString()
}

func contentString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
