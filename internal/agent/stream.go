package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
	"github.com/wheelhouse-ai/wheelhouse/internal/events"
	"github.com/wheelhouse-ai/wheelhouse/pkg/agentwire"
)

// errorHeadWindow is how far into a text block we look for the word
// "error" when deciding whether a full assistant text block (which would
// normally be dropped in favor of its streamed deltas) carries an error
// the deltas never surfaced.
const errorHeadWindow = 50

// blockState tracks one in-flight content block of a streaming message.
// Text and thinking deltas are accumulated so an aggregated event can be
// emitted at block end for consumers that do not stitch deltas themselves.
type blockState struct {
	id   string
	kind string // "text", "tool", "thinking"
	text strings.Builder
}

// turnTranslator converts the agent CLI's message stream for a single turn
// into canonical events. It is not safe for concurrent use; each turn owns
// its own translator.
type turnTranslator struct {
	log            *logger.Logger
	includePartial bool

	blocks map[int]*blockState
	turns  int

	inputTokens  int64
	outputTokens int64
	resultUsage  *agentwire.Usage
	costUSD      float64
	durationMS   int64

	agentSessionID string
	failed         bool
}

func newTurnTranslator(includePartial bool, log *logger.Logger) *turnTranslator {
	return &turnTranslator{
		log:            log,
		includePartial: includePartial,
		blocks:         make(map[int]*blockState),
	}
}

// Translate folds one CLI message into zero or more events. done reports
// that the turn is over (a result message was seen); when the result was an
// error the error event is already in evs and no done event should follow.
func (t *turnTranslator) Translate(msg *agentwire.CLIMessage) (evs []*events.Event, done bool) {
	switch msg.Type {
	case agentwire.MessageTypeSystem:
		return t.translateSystem(msg), false
	case agentwire.MessageTypeStreamEvent:
		return t.translateStreamEvent(msg), false
	case agentwire.MessageTypeAssistant:
		return t.translateAssistant(msg), false
	case agentwire.MessageTypeUser:
		return t.translateUser(msg), false
	case agentwire.MessageTypeResult:
		return t.translateResult(msg), true
	default:
		// rate_limit_event and other advisory messages
		return nil, false
	}
}

func (t *turnTranslator) translateSystem(msg *agentwire.CLIMessage) []*events.Event {
	if msg.Subtype == agentwire.SubtypeInit {
		t.agentSessionID = msg.SessionID
		ev := events.New(events.TypeSystem, map[string]any{
			"agent_session_id": msg.SessionID,
			"slash_commands":   msg.SlashCommands,
		}).WithMeta("subtype", agentwire.SubtypeInit)
		return []*events.Event{ev}
	}

	// Other system messages only matter when they carry a todo list.
	if len(msg.RawContent) == 0 {
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(msg.RawContent, &raw); err != nil {
		return nil
	}
	todos, ok := raw["todos"]
	if !ok {
		return nil
	}
	ev := events.New(events.TypeTodos, map[string]any{"todos": todos}).
		WithMeta("subtype", msg.Subtype)
	return []*events.Event{ev}
}

func (t *turnTranslator) translateStreamEvent(msg *agentwire.CLIMessage) []*events.Event {
	ev := msg.Event
	if ev == nil {
		return nil
	}

	switch ev.Type {
	case agentwire.StreamMessageStart:
		return []*events.Event{events.New(events.TypeStart, nil)}

	case agentwire.StreamContentBlockStart:
		return t.startBlock(msg.UUID, ev)

	case agentwire.StreamContentBlockDelta:
		return t.deltaBlock(ev)

	case agentwire.StreamContentBlockStop:
		return t.stopBlock(ev.Index)

	case agentwire.StreamMessageDelta:
		if ev.Usage != nil {
			t.inputTokens += ev.Usage.InputTokens
			t.outputTokens += ev.Usage.OutputTokens
		}
		return nil

	default:
		return nil
	}
}

func (t *turnTranslator) startBlock(msgUUID string, ev *agentwire.StreamEvent) []*events.Event {
	cb := ev.ContentBlock
	if cb == nil {
		return nil
	}

	switch cb.Type {
	case "text":
		id := fmt.Sprintf("text_%s_%d", msgUUID, ev.Index)
		t.blocks[ev.Index] = &blockState{id: id, kind: "text"}
		return []*events.Event{events.New(events.TypeTextStart, nil).WithID(id)}

	case "tool_use":
		id := cb.ID
		if id == "" {
			id = fmt.Sprintf("tool_%d", ev.Index)
		}
		name := cb.Name
		if name == "" {
			name = "unknown"
		}
		t.blocks[ev.Index] = &blockState{id: id, kind: "tool"}
		start := events.New(events.TypeToolInputStart, map[string]any{"name": name}).WithID(id)
		return []*events.Event{start}

	case "thinking":
		id := fmt.Sprintf("thinking_%d", ev.Index)
		t.blocks[ev.Index] = &blockState{id: id, kind: "thinking"}
		return []*events.Event{events.New(events.TypeThinkingStart, nil).WithID(id)}

	default:
		return nil
	}
}

func (t *turnTranslator) deltaBlock(ev *agentwire.StreamEvent) []*events.Event {
	st := t.blocks[ev.Index]
	if st == nil || ev.Delta == nil {
		return nil
	}

	switch ev.Delta.Type {
	case agentwire.DeltaText:
		st.text.WriteString(ev.Delta.Text)
		return []*events.Event{events.New(events.TypeTextDelta, ev.Delta.Text).WithID(st.id)}

	case agentwire.DeltaThinking:
		st.text.WriteString(ev.Delta.Thinking)
		return []*events.Event{events.New(events.TypeThinkingDelta, ev.Delta.Thinking).WithID(st.id)}

	case agentwire.DeltaInputJSON:
		// Complete tool input arrives later on the coarse assistant message.
		return []*events.Event{events.New(events.TypeToolInputDelta, ev.Delta.PartialJSON).WithID(st.id)}

	default:
		return nil
	}
}

func (t *turnTranslator) stopBlock(index int) []*events.Event {
	st := t.blocks[index]
	if st == nil {
		return nil
	}
	delete(t.blocks, index)

	switch st.kind {
	case "text":
		evs := []*events.Event{events.New(events.TypeTextEnd, nil).WithID(st.id)}
		if st.text.Len() > 0 {
			evs = append(evs, events.New(events.TypeText, st.text.String()).WithID(st.id))
		}
		return evs

	case "tool":
		return []*events.Event{events.New(events.TypeToolInputEnd, nil).WithID(st.id)}

	case "thinking":
		evs := []*events.Event{events.New(events.TypeThinkingEnd, nil).WithID(st.id)}
		if st.text.Len() > 0 {
			evs = append(evs, events.New(events.TypeThinking, st.text.String()).WithID(st.id))
		}
		return evs

	default:
		return nil
	}
}

func (t *turnTranslator) translateAssistant(msg *agentwire.CLIMessage) []*events.Event {
	if msg.Message == nil {
		return nil
	}
	t.turns++

	var evs []*events.Event
	for _, cb := range msg.Message.GetContentBlocks() {
		switch cb.Type {
		case "tool_use":
			ev := events.New(events.TypeToolUse, map[string]any{
				"id":    cb.ID,
				"name":  cb.Name,
				"input": cb.Input,
			}).WithMeta("turn", t.turns)
			evs = append(evs, ev)

		case "text":
			// Deltas already streamed the text. Full blocks only matter
			// when they carry an error message that never streamed.
			if looksLikeError(cb.Text) {
				evs = append(evs, events.New(events.TypeText, cb.Text).WithMeta("turn", t.turns))
			}

		case "thinking":
			if !t.includePartial && cb.Thinking != "" {
				evs = append(evs, events.New(events.TypeThinking, cb.Thinking).WithMeta("turn", t.turns))
			}
		}
	}
	return evs
}

func (t *turnTranslator) translateUser(msg *agentwire.CLIMessage) []*events.Event {
	if msg.Message == nil {
		return nil
	}

	// String content is the echoed output of a slash command.
	if s := msg.Message.GetContentString(); s != "" {
		isErr := strings.Contains(s, "<local-command-stderr>")
		ev := events.New(events.TypeText, stripCommandTags(s)).
			WithMeta("turn", t.turns).
			WithMeta("source", "slash_command").
			WithMeta("is_error", isErr)
		return []*events.Event{ev}
	}

	var evs []*events.Event
	for _, cb := range msg.Message.GetContentBlocks() {
		if cb.Type != "tool_result" {
			continue
		}
		ev := events.New(events.TypeToolResult, map[string]any{
			"tool_use_id": cb.ToolUseID,
			"content":     cb.GetContentString(),
			"is_error":    cb.IsError,
		}).WithMeta("turn", t.turns)
		evs = append(evs, ev)
	}
	return evs
}

func (t *turnTranslator) translateResult(msg *agentwire.CLIMessage) []*events.Event {
	if msg.IsError {
		t.failed = true
		text := msg.GetResultString()
		if text == "" {
			if rd := msg.GetResultData(); rd != nil && rd.Text != "" {
				text = rd.Text
			} else {
				text = "Unknown error"
			}
		}
		ev := events.New(events.TypeError, text).
			WithMeta("source", "result").
			WithMeta("subtype", msg.Subtype)
		return []*events.Event{ev}
	}

	t.costUSD = msg.CostUSD
	t.durationMS = msg.DurationMS
	if msg.Usage != nil {
		t.resultUsage = msg.Usage
	}
	return nil
}

// doneEvent builds the terminal done event for a successful turn, carrying
// the turn count plus whatever totals the result message reported.
func (t *turnTranslator) doneEvent() *events.Event {
	content := map[string]any{"total_turns": t.turns}

	in, out := t.inputTokens, t.outputTokens
	if t.resultUsage != nil {
		in, out = t.resultUsage.InputTokens, t.resultUsage.OutputTokens
	}
	var usage map[string]any
	if in > 0 || out > 0 {
		usage = map[string]any{
			"input_tokens":  in,
			"output_tokens": out,
			"total_tokens":  in + out,
		}
		content["usage"] = usage
	}
	if t.costUSD > 0 {
		content["cost_usd"] = t.costUSD
	}
	if t.durationMS > 0 {
		content["duration_ms"] = t.durationMS
	}

	ev := events.New(events.TypeDone, content)
	if usage != nil {
		ev.WithUsage(usage)
	}
	return ev
}

var commandTagReplacer = strings.NewReplacer(
	"<local-command-stdout>", "",
	"</local-command-stdout>", "",
	"<local-command-stderr>", "",
	"</local-command-stderr>", "",
)

func stripCommandTags(s string) string {
	return strings.TrimSpace(commandTagReplacer.Replace(s))
}

// looksLikeError reports whether a full assistant text block reads like an
// error message: an "Error:" marker anywhere, or the word "error" near the
// start.
func looksLikeError(text string) bool {
	if strings.Contains(text, "Error:") {
		return true
	}
	head := strings.ToLower(text)
	if len(head) > errorHeadWindow {
		head = head[:errorHeadWindow]
	}
	return strings.Contains(head, "error")
}
