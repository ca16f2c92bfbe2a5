package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
	"github.com/wheelhouse-ai/wheelhouse/internal/events"
	"github.com/wheelhouse-ai/wheelhouse/internal/events/bus"
)

// Run event types.
const (
	// Session lifecycle
	EventSessionStart    = "session_start"
	EventSessionComplete = "session_complete"
	EventSessionError    = "session_error"

	// Cycle lifecycle
	EventCycleStart = "cycle_start"
	EventCycleEnd   = "cycle_end"

	// Worker progress
	EventWorkerStart      = "worker_start"
	EventWorkerStream     = "worker_stream"
	EventWorkerToolCall   = "worker_tool_call"
	EventWorkerToolResult = "worker_tool_result"
	EventWorkerComplete   = "worker_complete"
	EventWorkerError      = "worker_error"

	// Checker progress
	EventCheckerStart    = "checker_start"
	EventCheckerStream   = "checker_stream"
	EventCheckerComplete = "checker_complete"
	EventCheckerError    = "checker_error"
)

// CycleEvent is one entry in a session's run log.
type CycleEvent struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Emitter records run events: each event is appended to the session's run
// log and mirrored on the event bus for live observers. Emission failures
// are logged and swallowed; events are observability, not run state.
type Emitter struct {
	store *Store
	bus   bus.EventBus
	log   *logger.Logger
}

// NewEmitter creates an emitter. The bus may be nil; events then only reach
// the run log.
func NewEmitter(store *Store, eventBus bus.EventBus, log *logger.Logger) *Emitter {
	return &Emitter{
		store: store,
		bus:   eventBus,
		log:   log.WithFields(zap.String("component", "orchestrator-events")),
	}
}

// Emit records one event for the session.
func (e *Emitter) Emit(ctx context.Context, sessionID, eventType string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	ev := CycleEvent{Type: eventType, Timestamp: time.Now().UTC(), Data: data}

	line, err := json.Marshal(ev)
	if err != nil {
		e.log.WithError(err).Warn("dropping unserializable run event",
			zap.String("session_id", sessionID),
			zap.String("event_type", eventType))
		return
	}
	if err := e.store.AppendLog(sessionID, string(line)); err != nil {
		e.log.WithError(err).Warn("failed to append run event",
			zap.String("session_id", sessionID),
			zap.String("event_type", eventType))
	}

	if e.bus == nil {
		return
	}
	subject := events.BuildOrchestratorCycleSubject(sessionID)
	if err := e.bus.Publish(ctx, subject, bus.NewEvent(eventType, "orchestrator", data)); err != nil {
		e.log.WithError(err).Debug("failed to publish run event",
			zap.String("session_id", sessionID),
			zap.String("subject", subject))
	}
}
