// Package interaction coordinates turn suspensions that wait on a human:
// ask-user questions and tool permission requests. A turn blocks on the gate
// while the question travels to connected clients; whichever client answers
// first resolves the request, exactly once.
package interaction

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/config"
	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
	"github.com/wheelhouse-ai/wheelhouse/internal/events"
)

// Fallback timeouts when the config carries zeros. The ask-user wait stays
// below the agent CLI's own 60s tool budget so the deny reaches it in time.
const (
	defaultAskUserTimeout    = 55 * time.Second
	defaultPermissionTimeout = 120 * time.Second
)

// Request kinds held in the pending map.
const (
	kindAskUser    = "ask_user"
	kindPermission = "permission"
)

// EventSink receives interaction events (requests and their outcomes) for
// durable buffering alongside the session's other events.
type EventSink interface {
	Append(sessionID string, ev *events.Event)
}

// pendingRequest is one unresolved interaction. respCh is buffered so a
// response never blocks the resolver, even when the waiter has already
// timed out.
type pendingRequest struct {
	sessionID string
	kind      string
	toolName  string
	createdAt time.Time
	respCh    chan any
}

// Gate tracks pending interactions keyed by request id.
type Gate struct {
	log  *logger.Logger
	sink EventSink

	askUserTimeout    time.Duration
	permissionTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewGate builds a gate with timeouts from config, falling back to the
// defaults for zero values.
func NewGate(cfg config.InteractionConfig, sink EventSink, log *logger.Logger) *Gate {
	askUser := cfg.AskUserTimeoutDuration()
	if askUser <= 0 {
		askUser = defaultAskUserTimeout
	}
	permission := cfg.PermissionTimeoutDuration()
	if permission <= 0 {
		permission = defaultPermissionTimeout
	}
	return &Gate{
		log:               log,
		sink:              sink,
		askUserTimeout:    askUser,
		permissionTimeout: permission,
		pending:           make(map[string]*pendingRequest),
	}
}

// Pending returns the number of unresolved requests.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// RequestUserInput registers an ask-user request, emits the ask_user event
// through the sink, and waits for answers. It returns nil answers when the
// user does not respond in time or the request is cancelled; the outcome is
// recorded as an ask_user_result event either way. A context error is
// returned only when ctx itself is done.
func (g *Gate) RequestUserInput(ctx context.Context, sessionID, requestID string, questions any, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		timeout = g.askUserTimeout
	}

	slot, ok := g.register(sessionID, requestID, kindAskUser, "")
	if !ok {
		g.log.Warn("duplicate ask_user request id", zap.String("request_id", requestID))
		return nil, nil
	}
	defer g.remove(requestID)

	g.sink.Append(sessionID, events.New(events.TypeAskUser, map[string]any{
		"request_id":      requestID,
		"questions":       questions,
		"timeout_seconds": int(timeout / time.Second),
	}))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-slot.respCh:
		answers, _ := v.(map[string]any)
		if answers == nil {
			g.sink.Append(sessionID, events.New(events.TypeAskUserResult, map[string]any{
				"request_id": requestID,
				"status":     "cancelled",
			}))
			return nil, nil
		}
		g.sink.Append(sessionID, events.New(events.TypeAskUserResult, map[string]any{
			"request_id": requestID,
			"status":     "answered",
			"answers":    answers,
		}))
		return answers, nil

	case <-timer.C:
		g.log.Info("ask_user request timed out",
			zap.String("request_id", requestID),
			zap.String("session_id", sessionID))
		g.sink.Append(sessionID, events.New(events.TypeAskUserResult, map[string]any{
			"request_id": requestID,
			"status":     "timeout",
		}))
		return nil, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestPermission waits for a yes/no decision on a tool use. The caller
// emits the permission_request event before calling; the gate records the
// outcome as a permission_result event. Timeout and cancellation both deny.
func (g *Gate) RequestPermission(ctx context.Context, sessionID, requestID, toolName string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = g.permissionTimeout
	}

	slot, ok := g.register(sessionID, requestID, kindPermission, toolName)
	if !ok {
		g.log.Warn("duplicate permission request id", zap.String("request_id", requestID))
		return false
	}
	defer g.remove(requestID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-slot.respCh:
		approved, isBool := v.(bool)
		if !isBool {
			g.sink.Append(sessionID, events.New(events.TypePermissionResult, map[string]any{
				"request_id": requestID,
				"tool_name":  toolName,
				"approved":   false,
				"status":     "cancelled",
			}))
			return false
		}
		g.sink.Append(sessionID, events.New(events.TypePermissionResult, map[string]any{
			"request_id": requestID,
			"tool_name":  toolName,
			"approved":   approved,
		}))
		return approved

	case <-timer.C:
		g.log.Info("permission request timed out",
			zap.String("request_id", requestID),
			zap.String("tool_name", toolName),
			zap.String("session_id", sessionID))
		g.sink.Append(sessionID, events.New(events.TypePermissionResult, map[string]any{
			"request_id": requestID,
			"tool_name":  toolName,
			"approved":   false,
			"status":     "timeout",
		}))
		return false

	case <-ctx.Done():
		return false
	}
}

// ReceiveUserResponse resolves a pending ask-user request with the user's
// answers. Returns false when the request is unknown, already resolved, or
// not an ask-user request.
func (g *Gate) ReceiveUserResponse(requestID string, answers map[string]any) bool {
	return g.resolve(requestID, kindAskUser, answers)
}

// ReceivePermissionResponse resolves a pending permission request.
func (g *Gate) ReceivePermissionResponse(requestID string, approved bool) bool {
	return g.resolve(requestID, kindPermission, approved)
}

// Cancel resolves a pending request of either kind with no value; the waiter
// treats it as skipped.
func (g *Gate) Cancel(requestID string) bool {
	return g.resolve(requestID, "", nil)
}

// CleanupExpired cancels requests older than maxAge and returns how many it
// swept. Waiters normally time out on their own; this catches slots whose
// waiters are stuck on a dead connection.
func (g *Gate) CleanupExpired(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	g.mu.Lock()
	var expired []*pendingRequest
	var ids []string
	for id, slot := range g.pending {
		if slot.createdAt.Before(cutoff) {
			expired = append(expired, slot)
			ids = append(ids, id)
			delete(g.pending, id)
		}
	}
	g.mu.Unlock()

	for i, slot := range expired {
		slot.respCh <- nil
		g.log.Info("swept expired interaction request",
			zap.String("request_id", ids[i]),
			zap.String("kind", slot.kind))
	}
	return len(expired)
}

// register adds a slot unless the id is already pending.
func (g *Gate) register(sessionID, requestID, kind, toolName string) (*pendingRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.pending[requestID]; exists {
		return nil, false
	}
	slot := &pendingRequest{
		sessionID: sessionID,
		kind:      kind,
		toolName:  toolName,
		createdAt: time.Now(),
		respCh:    make(chan any, 1),
	}
	g.pending[requestID] = slot
	return slot, true
}

// remove drops a slot if still present.
func (g *Gate) remove(requestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, requestID)
}

// resolve delivers a value to a pending slot exactly once. The slot is
// removed under the lock, so concurrent responders cannot both succeed.
func (g *Gate) resolve(requestID, kind string, value any) bool {
	g.mu.Lock()
	slot, ok := g.pending[requestID]
	if ok && kind != "" && slot.kind != kind {
		g.mu.Unlock()
		g.log.Warn("interaction response kind mismatch",
			zap.String("request_id", requestID),
			zap.String("want", slot.kind),
			zap.String("got", kind))
		return false
	}
	if ok {
		delete(g.pending, requestID)
	}
	g.mu.Unlock()

	if !ok {
		g.log.Debug("no pending interaction for response",
			zap.String("request_id", requestID))
		return false
	}
	slot.respCh <- value
	return true
}
