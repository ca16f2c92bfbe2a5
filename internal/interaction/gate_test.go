package interaction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/config"
	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
	"github.com/wheelhouse-ai/wheelhouse/internal/events"
)

type sinkEntry struct {
	sessionID string
	event     *events.Event
}

// recordingSink captures appended events for assertions.
type recordingSink struct {
	mu      sync.Mutex
	entries []sinkEntry
}

func (s *recordingSink) Append(sessionID string, ev *events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, sinkEntry{sessionID, ev})
}

func (s *recordingSink) snapshot() []sinkEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkEntry(nil), s.entries...)
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.event.Type
	}
	return out
}

func newTestGate() (*Gate, *recordingSink) {
	sink := &recordingSink{}
	gate := NewGate(config.InteractionConfig{}, sink, logger.Default())
	return gate, sink
}

func TestRequestUserInputAnswered(t *testing.T) {
	gate, sink := newTestGate()

	questions := []map[string]any{{"question": "Which file?"}}
	go func() {
		// Wait for the slot to appear, then answer.
		for gate.Pending() == 0 {
			time.Sleep(time.Millisecond)
		}
		ok := gate.ReceiveUserResponse("req-1", map[string]any{"Which file?": "main.go"})
		assert.True(t, ok)
	}()

	answers, err := gate.RequestUserInput(context.Background(), "sess-1", "req-1", questions, time.Second)
	require.NoError(t, err)
	require.NotNil(t, answers)
	assert.Equal(t, "main.go", answers["Which file?"])

	assert.Equal(t, []string{events.TypeAskUser, events.TypeAskUserResult}, sink.types())

	entries := sink.snapshot()
	request := entries[0].event.Content.(map[string]any)
	assert.Equal(t, "req-1", request["request_id"])
	assert.Equal(t, 1, request["timeout_seconds"])

	result := entries[1].event.Content.(map[string]any)
	assert.Equal(t, "answered", result["status"])
	assert.Equal(t, "sess-1", entries[1].sessionID)

	assert.Zero(t, gate.Pending())
}

func TestRequestUserInputTimeout(t *testing.T) {
	gate, sink := newTestGate()

	answers, err := gate.RequestUserInput(context.Background(), "sess-1", "req-t", nil, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, answers)

	entries := sink.snapshot()
	require.Len(t, entries, 2)
	result := entries[1].event.Content.(map[string]any)
	assert.Equal(t, "timeout", result["status"])
	assert.Zero(t, gate.Pending())
}

func TestRequestUserInputCancelled(t *testing.T) {
	gate, sink := newTestGate()

	go func() {
		for gate.Pending() == 0 {
			time.Sleep(time.Millisecond)
		}
		assert.True(t, gate.Cancel("req-c"))
	}()

	answers, err := gate.RequestUserInput(context.Background(), "sess-1", "req-c", nil, time.Second)
	require.NoError(t, err)
	assert.Nil(t, answers)

	entries := sink.snapshot()
	require.Len(t, entries, 2)
	result := entries[1].event.Content.(map[string]any)
	assert.Equal(t, "cancelled", result["status"])
}

func TestRequestUserInputContextDone(t *testing.T) {
	gate, _ := newTestGate()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gate.RequestUserInput(ctx, "sess-1", "req-x", nil, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, gate.Pending())
}

func TestReceiveResponseUnknownRequest(t *testing.T) {
	gate, _ := newTestGate()

	assert.False(t, gate.ReceiveUserResponse("ghost", map[string]any{"a": "b"}))
	assert.False(t, gate.ReceivePermissionResponse("ghost", true))
	assert.False(t, gate.Cancel("ghost"))
}

func TestSecondResponseIsNoOp(t *testing.T) {
	gate, _ := newTestGate()

	done := make(chan map[string]any, 1)
	go func() {
		answers, _ := gate.RequestUserInput(context.Background(), "sess-1", "req-2", nil, time.Second)
		done <- answers
	}()

	require.Eventually(t, func() bool { return gate.Pending() == 1 },
		time.Second, time.Millisecond)

	assert.True(t, gate.ReceiveUserResponse("req-2", map[string]any{"a": "first"}))
	assert.False(t, gate.ReceiveUserResponse("req-2", map[string]any{"a": "second"}))

	answers := <-done
	assert.Equal(t, "first", answers["a"])
}

func TestRequestPermissionApproved(t *testing.T) {
	gate, sink := newTestGate()

	go func() {
		for gate.Pending() == 0 {
			time.Sleep(time.Millisecond)
		}
		assert.True(t, gate.ReceivePermissionResponse("perm-1", true))
	}()

	approved := gate.RequestPermission(context.Background(), "sess-1", "perm-1", "Bash", time.Second)
	assert.True(t, approved)

	entries := sink.snapshot()
	require.Len(t, entries, 1)
	result := entries[0].event.Content.(map[string]any)
	assert.Equal(t, events.TypePermissionResult, entries[0].event.Type)
	assert.Equal(t, "Bash", result["tool_name"])
	assert.Equal(t, true, result["approved"])
}

func TestRequestPermissionDenied(t *testing.T) {
	gate, sink := newTestGate()

	go func() {
		for gate.Pending() == 0 {
			time.Sleep(time.Millisecond)
		}
		gate.ReceivePermissionResponse("perm-2", false)
	}()

	approved := gate.RequestPermission(context.Background(), "sess-1", "perm-2", "Write", time.Second)
	assert.False(t, approved)

	result := sink.snapshot()[0].event.Content.(map[string]any)
	assert.Equal(t, false, result["approved"])
	_, hasStatus := result["status"]
	assert.False(t, hasStatus)
}

func TestRequestPermissionTimeout(t *testing.T) {
	gate, sink := newTestGate()

	approved := gate.RequestPermission(context.Background(), "sess-1", "perm-3", "Edit", 30*time.Millisecond)
	assert.False(t, approved)

	result := sink.snapshot()[0].event.Content.(map[string]any)
	assert.Equal(t, "timeout", result["status"])
	assert.Equal(t, false, result["approved"])
}

func TestPermissionKindMismatch(t *testing.T) {
	gate, _ := newTestGate()

	decided := make(chan bool, 1)
	go func() {
		decided <- gate.RequestPermission(context.Background(), "sess-1", "perm-4", "Bash", time.Second)
	}()

	require.Eventually(t, func() bool { return gate.Pending() == 1 },
		time.Second, time.Millisecond)

	// An ask-user answer must not resolve a permission slot.
	assert.False(t, gate.ReceiveUserResponse("perm-4", map[string]any{"a": "b"}))
	assert.Equal(t, 1, gate.Pending())

	assert.True(t, gate.ReceivePermissionResponse("perm-4", true))
	assert.True(t, <-decided)
}

func TestCleanupExpired(t *testing.T) {
	gate, sink := newTestGate()

	done := make(chan map[string]any, 1)
	go func() {
		answers, _ := gate.RequestUserInput(context.Background(), "sess-1", "req-old", nil, time.Minute)
		done <- answers
	}()

	require.Eventually(t, func() bool { return gate.Pending() == 1 },
		time.Second, time.Millisecond)

	swept := gate.CleanupExpired(0)
	assert.Equal(t, 1, swept)

	answers := <-done
	assert.Nil(t, answers)

	entries := sink.snapshot()
	require.Len(t, entries, 2)
	result := entries[1].event.Content.(map[string]any)
	assert.Equal(t, "cancelled", result["status"])
}
