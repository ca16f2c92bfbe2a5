package orchestrator

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunID(t *testing.T) {
	re := regexp.MustCompile(`^session-[0-9a-f]{12}$`)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := NewRunID()
		assert.Regexp(t, re, id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestStoreStateRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	now := time.Now().UTC().Truncate(time.Second)
	state := &RunState{
		SessionID:    "session-abc123def456",
		Status:       StatusPending,
		WorkerConfig: &WorkerConfig{ID: "w1", Name: "w1", Model: "m", MaxTurns: 10},
		Task:         &TaskDefinition{TaskID: "t1", Name: "t1", Objective: "do"},
		MaxCycles:    3,
		InputPayload: map[string]any{"k": "v"},
		History:      []*CycleRecord{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, store.SaveState(state))

	loaded, err := store.LoadState(state.SessionID)
	require.NoError(t, err)
	assert.Equal(t, state.SessionID, loaded.SessionID)
	assert.Equal(t, StatusPending, loaded.Status)
	assert.Equal(t, "m", loaded.WorkerConfig.Model)
	assert.Equal(t, "do", loaded.Task.Objective)
	assert.Equal(t, map[string]any{"k": "v"}, loaded.InputPayload)
	assert.True(t, loaded.CreatedAt.Equal(now))

	// State lives at workspace/<id>/state/session.json.
	_, err = os.Stat(filepath.Join(store.Workspace(state.SessionID), "state", "session.json"))
	require.NoError(t, err)
}

func TestLoadStateNotFound(t *testing.T) {
	store := NewStore(t.TempDir())

	_, err := store.LoadState("session-missing00000")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestSaveCycle(t *testing.T) {
	store := NewStore(t.TempDir())

	rec := &CycleRecord{
		CycleIndex:   7,
		InputPayload: map[string]any{},
		Result:       &WorkerResult{Text: "out", ToolCalls: []ToolCall{}, ToolResults: []ToolOutcome{}},
		Passed:       true,
		Summary:      "out",
		Artifacts:    []string{},
	}
	require.NoError(t, store.SaveCycle("session-cycletest000", rec))

	path := filepath.Join(store.Workspace("session-cycletest000"), "outputs", "cycle_0007.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"cycle_index": 7`)
	assert.Contains(t, string(data), `"passed": true`)
}

func TestAppendLog(t *testing.T) {
	store := NewStore(t.TempDir())
	id := "session-logtest00000"

	require.NoError(t, store.AppendLog(id, "first line"))
	require.NoError(t, store.AppendLog(id, "second line\n"))
	require.NoError(t, store.AppendLog(id, "third line  \t"))

	data, err := os.ReadFile(filepath.Join(store.Workspace(id), "logs", "events.log"))
	require.NoError(t, err)
	assert.Equal(t, "first line\nsecond line\nthird line\n", string(data))
}

func TestLayoutPaths(t *testing.T) {
	l := Layout{BaseDir: "/data"}

	assert.Equal(t, "/data/workspace/s1", l.SessionDir("s1"))
	assert.Equal(t, "/data/workspace/s1/state/session.json", l.StatePath("s1"))
	assert.Equal(t, "/data/workspace/s1/outputs/cycle_0012.json", l.CyclePath("s1", 12))
	assert.Equal(t, "/data/workspace/s1/logs/events.log", l.LogPath("s1"))
}
