package gateway

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelhouse-ai/wheelhouse/internal/agent"
	"github.com/wheelhouse-ai/wheelhouse/internal/common/config"
	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
	"github.com/wheelhouse-ai/wheelhouse/internal/db"
	"github.com/wheelhouse-ai/wheelhouse/internal/db/dialect"
	"github.com/wheelhouse-ai/wheelhouse/internal/events"
	"github.com/wheelhouse-ai/wheelhouse/internal/events/bus"
	"github.com/wheelhouse-ai/wheelhouse/internal/interaction"
	"github.com/wheelhouse-ai/wheelhouse/internal/session"
	"github.com/wheelhouse-ai/wheelhouse/internal/settings"
	"github.com/wheelhouse-ai/wheelhouse/internal/task"
)

// testEnv wires a service over real collaborators: file-backed stores in
// temp dirs, a sqlite-backed catalog, and an agent manager pointed at a
// binary that does not exist, so any turn that reaches the spawn step fails
// fast with a start error instead of launching a subprocess.
type testEnv struct {
	svc     *Service
	store   *session.Store
	runner  *task.Runner
	manager *agent.Manager
	catalog *settings.Repository
	bus     bus.EventBus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.Default()

	store, err := session.NewStore(filepath.Join(t.TempDir(), "sessions"), log)
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	buf, err := task.NewEventBuffer(filepath.Join(t.TempDir(), "tasks"), log)
	require.NoError(t, err)
	runner := task.NewRunner(buf, eventBus, log)
	t.Cleanup(runner.Stop)

	manager := agent.NewManager(config.AgentConfig{
		Binary:      "wheelhouse-agent-missing",
		InitTimeout: 2,
	}, log)
	t.Cleanup(manager.CloseAll)

	gate := interaction.NewGate(config.InteractionConfig{
		AskUserTimeout:    1,
		PermissionTimeout: 1,
	}, manager, log)
	manager.SetGate(gate)
	manager.SetEventSink(runner)
	manager.SetTaskChecker(runner)
	runner.SetInterrupter(manager)

	path := filepath.Join(t.TempDir(), "settings.db")
	writer, err := db.OpenSQLite(path)
	require.NoError(t, err)
	reader, err := db.OpenSQLiteReader(path)
	require.NoError(t, err)
	pool := db.NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3))
	t.Cleanup(func() { _ = pool.Close() })

	catalog, err := settings.NewRepository(pool, dialect.SQLite3, log)
	require.NoError(t, err)

	svc := NewService(store, runner, manager, gate, catalog, eventBus, log)
	return &testEnv{svc: svc, store: store, runner: runner, manager: manager, catalog: catalog, bus: eventBus}
}

// doneProducer emits the given events and closes, bypassing the agent.
func doneProducer(evs ...*events.Event) task.Producer {
	return func(ctx context.Context) (<-chan *events.Event, error) {
		ch := make(chan *events.Event, len(evs))
		for _, ev := range evs {
			ch <- ev
		}
		close(ch)
		return ch, nil
	}
}

// holdProducer blocks until release (or cancellation) before closing.
func holdProducer(release <-chan struct{}) task.Producer {
	return func(ctx context.Context) (<-chan *events.Event, error) {
		ch := make(chan *events.Event)
		go func() {
			defer close(ch)
			select {
			case <-release:
			case <-ctx.Done():
			}
		}()
		return ch, nil
	}
}

func waitIdle(t *testing.T, r *task.Runner, sessionID string) {
	t.Helper()
	require.Eventually(t, func() bool { return !r.IsRunning(sessionID) },
		5*time.Second, 10*time.Millisecond)
}

func TestStartQueryRequiresContent(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.StartQuery(context.Background(), QueryRequest{Content: "   "})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content is required")
}

func TestStartQueryCreatesSessionAndRunsTurn(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.svc.StartQuery(context.Background(), QueryRequest{
		Content: "inspect the deploy pipeline",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.SessionID)
	require.NotEmpty(t, res.TaskID)

	waitIdle(t, env.runner, res.SessionID)

	// The agent binary cannot be spawned, so the turn ends in a start error.
	status := env.runner.Status(res.SessionID)
	require.NotNil(t, status)
	assert.Equal(t, task.StatusError, status.Status)
	require.NotNil(t, status.Error)
	assert.Contains(t, *status.Error, "Failed to start agent client")

	// The user message was persisted before the turn and the error transcript
	// after it, with the resolved settings stamped on the session.
	sess, err := env.store.Get(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "inspect the deploy pipeline", sess.Title)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, session.RoleUser, sess.Messages[0].Role)
	assert.Equal(t, "inspect the deploy pipeline", sess.Messages[0].Content)
	assert.Equal(t, session.RoleAssistant, sess.Messages[1].Role)
	assert.Contains(t, sess.Messages[1].Content, "Failed to start agent client")

	require.NotNil(t, sess.LastEndpointName)
	assert.Equal(t, "local", *sess.LastEndpointName)
	require.NotNil(t, sess.LastModelName)
	assert.Equal(t, "claude-sonnet-4-20250514", *sess.LastModelName)
	assert.Nil(t, sess.LastSecurityMode)
}

func TestStartQueryStampsRequestedSettings(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.svc.StartQuery(context.Background(), QueryRequest{
		Content:      "review the migration",
		ModelName:    "qwen3-coder-480b",
		SecurityMode: "acceptEdits",
	})
	require.NoError(t, err)
	waitIdle(t, env.runner, res.SessionID)

	sess, err := env.store.Get(res.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess.LastModelName)
	assert.Equal(t, "qwen3-coder-480b", *sess.LastModelName)
	require.NotNil(t, sess.LastSecurityMode)
	assert.Equal(t, "acceptEdits", *sess.LastSecurityMode)
	require.NotNil(t, sess.LastEndpointName)
	assert.Equal(t, "local", *sess.LastEndpointName)
}

func TestStartQueryReusesExistingSession(t *testing.T) {
	env := newTestEnv(t)

	sess, err := env.store.Create("Build notes")
	require.NoError(t, err)

	res, err := env.svc.StartQuery(context.Background(), QueryRequest{
		SessionID: sess.ID,
		Content:   "second turn",
	})
	require.NoError(t, err)
	assert.Equal(t, sess.ID, res.SessionID)
	waitIdle(t, env.runner, sess.ID)

	got, err := env.store.Get(sess.ID)
	require.NoError(t, err)
	// Explicit titles survive; only the default gets replaced.
	assert.Equal(t, "Build notes", got.Title)
	assert.Equal(t, "second turn", got.Messages[0].Content)
}

func TestStartQueryUnknownSessionGetsFreshID(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.svc.StartQuery(context.Background(), QueryRequest{
		SessionID: "stale-client-state",
		Content:   "hello",
	})
	require.NoError(t, err)
	assert.NotEqual(t, "stale-client-state", res.SessionID)

	_, err = env.store.Get(res.SessionID)
	require.NoError(t, err)
	_, err = env.store.Get("stale-client-state")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestStartQueryRejectsBusySession(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	defer close(release)

	_, err := env.runner.StartTask(context.Background(), "busy", "first", holdProducer(release))
	require.NoError(t, err)

	_, err = env.svc.StartQuery(context.Background(), QueryRequest{
		SessionID: "busy",
		Content:   "second",
	})
	assert.ErrorIs(t, err, task.ErrTaskAlreadyRunning)
}

func TestSessionExists(t *testing.T) {
	env := newTestEnv(t)

	sess, err := env.store.Create("")
	require.NoError(t, err)
	assert.True(t, env.svc.SessionExists(sess.ID))
	assert.False(t, env.svc.SessionExists("ghost"))

	// Task state alone is enough: clients may still be draining a session
	// whose file is gone.
	_, err = env.runner.StartTask(context.Background(), "task-only", "x",
		doneProducer(events.New(events.TypeDone, nil)))
	require.NoError(t, err)
	waitIdle(t, env.runner, "task-only")
	assert.True(t, env.svc.SessionExists("task-only"))
}

func TestDeleteSessionClearsAllState(t *testing.T) {
	env := newTestEnv(t)

	sess, err := env.store.Create("to delete")
	require.NoError(t, err)
	_, err = env.runner.StartTask(context.Background(), sess.ID, "turn",
		doneProducer(events.New(events.TypeDone, nil)))
	require.NoError(t, err)
	waitIdle(t, env.runner, sess.ID)

	require.NoError(t, env.svc.DeleteSession(sess.ID))

	_, err = env.store.Get(sess.ID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	assert.Nil(t, env.runner.Status(sess.ID))

	assert.ErrorIs(t, env.svc.DeleteSession(sess.ID), session.ErrSessionNotFound)
}

func TestSessionLifecyclePublishesToBus(t *testing.T) {
	env := newTestEnv(t)

	received := make(chan *bus.Event, 2)
	_, err := env.bus.Subscribe(events.SubjectSessionLifecycle+".*", func(_ context.Context, ev *bus.Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)

	sess, err := env.svc.CreateSession("watched")
	require.NoError(t, err)

	created := nextBusEvent(t, received)
	assert.Equal(t, events.SessionCreated, created.Type)
	assert.Equal(t, "gateway", created.Source)
	assert.Equal(t, sess.ID, created.Data["session_id"])

	require.NoError(t, env.svc.DeleteSession(sess.ID))

	deleted := nextBusEvent(t, received)
	assert.Equal(t, events.SessionDeleted, deleted.Type)
	assert.Equal(t, sess.ID, deleted.Data["session_id"])
}

func nextBusEvent(t *testing.T, ch <-chan *bus.Event) *bus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus event")
		return nil
	}
}

func TestSubscribeReplaysBufferedEvents(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.runner.StartTask(context.Background(), "replay", "turn", doneProducer(
		events.New(events.TypeText, "hello"),
		events.New(events.TypeDone, nil)))
	require.NoError(t, err)
	waitIdle(t, env.runner, "replay")

	ch := env.svc.Subscribe(context.Background(), "replay")
	first := nextEvent(t, ch)
	assert.Equal(t, events.TypeText, first.Type)
	second := nextEvent(t, ch)
	assert.Equal(t, events.TypeDone, second.Type)
}

func TestInteractionResponsesWithoutPending(t *testing.T) {
	env := newTestEnv(t)

	assert.False(t, env.svc.ReceiveUserResponse("ghost", map[string]any{"q": "a"}))
	assert.False(t, env.svc.ReceivePermissionResponse("ghost", true))
	assert.False(t, env.svc.MarkViewed("ghost"))
	assert.False(t, env.svc.Interrupt(context.Background(), "ghost"))
}

func nextEvent(t *testing.T, ch <-chan *events.Event) *events.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "stream closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}
