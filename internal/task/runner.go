package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
	"github.com/wheelhouse-ai/wheelhouse/internal/events"
	"github.com/wheelhouse-ai/wheelhouse/internal/events/bus"
)

// ErrTaskAlreadyRunning is returned when a session already has a live task.
var ErrTaskAlreadyRunning = errors.New("session already has a running task")

// stopWait bounds how long Stop waits for each worker to wind down.
const stopWait = 2 * time.Second

// Producer starts a turn and returns its event stream. The channel must be
// closed when the turn ends; the runner owns the context.
type Producer func(ctx context.Context) (<-chan *events.Event, error)

// Interrupter can stop a turn natively (through the agent protocol) so the
// provider finishes the turn cleanly instead of the process being cut off.
type Interrupter interface {
	Interrupt(ctx context.Context, sessionID string) bool
}

// worker tracks one running task goroutine.
type worker struct {
	taskID      string
	cancel      context.CancelFunc
	done        chan struct{}
	interrupted atomic.Bool
}

// Runner executes at most one background task per session, persisting every
// event through the buffer and publishing lifecycle notifications on the
// bus.
type Runner struct {
	buffer *EventBuffer
	bus    bus.EventBus
	log    *logger.Logger

	mu          sync.Mutex
	workers     map[string]*worker
	interrupter Interrupter
}

// NewRunner builds a runner over the buffer. eventBus may be nil in tests.
func NewRunner(buffer *EventBuffer, eventBus bus.EventBus, log *logger.Logger) *Runner {
	return &Runner{
		buffer:  buffer,
		bus:     eventBus,
		log:     log,
		workers: make(map[string]*worker),
	}
}

// SetInterrupter injects the native interrupt path. Set once at wiring time;
// the runner falls back to context cancellation when absent.
func (r *Runner) SetInterrupter(i Interrupter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interrupter = i
}

// Append persists an out-of-band event (interaction requests and results)
// into the session's stream.
func (r *Runner) Append(sessionID string, ev *events.Event) {
	r.append(context.Background(), sessionID, ev)
}

// append buffers the event and mirrors it onto the bus so out-of-process
// observers can follow the stream. The buffer stays the source of truth.
func (r *Runner) append(ctx context.Context, sessionID string, ev *events.Event) {
	r.buffer.Append(sessionID, ev)
	if r.bus == nil {
		return
	}
	busEv := bus.NewEvent(ev.Type, "task-runner", map[string]any{
		"session_id": sessionID,
		"event":      ev,
	})
	if err := r.bus.Publish(ctx, events.BuildSessionEventsSubject(sessionID), busEv); err != nil {
		r.log.WithError(err).Debug("failed to mirror event onto bus",
			zap.String("session_id", sessionID),
			zap.String("event_type", ev.Type))
	}
}

// StartTask begins a background task for the session. The previous task's
// events are discarded; the new execution is persisted as running before the
// worker starts. The producer runs on a context detached from the caller's,
// so the task survives the request that started it.
func (r *Runner) StartTask(ctx context.Context, sessionID, prompt string, producer Producer) (*Execution, error) {
	r.mu.Lock()
	if _, exists := r.workers[sessionID]; exists {
		r.mu.Unlock()
		return nil, ErrTaskAlreadyRunning
	}

	exec := &Execution{
		TaskID:    uuid.NewString(),
		SessionID: sessionID,
		Prompt:    prompt,
		Status:    StatusRunning,
		StartedAt: utcNow(),
	}
	if err := r.buffer.ResetSession(sessionID, exec); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("reset session state: %w", err)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	w := &worker{
		taskID: exec.TaskID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.workers[sessionID] = w
	r.mu.Unlock()

	r.log.Info("task started",
		zap.String("session_id", sessionID),
		zap.String("task_id", exec.TaskID))
	r.publishLifecycle(ctx, events.TaskStarted, sessionID, exec.TaskID)

	go r.run(workerCtx, w, sessionID, producer)
	return exec.Clone(), nil
}

// run drains the producer into the buffer and finalizes the execution.
func (r *Runner) run(ctx context.Context, w *worker, sessionID string, producer Producer) {
	defer close(w.done)
	defer r.removeWorker(sessionID, w)
	defer w.cancel()
	defer func() {
		if rec := recover(); rec != nil {
			msg := fmt.Sprintf("task panicked: %v", rec)
			r.log.Error("task worker panicked",
				zap.String("session_id", sessionID),
				zap.Any("panic", rec))
			r.append(ctx, sessionID, events.NewError(msg, "panic"))
			r.finalize(ctx, sessionID, w, StatusError, &msg)
		}
	}()

	ch, err := producer(ctx)
	if err != nil {
		msg := err.Error()
		r.append(ctx, sessionID, events.NewError(msg, "producer_error"))
		r.finalize(ctx, sessionID, w, StatusError, &msg)
		return
	}

	status := StatusCompleted
	sawTerminal := false
	var errText *string
	for ev := range ch {
		if w.interrupted.Load() {
			// Interrupt already finalized the execution and emitted the
			// closing events; drain the remainder silently.
			continue
		}
		r.append(ctx, sessionID, ev)
		switch ev.Type {
		case events.TypeDone:
			status = StatusCompleted
			errText = nil
			sawTerminal = true
		case events.TypeError:
			status = StatusError
			s := stringifyContent(ev.Content)
			errText = &s
			sawTerminal = true
		}
	}

	if w.interrupted.Load() {
		return
	}
	if ctx.Err() != nil && !sawTerminal {
		// Cancelled without a terminal event: the stream was cut, not
		// finished.
		msg := "Task was cancelled"
		status = StatusError
		errText = &msg
		r.append(ctx, sessionID, events.NewError(msg, "cancelled"))
	}
	r.finalize(ctx, sessionID, w, status, errText)
}

// finalize stamps the terminal status if this worker still owns the
// execution.
func (r *Runner) finalize(ctx context.Context, sessionID string, w *worker, status string, errText *string) {
	now := utcNow()
	r.buffer.UpdateExecution(sessionID, func(e *Execution) {
		if e.TaskID != w.taskID {
			return
		}
		e.Status = status
		e.CompletedAt = &now
		e.Error = errText
	})

	r.log.Info("task finished",
		zap.String("session_id", sessionID),
		zap.String("task_id", w.taskID),
		zap.String("status", status))

	lifecycle := events.TaskCompleted
	if status == StatusError {
		lifecycle = events.TaskErrored
	}
	r.publishLifecycle(ctx, lifecycle, sessionID, w.taskID)
}

// Interrupt stops the session's running task. The native protocol interrupt
// is preferred; cancellation is the fallback. An interrupted task counts as
// completed: the user asked for it.
func (r *Runner) Interrupt(ctx context.Context, sessionID string) bool {
	r.mu.Lock()
	w := r.workers[sessionID]
	interrupter := r.interrupter
	r.mu.Unlock()
	if w == nil {
		return false
	}

	w.interrupted.Store(true)

	native := false
	if interrupter != nil {
		native = interrupter.Interrupt(ctx, sessionID)
	}
	if !native {
		w.cancel()
	}

	now := utcNow()
	r.buffer.UpdateExecution(sessionID, func(e *Execution) {
		if e.TaskID != w.taskID {
			return
		}
		e.Status = StatusCompleted
		e.CompletedAt = &now
		e.Error = nil
	})

	r.append(ctx, sessionID, events.New(events.TypeSystem, "Task interrupted by user"))
	r.append(ctx, sessionID, events.New(events.TypeDone, map[string]any{"interrupted": true}))

	r.log.Info("task interrupted",
		zap.String("session_id", sessionID),
		zap.String("task_id", w.taskID),
		zap.Bool("native", native))
	r.publishLifecycle(ctx, events.TaskInterrupted, sessionID, w.taskID)
	return true
}

// Subscribe attaches to the session's event feed and marks the execution
// viewed.
func (r *Runner) Subscribe(ctx context.Context, sessionID string) <-chan *events.Event {
	ch := r.buffer.Subscribe(ctx, sessionID)
	r.MarkViewed(sessionID)
	return ch
}

// MarkViewed records that the user has seen the task's output.
func (r *Runner) MarkViewed(sessionID string) bool {
	return r.buffer.UpdateExecution(sessionID, func(e *Execution) {
		e.WasViewed = true
	}) != nil
}

// IsRunning reports whether the session has a live worker.
func (r *Runner) IsRunning(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workers[sessionID] != nil
}

// Status returns a copy of the session's execution record, or nil.
func (r *Runner) Status(sessionID string) *Execution {
	return r.buffer.Execution(sessionID)
}

// AllStatus summarizes every session's task state.
func (r *Runner) AllStatus() map[string]StatusSummary {
	execs := r.buffer.Executions()
	out := make(map[string]StatusSummary, len(execs))
	for sessionID, exec := range execs {
		out[sessionID] = StatusSummary{
			Status:    exec.Status,
			HasUnread: exec.HasUnread(),
			TaskID:    exec.TaskID,
			Error:     exec.Error,
		}
	}
	return out
}

// ClearSession cancels any running task and removes the session's task
// state, memory and disk both.
func (r *Runner) ClearSession(sessionID string) {
	r.mu.Lock()
	w := r.workers[sessionID]
	r.mu.Unlock()
	if w != nil {
		w.interrupted.Store(true)
		w.cancel()
		select {
		case <-w.done:
		case <-time.After(stopWait):
		}
	}
	r.buffer.ClearSession(sessionID)
}

// Stop cancels all workers and closes every subscriber channel.
func (r *Runner) Stop() {
	r.mu.Lock()
	workers := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()

	for _, w := range workers {
		w.interrupted.Store(true)
		w.cancel()
	}
	for _, w := range workers {
		select {
		case <-w.done:
		case <-time.After(stopWait):
		}
	}
	r.buffer.CloseAll()
}

// removeWorker drops the worker if it is still the session's current one.
func (r *Runner) removeWorker(sessionID string, w *worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.workers[sessionID] == w {
		delete(r.workers, sessionID)
	}
}

// publishLifecycle mirrors a task transition onto the bus for external
// observers.
func (r *Runner) publishLifecycle(ctx context.Context, eventType, sessionID, taskID string) {
	if r.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "task-runner", map[string]any{
		"session_id": sessionID,
		"task_id":    taskID,
	})
	if err := r.bus.Publish(ctx, events.BuildTaskLifecycleSubject(sessionID), ev); err != nil {
		r.log.WithError(err).Debug("failed to publish task lifecycle event",
			zap.String("type", eventType))
	}
}

func stringifyContent(content any) string {
	if s, ok := content.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", content)
}
