// Package orchestrator runs autonomous worker-checker sessions: a worker
// agent executes a task objective in cycles, a checker agent verifies each
// cycle's claimed output, and the loop continues until the checker passes
// the work or the cycle budget runs out. Session state, cycle records, and
// the run log live on disk under a per-session workspace.
package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
)

const (
	// DefaultMaxCycles bounds a run when its creator does not say
	// otherwise.
	DefaultMaxCycles = 3

	objectivePreviewLimit     = 100
	checkerPromptPreviewLimit = 2000
)

// Engine drives autonomous runs through worker-checker cycles.
type Engine struct {
	store      *Store
	worker     Worker
	emitter    *Emitter
	checkerCfg *WorkerConfig
	cycleWait  time.Duration
	log        *logger.Logger
}

// NewEngine creates an engine. The emitter may be nil; the run log then
// only receives lifecycle lines.
func NewEngine(store *Store, worker Worker, emitter *Emitter, log *logger.Logger) *Engine {
	return &Engine{
		store:   store,
		worker:  worker,
		emitter: emitter,
		log:     log.WithFields(zap.String("component", "orchestrator")),
	}
}

// SetCheckerConfig installs a dedicated checker config. Without one, each
// session's worker config doubles as the checker.
func (e *Engine) SetCheckerConfig(cfg *WorkerConfig) {
	e.checkerCfg = cfg
}

// SetCycleWait sets the pause between cycles of a full run.
func (e *Engine) SetCycleWait(d time.Duration) {
	if d < 0 {
		d = 0
	}
	e.cycleWait = d
}

// CreateRequest carries everything needed to start a new run.
type CreateRequest struct {
	Task   *TaskDefinition
	Worker *WorkerConfig

	// InputPayload seeds the first cycle; nil means the task's inputs.
	InputPayload map[string]any

	// MaxCycles caps the worker-checker cycles per round. Nil means
	// DefaultMaxCycles; an explicit zero fails the run before the worker
	// is ever invoked.
	MaxCycles        *int
	ResetOnMaxCycles bool
	MaxResets        int
}

// CreateSession persists a new pending run and returns its state.
func (e *Engine) CreateSession(req CreateRequest) (*RunState, error) {
	if req.Task == nil || req.Worker == nil {
		return nil, errors.New("task and worker config are required")
	}
	req.Task.Normalize()
	req.Worker.Normalize()

	maxCycles := DefaultMaxCycles
	if req.MaxCycles != nil {
		maxCycles = *req.MaxCycles
	}
	if maxCycles < 0 {
		maxCycles = 0
	}
	input := req.InputPayload
	if input == nil {
		input = cloneMap(req.Task.Inputs)
	}

	now := time.Now().UTC()
	state := &RunState{
		SessionID:        NewRunID(),
		Status:           StatusPending,
		WorkerConfig:     req.Worker,
		Task:             req.Task,
		MaxCycles:        maxCycles,
		InputPayload:     input,
		History:          []*CycleRecord{},
		CreatedAt:        now,
		UpdatedAt:        now,
		ResetOnMaxCycles: req.ResetOnMaxCycles,
		MaxResets:        req.MaxResets,
	}
	if err := e.store.SaveState(state); err != nil {
		return nil, err
	}
	e.appendLog(state, "session created")

	e.log.Info("run created",
		zap.String("session_id", state.SessionID),
		zap.String("task", req.Task.TaskID),
		zap.Int("max_cycles", maxCycles))
	return state, nil
}

// Status returns the stored state of a run.
func (e *Engine) Status(sessionID string) (*RunState, error) {
	return e.store.LoadState(sessionID)
}

// Run drives a session until it reaches a terminal status, pausing between
// cycles when a cycle wait is configured. Checker rejections stay inside
// the loop; only worker failures and an exhausted cycle budget end a run
// unsuccessfully.
func (e *Engine) Run(ctx context.Context, sessionID string) (*RunState, error) {
	state, err := e.store.LoadState(sessionID)
	if err != nil {
		return nil, err
	}

	e.emit(ctx, sessionID, EventSessionStart, sessionStartData(state))

	for !state.Terminal() {
		state, err = e.RunOnce(ctx, sessionID)
		if err != nil {
			e.emit(ctx, sessionID, EventSessionError, map[string]any{
				"session_id": sessionID,
				"error":      err.Error(),
			})
			return nil, err
		}
		if e.cycleWait > 0 && !state.Terminal() {
			select {
			case <-time.After(e.cycleWait):
			case <-ctx.Done():
				return state, ctx.Err()
			}
		}
	}

	e.emit(ctx, sessionID, EventSessionComplete, map[string]any{"session_id": sessionID})
	return state, nil
}

// RunOnce advances a session by exactly one worker-checker cycle.
func (e *Engine) RunOnce(ctx context.Context, sessionID string) (*RunState, error) {
	state, err := e.store.LoadState(sessionID)
	if err != nil {
		return nil, err
	}
	if state.Terminal() {
		return state, nil
	}
	if state.CycleCount >= state.MaxCycles {
		return e.handleMaxCycles(state)
	}

	state.Status = StatusRunning
	state.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveState(state); err != nil {
		return nil, err
	}

	cycleIndex := state.CycleCount + 1
	startedAt := time.Now().UTC()
	workspace := e.store.Workspace(sessionID)
	emit := e.emitFunc(ctx, sessionID)

	e.log.Info("starting cycle",
		zap.String("session_id", sessionID),
		zap.Int("cycle", cycleIndex),
		zap.Int("max_cycles", state.MaxCycles))

	e.emit(ctx, sessionID, EventCycleStart, map[string]any{
		"cycle_index": cycleIndex,
		"max_cycles":  state.MaxCycles,
		"objective":   truncate(state.Task.Objective, objectivePreviewLimit),
	})

	// A sentinel left over from an earlier cycle must not be mistaken for
	// this cycle's output.
	if err := os.Remove(filepath.Join(workspace, sentinelName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.log.WithError(err).Warn("failed to remove stale output sentinel",
			zap.String("session_id", sessionID))
	}

	prompt := BuildWorkerPrompt(state.WorkerConfig, state.Task, state.InputPayload)

	resume := ""
	if state.LastResult != nil {
		resume = state.LastResult.AgentSessionID
	}
	if resume != "" {
		e.log.Info("resuming agent session",
			zap.String("session_id", sessionID),
			zap.String("agent_session_id", resume))
	}

	result, err := e.worker.Run(ctx, state.WorkerConfig, prompt, workspace, resume, emit)
	if err != nil {
		return e.failWorkerException(ctx, state, cycleIndex, startedAt, err)
	}

	summary := "no text output"
	if result.Text != "" {
		summary = firstLine(result.Text)
	}
	artifacts := []string{}

	var workerErr any
	if result.Error != "" {
		workerErr = result.Error
	}
	e.emit(ctx, sessionID, EventWorkerComplete, map[string]any{
		"cycle_index": cycleIndex,
		"text":        result.Text,
		"tool_calls":  result.ToolCalls,
		"summary":     summary,
		"error":       workerErr,
	})

	summary, artifacts = e.ingestSentinel(state, cycleIndex, result, summary, artifacts)
	endedAt := time.Now().UTC()

	checkerPrompt := BuildCheckerPrompt(state.Task, result)
	checkerCfg := e.checkerCfg
	if checkerCfg == nil {
		checkerCfg = state.WorkerConfig
	}

	e.emit(ctx, sessionID, EventCheckerStart, map[string]any{
		"cycle_index":    cycleIndex,
		"model":          checkerCfg.Model,
		"max_turns":      checkerCfg.MaxTurns,
		"prompt_length":  len(checkerPrompt),
		"prompt_preview": truncate(checkerPrompt, checkerPromptPreviewLimit),
	})

	// The checker never resumes: every verdict starts from a clean context.
	checkerOut, err := e.worker.Run(ctx, checkerCfg, checkerPrompt, workspace, "", emit)
	if err != nil {
		checkerOut = &WorkerResult{Error: err.Error()}
	}
	verdict := ParseVerdict(checkerOut)
	if !verdict.Passed {
		// A rejected attempt carries its own summary into the next cycle.
		if _, ok := verdict.NextInput["review_verdict"]; ok {
			verdict.NextInput["previous_attempt_summary"] = summary
		}
	}

	e.emit(ctx, sessionID, EventCheckerComplete, map[string]any{
		"cycle_index": cycleIndex,
		"passed":      verdict.Passed,
		"reason":      verdict.Reason,
		"next_input":  verdict.NextInput,
	})

	e.log.Info("checker verdict",
		zap.String("session_id", sessionID),
		zap.Int("cycle", cycleIndex),
		zap.Bool("passed", verdict.Passed),
		zap.String("reason", verdict.Reason))

	record := &CycleRecord{
		CycleIndex:    cycleIndex,
		StartedAt:     startedAt,
		EndedAt:       endedAt,
		InputPayload:  cloneMap(state.InputPayload),
		Result:        result,
		Passed:        verdict.Passed,
		CheckerReason: verdict.Reason,
		Summary:       summary,
		Artifacts:     artifacts,
	}
	state.History = append(state.History, record)
	state.CycleCount = cycleIndex
	state.LastResult = result
	state.UpdatedAt = time.Now().UTC()

	if verdict.Passed {
		state.Status = StatusCompleted
	} else {
		state.Status = StatusRunning
		if verdict.NextInput != nil {
			state.InputPayload = verdict.NextInput
		}
	}

	if err := e.store.SaveCycle(sessionID, record); err != nil {
		return nil, err
	}
	if err := e.store.SaveState(state); err != nil {
		return nil, err
	}

	e.emit(ctx, sessionID, EventCycleEnd, map[string]any{
		"cycle_index": cycleIndex,
		"passed":      verdict.Passed,
		"status":      state.Status,
	})

	if state.Status == StatusCompleted {
		e.log.Info("run completed",
			zap.String("session_id", sessionID),
			zap.Int("cycles", cycleIndex))
		e.appendLog(state, "completed")
	}
	return state, nil
}

// handleMaxCycles resolves a run whose cycle budget is exhausted: reset for
// another round when allowed, fail otherwise.
func (e *Engine) handleMaxCycles(state *RunState) (*RunState, error) {
	if state.ResetOnMaxCycles && state.MaxResets > 0 && state.ResetCount < state.MaxResets {
		state.ResetCount++
		state.CycleCount = 0
		state.Status = StatusPending
		state.InputPayload = cloneMap(state.Task.Inputs)
		state.UpdatedAt = time.Now().UTC()
		if err := e.store.SaveState(state); err != nil {
			return nil, err
		}
		e.log.Info("run reset after exhausting cycles",
			zap.String("session_id", state.SessionID),
			zap.Int("reset", state.ResetCount),
			zap.Int("max_resets", state.MaxResets))
		e.appendLog(state, "reset max_cycles")
		return state, nil
	}

	state.Status = StatusFailed
	state.LastError = "max_cycles"
	state.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveState(state); err != nil {
		return nil, err
	}
	e.log.Warn("run failed: cycle budget exhausted",
		zap.String("session_id", state.SessionID),
		zap.Int("max_cycles", state.MaxCycles))
	e.appendLog(state, "failed max_cycles")
	return state, nil
}

// failWorkerException records a cycle whose worker invocation died and
// fails the run.
func (e *Engine) failWorkerException(ctx context.Context, state *RunState, cycleIndex int, startedAt time.Time, runErr error) (*RunState, error) {
	result := &WorkerResult{
		ToolCalls:   []ToolCall{},
		ToolResults: []ToolOutcome{},
		Error:       runErr.Error(),
	}
	record := &CycleRecord{
		CycleIndex:    cycleIndex,
		StartedAt:     startedAt,
		EndedAt:       time.Now().UTC(),
		InputPayload:  cloneMap(state.InputPayload),
		Result:        result,
		Passed:        false,
		CheckerReason: "worker_exception",
		Summary:       "worker exception",
		Artifacts:     []string{},
	}
	state.History = append(state.History, record)
	state.CycleCount = cycleIndex
	state.LastResult = result
	state.LastError = runErr.Error()
	state.Status = StatusFailed
	state.UpdatedAt = time.Now().UTC()

	if err := e.store.SaveCycle(state.SessionID, record); err != nil {
		return nil, err
	}
	if err := e.store.SaveState(state); err != nil {
		return nil, err
	}

	e.emit(ctx, state.SessionID, EventWorkerError, map[string]any{
		"cycle_index": cycleIndex,
		"error":       runErr.Error(),
	})

	e.log.WithError(runErr).Error("worker failed, run aborted",
		zap.String("session_id", state.SessionID),
		zap.Int("cycle", cycleIndex))
	e.appendLog(state, "failed worker_exception")
	return state, nil
}

func (e *Engine) emit(ctx context.Context, sessionID, eventType string, data map[string]any) {
	if e.emitter != nil {
		e.emitter.Emit(ctx, sessionID, eventType, data)
	}
}

// emitFunc adapts the emitter for workers, which report events without
// knowing the session.
func (e *Engine) emitFunc(ctx context.Context, sessionID string) EmitFunc {
	if e.emitter == nil {
		return nil
	}
	return func(eventType string, data map[string]any) {
		e.emitter.Emit(ctx, sessionID, eventType, data)
	}
}

// appendLog writes a timestamped lifecycle line to the run log.
func (e *Engine) appendLog(state *RunState, line string) {
	entry := state.UpdatedAt.Format(time.RFC3339) + " " + line
	if err := e.store.AppendLog(state.SessionID, entry); err != nil {
		e.log.WithError(err).Warn("failed to append run log",
			zap.String("session_id", state.SessionID))
	}
}

func sessionStartData(state *RunState) map[string]any {
	data := map[string]any{"session_id": state.SessionID}
	if cfg := state.WorkerConfig; cfg != nil {
		data["model"] = cfg.Model
		data["provider"] = cfg.Provider
		data["endpoint"] = cfg.Endpoint
		data["max_turns"] = cfg.MaxTurns
		data["tools_allow"] = cfg.ToolsAllow
		data["prompt"] = cfg.Prompt
	}
	if state.Task != nil {
		data["objective"] = state.Task.Objective
	}
	return data
}

// firstLine returns text up to the first line break.
func firstLine(text string) string {
	if i := strings.IndexAny(text, "\r\n"); i >= 0 {
		return text[:i]
	}
	return text
}
