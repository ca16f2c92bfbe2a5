package task

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
	"github.com/wheelhouse-ai/wheelhouse/internal/events"
)

const (
	// subscriberBuffer is the capacity of each subscriber channel. A
	// subscriber that falls further behind than this loses newest events
	// rather than stalling the stream.
	subscriberBuffer = 1024

	// maxEventLineSize bounds one JSONL line on restore; tool results can
	// embed whole files.
	maxEventLineSize = 10 * 1024 * 1024

	executionFile = "current.json"
	eventsFile    = "events.jsonl"
)

// sessionBuffer is the in-memory state for one session's task stream.
type sessionBuffer struct {
	execution *Execution
	events    []*events.Event
	subs      map[int]chan *events.Event
	nextSubID int
}

// EventBuffer stores each session's task events in memory and on disk, and
// fans live events out to subscribers. Layout under root:
//
//	<root>/<session_id>/current.json  execution record
//	<root>/<session_id>/events.jsonl  one event per line, append-only
type EventBuffer struct {
	root string
	log  *logger.Logger

	mu       sync.Mutex
	sessions map[string]*sessionBuffer
}

// NewEventBuffer creates the root directory if needed.
func NewEventBuffer(root string, log *logger.Logger) (*EventBuffer, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create tasks dir: %w", err)
	}
	return &EventBuffer{
		root:     root,
		log:      log,
		sessions: make(map[string]*sessionBuffer),
	}, nil
}

func (b *EventBuffer) sessionDir(sessionID string) string {
	return filepath.Join(b.root, sessionID)
}

// Restore loads every persisted session into memory. Executions that were
// still running when the process died are marked failed; their tasks cannot
// be resumed.
func (b *EventBuffer) Restore() error {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return fmt.Errorf("read tasks dir: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	restored := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sessionID := entry.Name()

		exec, err := b.loadExecution(sessionID)
		if err != nil {
			if !os.IsNotExist(err) {
				b.log.WithError(err).Warn("skipping unreadable execution",
					zap.String("session_id", sessionID))
			}
			continue
		}

		evs := b.loadEvents(sessionID)

		if exec.Status == StatusRunning {
			now := utcNow()
			msg := "Server restarted during execution"
			exec.Status = StatusError
			exec.Error = &msg
			exec.CompletedAt = &now
			exec.WasViewed = false
			if err := b.persistExecution(exec); err != nil {
				b.log.WithError(err).Warn("failed to persist restored execution",
					zap.String("session_id", sessionID))
			}
		}

		b.sessions[sessionID] = &sessionBuffer{
			execution: exec,
			events:    evs,
			subs:      make(map[int]chan *events.Event),
		}
		restored++
	}

	if restored > 0 {
		b.log.Info("restored task state", zap.Int("sessions", restored))
	}
	return nil
}

// Append stamps the event and makes it durable and visible: in-memory cache,
// JSONL log, execution event count, then non-blocking fan-out.
func (b *EventBuffer) Append(sessionID string, ev *events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sb := b.session(sessionID)
	ev.Timestamp = time.Now().UnixMilli()
	sb.events = append(sb.events, ev)

	if err := b.appendLine(sessionID, ev); err != nil {
		b.log.WithError(err).Warn("failed to append event to log",
			zap.String("session_id", sessionID),
			zap.String("event_type", ev.Type))
	}

	if sb.execution != nil {
		sb.execution.EventCount++
		if err := b.persistExecution(sb.execution); err != nil {
			b.log.WithError(err).Warn("failed to persist execution",
				zap.String("session_id", sessionID))
		}
	}

	for id, sub := range sb.subs {
		select {
		case sub <- ev:
		default:
			// Subscriber is full; it keeps what it has and loses this
			// event rather than blocking every other consumer.
			b.log.Warn("subscriber buffer full, dropping event",
				zap.String("session_id", sessionID),
				zap.Int("subscriber", id),
				zap.String("event_type", ev.Type))
		}
	}
}

// Subscribe returns a channel that first replays the session's buffered
// events and then follows the live stream until a terminal event, context
// cancellation, or buffer shutdown. The channel is always closed when the
// feed ends. Sessions with a finished (or absent) execution get the replay
// and an immediate close.
func (b *EventBuffer) Subscribe(ctx context.Context, sessionID string) <-chan *events.Event {
	out := make(chan *events.Event, subscriberBuffer)

	b.mu.Lock()
	sb := b.sessions[sessionID]
	if sb == nil {
		b.mu.Unlock()
		close(out)
		return out
	}

	replay := make([]*events.Event, len(sb.events))
	copy(replay, sb.events)

	terminal := sb.execution == nil || sb.execution.Terminal()

	var live chan *events.Event
	var subID int
	if !terminal {
		live = make(chan *events.Event, subscriberBuffer)
		subID = sb.nextSubID
		sb.nextSubID++
		sb.subs[subID] = live
	}
	b.mu.Unlock()

	go func() {
		defer close(out)
		if live != nil {
			defer b.unsubscribe(sessionID, subID)
		}

		for _, ev := range replay {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Terminal() {
				return
			}
		}
		if live == nil {
			return
		}

		for {
			select {
			case ev, ok := <-live:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Terminal() {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// unsubscribe removes and closes a live channel if still registered.
func (b *EventBuffer) unsubscribe(sessionID string, subID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sb := b.sessions[sessionID]
	if sb == nil {
		return
	}
	if ch, ok := sb.subs[subID]; ok {
		delete(sb.subs, subID)
		close(ch)
	}
}

// Execution returns a copy of the session's execution record, or nil.
func (b *EventBuffer) Execution(sessionID string) *Execution {
	b.mu.Lock()
	defer b.mu.Unlock()
	sb := b.sessions[sessionID]
	if sb == nil || sb.execution == nil {
		return nil
	}
	return sb.execution.Clone()
}

// Executions returns copies of every session's execution record.
func (b *EventBuffer) Executions() map[string]*Execution {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]*Execution, len(b.sessions))
	for id, sb := range b.sessions {
		if sb.execution != nil {
			out[id] = sb.execution.Clone()
		}
	}
	return out
}

// UpdateExecution applies fn to the session's execution under the lock and
// persists the result. Returns the updated copy, or nil when the session has
// no execution.
func (b *EventBuffer) UpdateExecution(sessionID string, fn func(*Execution)) *Execution {
	b.mu.Lock()
	defer b.mu.Unlock()
	sb := b.sessions[sessionID]
	if sb == nil || sb.execution == nil {
		return nil
	}
	fn(sb.execution)
	if err := b.persistExecution(sb.execution); err != nil {
		b.log.WithError(err).Warn("failed to persist execution",
			zap.String("session_id", sessionID))
	}
	return sb.execution.Clone()
}

// ResetSession clears the session's cached events, removes the old event
// log, and persists a fresh execution record. Live subscribers of the
// previous task are closed.
func (b *EventBuffer) ResetSession(sessionID string, exec *Execution) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sb := b.session(sessionID)
	for id, ch := range sb.subs {
		delete(sb.subs, id)
		close(ch)
	}
	sb.events = nil
	sb.execution = exec

	if err := os.Remove(filepath.Join(b.sessionDir(sessionID), eventsFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove old event log: %w", err)
	}
	return b.persistExecution(exec)
}

// ClearSession drops the session's state entirely, in memory and on disk.
func (b *EventBuffer) ClearSession(sessionID string) {
	b.mu.Lock()
	sb := b.sessions[sessionID]
	if sb != nil {
		for id, ch := range sb.subs {
			delete(sb.subs, id)
			close(ch)
		}
		delete(b.sessions, sessionID)
	}
	b.mu.Unlock()

	if err := os.RemoveAll(b.sessionDir(sessionID)); err != nil {
		b.log.WithError(err).Warn("failed to remove task dir",
			zap.String("session_id", sessionID))
	}
}

// CloseAll closes every live subscriber channel. In-memory and on-disk state
// stays for the next process to restore.
func (b *EventBuffer) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sb := range b.sessions {
		for id, ch := range sb.subs {
			delete(sb.subs, id)
			close(ch)
		}
	}
}

// Events returns a snapshot of the session's cached events.
func (b *EventBuffer) Events(sessionID string) []*events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	sb := b.sessions[sessionID]
	if sb == nil {
		return nil
	}
	out := make([]*events.Event, len(sb.events))
	copy(out, sb.events)
	return out
}

// session returns the in-memory buffer, creating it when absent. Callers
// hold the lock.
func (b *EventBuffer) session(sessionID string) *sessionBuffer {
	sb := b.sessions[sessionID]
	if sb == nil {
		sb = &sessionBuffer{subs: make(map[int]chan *events.Event)}
		b.sessions[sessionID] = sb
	}
	return sb
}

// appendLine writes one event to the session's JSONL log.
func (b *EventBuffer) appendLine(sessionID string, ev *events.Event) error {
	dir := b.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, eventsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// persistExecution writes current.json via temp + rename. Callers hold the
// lock.
func (b *EventBuffer) persistExecution(exec *Execution) error {
	dir := b.sessionDir(exec.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(exec, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, executionFile+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, executionFile))
}

// loadExecution reads current.json for a session.
func (b *EventBuffer) loadExecution(sessionID string) (*Execution, error) {
	data, err := os.ReadFile(filepath.Join(b.sessionDir(sessionID), executionFile))
	if err != nil {
		return nil, err
	}
	var exec Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("decode execution: %w", err)
	}
	return &exec, nil
}

// loadEvents reads the JSONL log, skipping lines that fail to decode.
func (b *EventBuffer) loadEvents(sessionID string) []*events.Event {
	f, err := os.Open(filepath.Join(b.sessionDir(sessionID), eventsFile))
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []*events.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxEventLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			b.log.WithError(err).Warn("skipping corrupt event line",
				zap.String("session_id", sessionID))
			continue
		}
		out = append(out, &ev)
	}
	if err := scanner.Err(); err != nil {
		b.log.WithError(err).Warn("event log read ended early",
			zap.String("session_id", sessionID))
	}
	return out
}
