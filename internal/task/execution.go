// Package task runs one background agent turn per session and keeps its
// event stream durable: events are buffered in memory and appended to a
// JSONL log so clients can disconnect, reconnect, and replay what they
// missed.
package task

import "time"

// Execution statuses.
const (
	StatusIdle      = "idle"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Execution is the persisted record of a session's current (or last) task.
type Execution struct {
	TaskID      string  `json:"task_id"`
	SessionID   string  `json:"session_id"`
	Prompt      string  `json:"prompt"`
	Status      string  `json:"status"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
	Error       *string `json:"error,omitempty"`
	WasViewed   bool    `json:"was_viewed"`
	EventCount  int     `json:"event_count"`
}

// Terminal reports whether the execution has finished, successfully or not.
func (e *Execution) Terminal() bool {
	return e.Status == StatusCompleted || e.Status == StatusError
}

// HasUnread reports whether the execution finished without being viewed.
func (e *Execution) HasUnread() bool {
	return e.Terminal() && !e.WasViewed
}

// Clone returns a copy safe to hand outside the buffer lock.
func (e *Execution) Clone() *Execution {
	clone := *e
	if e.CompletedAt != nil {
		v := *e.CompletedAt
		clone.CompletedAt = &v
	}
	if e.Error != nil {
		v := *e.Error
		clone.Error = &v
	}
	return &clone
}

// StatusSummary is the per-session entry of the all-sessions status map.
type StatusSummary struct {
	Status    string  `json:"status"`
	HasUnread bool    `json:"has_unread"`
	TaskID    string  `json:"task_id,omitempty"`
	Error     *string `json:"error,omitempty"`
}

// utcNow formats the current time the way executions persist timestamps.
func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}
