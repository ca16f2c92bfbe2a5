package events

// Bus event types published alongside the in-process buffer so external
// observers (other processes, the MCP server) can follow along.
const (
	// Session lifecycle events
	SessionCreated = "session.created"
	SessionDeleted = "session.deleted"

	// Task lifecycle events
	TaskStarted     = "task.started"
	TaskCompleted   = "task.completed"
	TaskErrored     = "task.errored"
	TaskInterrupted = "task.interrupted"
)

// Subject roots for the event bus.
const (
	SubjectSessionEvents     = "session.events"
	SubjectSessionLifecycle  = "session.lifecycle"
	SubjectTaskLifecycle     = "task.lifecycle"
	SubjectOrchestratorCycle = "orchestrator.cycle"
)

// BuildSessionEventsSubject returns the subject carrying a session's
// buffered stream events.
func BuildSessionEventsSubject(sessionID string) string {
	return SubjectSessionEvents + "." + sessionID
}

// BuildSessionEventsWildcard returns the subject matching every session's
// stream events.
func BuildSessionEventsWildcard() string {
	return SubjectSessionEvents + ".*"
}

// BuildSessionLifecycleSubject returns the subject carrying create/delete
// notifications for a session.
func BuildSessionLifecycleSubject(sessionID string) string {
	return SubjectSessionLifecycle + "." + sessionID
}

// BuildTaskLifecycleSubject returns the subject carrying task start/stop
// notifications for a session.
func BuildTaskLifecycleSubject(sessionID string) string {
	return SubjectTaskLifecycle + "." + sessionID
}

// BuildOrchestratorCycleSubject returns the subject carrying cycle progress
// events for an autonomous run.
func BuildOrchestratorCycleSubject(sessionID string) string {
	return SubjectOrchestratorCycle + "." + sessionID
}

// BuildOrchestratorCycleWildcard returns the subject matching every run.
func BuildOrchestratorCycleWildcard() string {
	return SubjectOrchestratorCycle + ".*"
}
