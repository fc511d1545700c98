package models

// EventKind discriminates the stream event variants.
type EventKind int

const (
	// EventProgress carries a per-task progress update.
	EventProgress EventKind = iota
	// EventComplete marks one task (or all outstanding tasks) finished.
	EventComplete
	// EventError reports a task-scoped or job-scoped failure.
	EventError
	// EventHeartbeat is a keep-alive; it carries no state change and
	// only refreshes the consumer's stall timer.
	EventHeartbeat
	// EventStatus is a degraded frame: a payload that could not be parsed
	// or verified. It surfaces as a best-effort status message on the
	// outstanding tasks and must never fail the job or the connection.
	EventStatus
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	case EventHeartbeat:
		return "heartbeat"
	case EventStatus:
		return "status"
	default:
		return "unknown"
	}
}

// EventTarget names which task an event applies to. The backend omits the
// model field on job-wide events, so the broadcast case is modelled
// explicitly rather than as an empty string with implied meaning.
type EventTarget struct {
	AllTasks bool
	Task     string
}

// TargetAllTasks is the broadcast target: the event applies to every task
// currently outstanding in the job.
func TargetAllTasks() EventTarget {
	return EventTarget{AllTasks: true}
}

// TargetTask scopes the event to a single named task.
func TargetTask(task string) EventTarget {
	return EventTarget{Task: task}
}

// StreamEvent is one reconciled event from the push channel.
type StreamEvent struct {
	Kind   EventKind
	Target EventTarget

	// Message is the human-readable step label, when present.
	Message string

	// Percent is the reported progress (0-100); only meaningful for
	// EventProgress.
	Percent int

	// GPU is the backend resource index the task was scheduled on, or
	// -1 when the payload carries no hint.
	GPU int

	// Detail holds the failure description for EventError, or the raw
	// payload for EventStatus.
	Detail string
}
