// Package events provides the typed event bus connecting the orchestration
// core to its viewers (the watch UI and any embedding application).
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/wholehead-labs/wholehead-cli/internal/models"
)

// EventType defines the types of events that can be emitted.
type EventType string

const (
	EventJobState     EventType = "job_state"
	EventTaskProgress EventType = "task_progress"
	EventTaskError    EventType = "task_error"
	EventResult       EventType = "result"
	EventReconnect    EventType = "reconnect"
	EventRunTask      EventType = "run_task"
	EventBatchDone    EventType = "batch_done"
)

// defaultBuffer sizes subscriber channels; progress events burst when a
// reconnect replays backend state.
const defaultBuffer = 256

// Event is the base interface for all events.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common event fields.
type BaseEvent struct {
	EventType EventType
	Time      time.Time
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// JobStateEvent announces a job lifecycle transition.
type JobStateEvent struct {
	BaseEvent
	JobID     string
	OldStatus models.JobStatus
	NewStatus models.JobStatus
	Detail    string
}

// TaskProgressEvent reports one task's progress observation after
// reconciliation (clamped, monotonic).
type TaskProgressEvent struct {
	BaseEvent
	JobID   string
	Task    string
	Percent int
	Message string
	GPU     int
}

// TaskErrorEvent reports a task-scoped failure that did not fail the job.
type TaskErrorEvent struct {
	BaseEvent
	JobID  string
	Task   string
	Detail string
}

// ResultEvent reports the outcome of a result fetch for a completed task.
type ResultEvent struct {
	BaseEvent
	JobID string
	Task  string
	Err   error
}

// ReconnectEvent signals the stream dropped and a reconnect is pending,
// so viewers can show a "connection degraded" indicator.
type ReconnectEvent struct {
	BaseEvent
	JobID   string
	Attempt int
	Delay   time.Duration
}

// RunTaskEvent reports a run-queue task transition or progress update.
type RunTaskEvent struct {
	BaseEvent
	BatchID string
	Task    models.RunTask
}

// BatchDoneEvent announces that every run task in a batch is terminal.
type BatchDoneEvent struct {
	BaseEvent
	BatchID   string
	Completed int
	Failed    int
}

// Bus manages event subscriptions and publishing. Publishing never blocks;
// a full subscriber buffer drops the event and bumps a counter.
type Bus struct {
	subscribers   map[EventType][]chan Event
	all           []chan Event
	mu            sync.RWMutex
	bufferSize    int
	closed        bool
	droppedEvents atomic.Int64
}

// NewBus creates an event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBuffer
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe creates a subscription to a specific event type.
func (b *Bus) Subscribe(eventType EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	return ch
}

// SubscribeAll creates a subscription to all events.
func (b *Bus) SubscribeAll() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, b.bufferSize)
	b.all = append(b.all, ch)
	return ch
}

// Publish sends an event to all subscribers without blocking.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subscribers[event.Type()] {
		select {
		case ch <- event:
		default:
			b.droppedEvents.Add(1)
		}
	}

	for _, ch := range b.all {
		select {
		case ch <- event:
		default:
			b.droppedEvents.Add(1)
		}
	}
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, channels := range b.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.all {
		close(ch)
	}
}

// Unsubscribe removes a subscription channel from a specific event type.
func (b *Bus) Unsubscribe(eventType EventType, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	subscribers := b.subscribers[eventType]
	for i, subCh := range subscribers {
		if subCh == ch {
			subscribers[i] = subscribers[len(subscribers)-1]
			b.subscribers[eventType] = subscribers[:len(subscribers)-1]
			break
		}
	}
}

// DroppedEventCount returns the number of events dropped due to full buffers.
func (b *Bus) DroppedEventCount() int64 {
	return b.droppedEvents.Load()
}

// PublishJobState is a convenience method for job lifecycle transitions.
func (b *Bus) PublishJobState(jobID string, oldStatus, newStatus models.JobStatus, detail string) {
	b.Publish(&JobStateEvent{
		BaseEvent: BaseEvent{EventType: EventJobState, Time: time.Now()},
		JobID:     jobID,
		OldStatus: oldStatus,
		NewStatus: newStatus,
		Detail:    detail,
	})
}

// PublishTaskProgress is a convenience method for reconciled progress.
func (b *Bus) PublishTaskProgress(jobID, task string, percent int, message string, gpu int) {
	b.Publish(&TaskProgressEvent{
		BaseEvent: BaseEvent{EventType: EventTaskProgress, Time: time.Now()},
		JobID:     jobID,
		Task:      task,
		Percent:   percent,
		Message:   message,
		GPU:       gpu,
	})
}

// PublishReconnect is a convenience method for degraded-connection signals.
func (b *Bus) PublishReconnect(jobID string, attempt int, delay time.Duration) {
	b.Publish(&ReconnectEvent{
		BaseEvent: BaseEvent{EventType: EventReconnect, Time: time.Now()},
		JobID:     jobID,
		Attempt:   attempt,
		Delay:     delay,
	})
}
