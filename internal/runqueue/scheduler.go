// Package runqueue serializes simulation batches against the backend's
// single solver engine: a Cartesian batch of (model, solver) tasks runs
// strictly one at a time, best effort.
package runqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/wholehead-labs/wholehead-cli/internal/events"
	"github.com/wholehead-labs/wholehead-cli/internal/models"
	"github.com/wholehead-labs/wholehead-cli/internal/stream"
)

// ErrBatchActive is returned when EnqueueAll is called while tasks from a
// previous batch are still pending or running. Batches never merge.
var ErrBatchActive = errors.New("a run batch is already in progress")

// ErrEmptyBatch is returned when the Cartesian product is empty.
var ErrEmptyBatch = errors.New("batch needs at least one model and one solver")

// Starter issues the start request for one run task.
type Starter interface {
	StartSimulation(ctx context.Context, sessionID string, key models.RunKey, credential string) error
}

// CredentialMinter produces stream credentials.
type CredentialMinter interface {
	Mint() (string, error)
}

// Conn is a live stream connection owned by the scheduler.
type Conn interface {
	Close() error
}

// Dialer opens the push channel for one run task's session.
type Dialer func(ctx context.Context, jobID string, sel models.TaskSelection, credential string, onEvent stream.OnEvent, onDisconnect stream.OnDisconnect) (Conn, error)

// Options tunes per-task stream reconnection.
type Options struct {
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	MaxReconnects int
}

// Scheduler owns the RunTask map and the pending-queue ordering for one
// backing session. At most one task is running at any time.
type Scheduler struct {
	sessionID string
	starter   Starter
	minter    CredentialMinter
	dial      Dialer
	bus       *events.Bus
	opts      Options

	mu      sync.Mutex
	batchID string
	order   []models.RunKey
	tasks   map[models.RunKey]*models.RunTask
	queue   []models.RunKey
	active  *models.RunKey
	conn    Conn
	epoch   int
	attempt int
	timer   *time.Timer
}

// New assembles a scheduler for the given session.
func New(sessionID string, starter Starter, minter CredentialMinter, dial Dialer, bus *events.Bus, opts Options) *Scheduler {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 16 * time.Second
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 30
	}
	return &Scheduler{
		sessionID: sessionID,
		starter:   starter,
		minter:    minter,
		dial:      dial,
		bus:       bus,
		opts:      opts,
		tasks:     map[models.RunKey]*models.RunTask{},
	}
}

// EnqueueAll builds the batch as the Cartesian product of models and
// solvers, model-major so ordering is reproducible, and marks every task
// pending. It is rejected while an earlier batch still has work.
func (s *Scheduler) EnqueueAll(subjects, variants []string) error {
	if len(subjects) == 0 || len(variants) == 0 {
		return ErrEmptyBatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil || len(s.queue) > 0 {
		return ErrBatchActive
	}

	// Validate the whole product before committing any state, so a
	// rejected batch leaves the scheduler reusable.
	total := len(subjects) * len(variants)
	order := make([]models.RunKey, 0, total)
	tasks := make(map[models.RunKey]*models.RunTask, total)
	for _, subject := range subjects {
		for _, variant := range variants {
			key := models.RunKey{Model: subject, Solver: variant}
			if _, dup := tasks[key]; dup {
				return fmt.Errorf("duplicate run task %s", key)
			}
			tasks[key] = &models.RunTask{Key: key, Status: models.RunPending}
			order = append(order, key)
		}
	}

	s.batchID = uuid.NewString()
	s.order = order
	s.queue = append([]models.RunKey(nil), order...)
	s.tasks = tasks
	log.Info().Str("batch_id", s.batchID).Int("tasks", len(s.order)).Msg("run batch enqueued")
	return nil
}

// Advance starts the next pending task if nothing is running. It is the
// single scheduling entry point: callers use it to kick a batch off, and
// the scheduler calls it internally after every terminal event.
func (s *Scheduler) Advance(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked(ctx)
}

func (s *Scheduler) advanceLocked(ctx context.Context) {
	if s.active != nil {
		return
	}
	for len(s.queue) > 0 {
		key := s.queue[0]
		s.queue = s.queue[1:]
		if s.startTaskLocked(ctx, key) {
			return
		}
		// Start failed: the task is terminal, try the next one.
	}
	if s.doneLocked() {
		s.publishBatchDoneLocked()
	}
}

// startTaskLocked reports whether the task is now running. A start failure
// marks the task as errored and returns false.
func (s *Scheduler) startTaskLocked(ctx context.Context, key models.RunKey) bool {
	task := s.tasks[key]
	task.Status = models.RunRunning
	s.active = &key
	s.attempt = 0
	s.publishTaskLocked(key)

	credential, err := s.minter.Mint()
	if err == nil {
		err = s.starter.StartSimulation(ctx, s.sessionID, key, credential)
	}
	if err == nil {
		err = s.openStreamLocked(ctx, key, credential)
	}
	if err != nil {
		s.failTaskLocked(key, fmt.Sprintf("failed to start: %v", err))
		return false
	}
	return true
}

func (s *Scheduler) openStreamLocked(ctx context.Context, key models.RunKey, credential string) error {
	epoch := s.epoch
	conn, err := s.dial(ctx, s.sessionID, models.TaskSelection{}, credential,
		func(ev models.StreamEvent) { s.handleEvent(ctx, epoch, key, ev) },
		func(err error) { s.handleDisconnect(ctx, epoch, key, err) },
	)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

// handleEvent reconciles a stream event against the active task. The
// connection is scoped to one task, so targeting is implicit.
func (s *Scheduler) handleEvent(ctx context.Context, epoch int, key models.RunKey, ev models.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || s.active == nil || *s.active != key {
		return
	}
	task := s.tasks[key]

	switch ev.Kind {
	case models.EventHeartbeat:
		return

	case models.EventStatus:
		// Degraded frame: log and wait for the next well-formed event.
		log.Warn().Str("task", key.String()).Str("payload", ev.Detail).Msg("unparseable stream frame")
		return

	case models.EventProgress:
		percent := ev.Percent
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		if percent > task.Progress {
			task.Progress = percent
		}
		if ev.Message != "" {
			task.Step = ev.Message
		}
		s.publishTaskLocked(key)

	case models.EventComplete:
		task.Progress = 100
		task.Status = models.RunComplete
		s.finishActiveLocked(ctx, key)

	case models.EventError:
		s.failTaskLocked(key, ev.Detail)
		s.advanceLocked(ctx)
	}
}

// finishActiveLocked tears the task's stream down and moves on.
func (s *Scheduler) finishActiveLocked(ctx context.Context, key models.RunKey) {
	s.teardownLocked()
	s.active = nil
	s.publishTaskLocked(key)
	s.advanceLocked(ctx)
}

// failTaskLocked records a terminal error on a task. The queue continues:
// one failed task never halts the batch.
func (s *Scheduler) failTaskLocked(key models.RunKey, detail string) {
	task := s.tasks[key]
	task.Status = models.RunError
	task.Err = detail
	s.teardownLocked()
	s.active = nil
	s.publishTaskLocked(key)
	log.Warn().Str("task", key.String()).Str("detail", detail).Msg("run task failed, continuing batch")
}

func (s *Scheduler) handleDisconnect(ctx context.Context, epoch int, key models.RunKey, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || s.active == nil || *s.active != key {
		return
	}
	s.conn = nil

	if s.attempt >= s.opts.MaxReconnects {
		s.failTaskLocked(key, fmt.Sprintf("gave up reconnecting after %d attempts: %v", s.attempt, cause))
		s.advanceLocked(ctx)
		return
	}

	delay := stream.ReconnectDelay(s.attempt, s.opts.BackoffBase, s.opts.BackoffCap)
	s.attempt++
	s.bus.PublishReconnect(s.sessionID, s.attempt, delay)
	epochNow := s.epoch
	s.timer = time.AfterFunc(delay, func() { s.reconnect(ctx, epochNow, key) })
}

func (s *Scheduler) reconnect(ctx context.Context, epoch int, key models.RunKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || s.active == nil || *s.active != key {
		return
	}
	s.timer = nil

	credential, err := s.minter.Mint()
	if err == nil {
		err = s.openStreamLocked(ctx, key, credential)
	}
	if err != nil {
		if s.attempt >= s.opts.MaxReconnects {
			s.failTaskLocked(key, fmt.Sprintf("gave up reconnecting after %d attempts: %v", s.attempt, err))
			s.advanceLocked(ctx)
			return
		}
		delay := stream.ReconnectDelay(s.attempt, s.opts.BackoffBase, s.opts.BackoffCap)
		s.attempt++
		s.bus.PublishReconnect(s.sessionID, s.attempt, delay)
		epochNow := s.epoch
		s.timer = time.AfterFunc(delay, func() { s.reconnect(ctx, epochNow, key) })
	}
}

// teardownLocked invalidates the current connection and any pending
// reconnect bound to it.
func (s *Scheduler) teardownLocked() {
	s.epoch++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// Close releases the scheduler's connection and timers.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
	s.active = nil
}

// Aggregate is the arithmetic mean of all task progress, pending counting
// as zero.
func (s *Scheduler) Aggregate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return 0
	}
	sum := 0
	for _, key := range s.order {
		sum += s.tasks[key].Progress
	}
	return sum / len(s.order)
}

// Done reports whether every task in the batch is terminal.
func (s *Scheduler) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doneLocked()
}

func (s *Scheduler) doneLocked() bool {
	if len(s.order) == 0 {
		return false
	}
	for _, key := range s.order {
		if !s.tasks[key].Status.Terminal() {
			return false
		}
	}
	return true
}

// Snapshot returns the batch's tasks in enqueue order.
func (s *Scheduler) Snapshot() []models.RunTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.RunTask, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, *s.tasks[key])
	}
	return out
}

// BatchID identifies the current batch, empty before the first EnqueueAll.
func (s *Scheduler) BatchID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchID
}

func (s *Scheduler) publishTaskLocked(key models.RunKey) {
	s.bus.Publish(&events.RunTaskEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventRunTask, Time: time.Now()},
		BatchID:   s.batchID,
		Task:      *s.tasks[key],
	})
}

func (s *Scheduler) publishBatchDoneLocked() {
	completed, failed := 0, 0
	for _, key := range s.order {
		switch s.tasks[key].Status {
		case models.RunComplete:
			completed++
		case models.RunError:
			failed++
		}
	}
	s.bus.Publish(&events.BatchDoneEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventBatchDone, Time: time.Now()},
		BatchID:   s.batchID,
		Completed: completed,
		Failed:    failed,
	})
	log.Info().Str("batch_id", s.batchID).Int("completed", completed).Int("failed", failed).Msg("run batch done")
}
