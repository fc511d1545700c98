// Package session owns the client-side job record and drives it through
// its lifecycle: submission, streaming, reconnection, result retrieval.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wholehead-labs/wholehead-cli/internal/events"
	"github.com/wholehead-labs/wholehead-cli/internal/models"
	"github.com/wholehead-labs/wholehead-cli/internal/stream"
)

// ErrNotIdle is returned when Start is called on a job that is already in
// flight. The caller must Reset first.
var ErrNotIdle = errors.New("a job is already in progress; reset before starting another")

// ErrNoTasks is returned when the task selection is empty.
var ErrNoTasks = errors.New("at least one model family must be selected")

const (
	fetchAttempts = 5
	fetchInterval = 2 * time.Second
	fetchTimeout  = 120 * time.Second
)

// Submitter submits a scan for processing.
type Submitter interface {
	Predict(ctx context.Context, file io.Reader, filename string, tasks []string, space models.Space, credential string) (*models.Submission, error)
}

// ResultFetcher retrieves one task's finished artifact.
type ResultFetcher interface {
	FetchResult(ctx context.Context, sessionID, task, credential string) ([]byte, error)
}

// CredentialMinter produces short-lived stream credentials.
type CredentialMinter interface {
	Mint() (string, error)
}

// Conn is the subset of a live stream connection the machine manages.
type Conn interface {
	Close() error
}

// Dialer opens a push channel for a job. It matches stream.Connect with
// the shared config curried away, so tests can substitute fakes.
type Dialer func(ctx context.Context, jobID string, sel models.TaskSelection, credential string, onEvent stream.OnEvent, onDisconnect stream.OnDisconnect) (Conn, error)

// ResultHandler receives each successfully fetched artifact.
type ResultHandler func(task string, data []byte) error

// retryableFn classifies fetch errors worth polling through, typically the
// backend still finalizing an artifact. Wiring passes api.IsResultNotReady.
type retryableFn func(error) bool

// Options tunes the machine's reconnection behavior.
type Options struct {
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	MaxReconnects int
}

// Machine serializes all mutations of one job record. Events, disconnects,
// user actions and reconnect timers all funnel through its mutex, so the
// record never sees interleaved updates.
type Machine struct {
	submitter Submitter
	fetcher   ResultFetcher
	minter    CredentialMinter
	dial      Dialer
	bus       *events.Bus
	opts      Options

	onResult   ResultHandler
	isNotReady retryableFn

	mu      sync.Mutex
	job     models.Job
	conn    Conn
	epoch   int
	attempt int
	timer   *time.Timer
	// fetched guards against duplicate downloads when a terminal event is
	// replayed, e.g. after a reconnect.
	fetched map[string]bool
}

// New assembles a machine around its collaborators. onResult and notReady
// may be nil.
func New(submitter Submitter, fetcher ResultFetcher, minter CredentialMinter, dial Dialer, bus *events.Bus, opts Options, onResult ResultHandler, notReady func(error) bool) *Machine {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 16 * time.Second
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 30
	}
	return &Machine{
		submitter:  submitter,
		fetcher:    fetcher,
		minter:     minter,
		dial:       dial,
		bus:        bus,
		opts:       opts,
		onResult:   onResult,
		isNotReady: notReady,
		job:        models.NewJob(),
		fetched:    make(map[string]bool),
	}
}

// Snapshot returns a copy of the job record safe for display.
func (m *Machine) Snapshot() models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.job.Clone()
}

// Start submits a scan and opens the push channel. Only an idle job can be
// started; a second Start while one is in flight is rejected.
func (m *Machine) Start(ctx context.Context, file io.Reader, filename string, sel models.TaskSelection, space models.Space) error {
	if sel.Empty() {
		return ErrNoTasks
	}

	m.mu.Lock()
	if m.job.Status() != models.StatusIdle {
		m.mu.Unlock()
		return ErrNotIdle
	}
	m.job.Uploading = true
	m.job.Space = space
	m.publishStateLocked(models.StatusIdle, "")
	epoch := m.epoch
	m.mu.Unlock()

	credential, err := m.minter.Mint()
	if err != nil {
		return m.failStart(epoch, fmt.Errorf("failed to mint credential: %w", err))
	}

	sub, err := m.submitter.Predict(ctx, file, filename, sel.Tasks(space), space, credential)
	if err != nil {
		return m.failStart(epoch, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		// Reset raced the upload; drop the submission on the floor.
		return nil
	}

	prev := m.job.Status()
	m.job.ID = sub.SessionID
	m.job.Tasks = append([]string(nil), sub.Models...)
	m.job.Uploading = false
	m.job.Submitted = true
	m.attempt = 0
	if sub.QueuePosition != nil {
		m.job.QueuePosition = *sub.QueuePosition
	}
	m.publishStateLocked(prev, "")

	if err := m.openStreamLocked(ctx, credential); err != nil {
		// Submission succeeded; the stream will be recovered through the
		// normal reconnect path.
		m.scheduleReconnectLocked(ctx, err)
	}
	return nil
}

// Reset returns the machine to idle. Any live connection is closed
// voluntarily and any pending reconnect is invalidated, so a zombie
// connection from before the reset can never touch the fresh record.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.job.Status()
	m.teardownLocked()
	m.job = models.NewJob()
	m.fetched = make(map[string]bool)
	m.attempt = 0
	m.publishStateLocked(prev, "reset")
}

// Close releases the machine's connection without clearing the record.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
}

// teardownLocked closes the stream and bumps the epoch so every callback
// and timer bound to the old connection becomes a no-op.
func (m *Machine) teardownLocked() {
	m.epoch++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

func (m *Machine) failStart(epoch int, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return nil
	}
	prev := m.job.Status()
	m.job.Uploading = false
	m.job.Failed = err.Error()
	m.publishStateLocked(prev, err.Error())
	return err
}

func (m *Machine) openStreamLocked(ctx context.Context, credential string) error {
	epoch := m.epoch
	sel := models.SelectionFromTasks(m.job.Tasks)
	conn, err := m.dial(ctx, m.job.ID, sel, credential,
		func(ev models.StreamEvent) { m.handleEvent(epoch, ev) },
		func(err error) { m.handleDisconnect(ctx, epoch, err) },
	)
	if err != nil {
		return err
	}
	m.conn = conn
	return nil
}

func (m *Machine) handleEvent(epoch int, ev models.StreamEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return
	}
	if ev.Kind == models.EventHeartbeat {
		return
	}
	if ev.Kind == models.EventStatus {
		// Degraded frame: surface the raw payload as a status message on
		// the outstanding tasks without touching the record.
		log.Warn().Str("job_id", m.job.ID).Str("payload", ev.Detail).Msg("unparseable stream frame")
		for _, task := range m.job.OutstandingTasks() {
			m.bus.PublishTaskProgress(m.job.ID, task, m.job.Progress[task], ev.Message, -1)
		}
		return
	}

	prev := m.job.Status()
	tasks := m.targetTasksLocked(ev.Target)

	switch ev.Kind {
	case models.EventProgress:
		m.job.EventSeen = true
		for _, task := range tasks {
			m.job.ApplyProgress(task, ev.Percent)
			if ev.GPU >= 0 {
				m.job.GPUAssignment[task] = ev.GPU
			}
			m.bus.PublishTaskProgress(m.job.ID, task, m.job.Progress[task], ev.Message, ev.GPU)
			if m.job.Progress[task] >= 100 {
				m.startFetchLocked(task)
			}
		}

	case models.EventComplete:
		m.job.EventSeen = true
		for _, task := range tasks {
			m.job.ApplyProgress(task, 100)
			m.bus.PublishTaskProgress(m.job.ID, task, 100, ev.Message, ev.GPU)
			m.startFetchLocked(task)
		}

	case models.EventError:
		if ev.Target.AllTasks {
			m.job.Failed = ev.Detail
		} else {
			for _, task := range tasks {
				m.job.TaskErrors[task] = ev.Detail
				m.bus.Publish(&events.TaskErrorEvent{
					BaseEvent: events.BaseEvent{EventType: events.EventTaskError, Time: time.Now()},
					JobID:     m.job.ID,
					Task:      task,
					Detail:    ev.Detail,
				})
			}
		}
	}

	now := m.job.Status()
	if now != prev {
		m.publishStateLocked(prev, ev.Detail)
	}
	if now == models.StatusComplete || now == models.StatusError {
		m.teardownLocked()
	}
}

// targetTasksLocked resolves an event target against the job's task list.
// A broadcast touches every task; a named task must belong to the job.
func (m *Machine) targetTasksLocked(t models.EventTarget) []string {
	if t.AllTasks {
		return m.job.Tasks
	}
	for _, task := range m.job.Tasks {
		if task == t.Task {
			return []string{task}
		}
	}
	return nil
}

func (m *Machine) handleDisconnect(ctx context.Context, epoch int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return
	}
	m.conn = nil
	st := m.job.Status()
	if st == models.StatusComplete || st == models.StatusError {
		return
	}
	m.scheduleReconnectLocked(ctx, err)
}

func (m *Machine) scheduleReconnectLocked(ctx context.Context, cause error) {
	if m.attempt >= m.opts.MaxReconnects {
		prev := m.job.Status()
		m.job.Failed = fmt.Sprintf("gave up reconnecting after %d attempts: %v", m.attempt, cause)
		m.publishStateLocked(prev, m.job.Failed)
		m.teardownLocked()
		return
	}

	delay := stream.ReconnectDelay(m.attempt, m.opts.BackoffBase, m.opts.BackoffCap)
	m.attempt++
	m.bus.PublishReconnect(m.job.ID, m.attempt, delay)
	log.Warn().
		Str("job_id", m.job.ID).
		Int("attempt", m.attempt).
		Dur("delay", delay).
		Err(cause).
		Msg("push channel lost, reconnecting")

	epoch := m.epoch
	m.timer = time.AfterFunc(delay, func() { m.reconnect(ctx, epoch) })
}

func (m *Machine) reconnect(ctx context.Context, epoch int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return
	}
	m.timer = nil
	st := m.job.Status()
	if st == models.StatusComplete || st == models.StatusError {
		return
	}

	credential, err := m.minter.Mint()
	if err == nil {
		err = m.openStreamLocked(ctx, credential)
	}
	if err != nil {
		m.scheduleReconnectLocked(ctx, err)
	}
}

// startFetchLocked launches the artifact download for a finished task,
// exactly once per task per job. The fetch runs off the lock; its outcome
// never reverts the task's progress.
func (m *Machine) startFetchLocked(task string) {
	if m.fetcher == nil || m.fetched[task] {
		return
	}
	m.fetched[task] = true
	go m.fetchResult(m.job.ID, task)
}

func (m *Machine) fetchResult(jobID, task string) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	var data []byte
	var err error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		var credential string
		credential, err = m.minter.Mint()
		if err != nil {
			break
		}
		data, err = m.fetcher.FetchResult(ctx, jobID, task, credential)
		if err == nil {
			break
		}
		if m.isNotReady == nil || !m.isNotReady(err) {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(fetchInterval):
			continue
		}
		break
	}

	if err == nil && m.onResult != nil {
		err = m.onResult(task, data)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.job.ID != jobID {
		// The record was reset while we were downloading; nothing to record.
		return
	}
	if err != nil {
		m.job.FetchErrors[task] = err.Error()
		log.Error().Str("task", task).Err(err).Msg("result retrieval failed")
	}
	m.bus.Publish(&events.ResultEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventResult, Time: time.Now()},
		JobID:     jobID,
		Task:      task,
		Err:       err,
	})
}

func (m *Machine) publishStateLocked(prev models.JobStatus, detail string) {
	now := m.job.Status()
	if now == prev && detail == "" {
		return
	}
	m.bus.PublishJobState(m.job.ID, prev, now, detail)
}
