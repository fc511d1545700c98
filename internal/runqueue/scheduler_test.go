package runqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wholehead-labs/wholehead-cli/internal/events"
	"github.com/wholehead-labs/wholehead-cli/internal/models"
	"github.com/wholehead-labs/wholehead-cli/internal/stream"
)

type fakeStarter struct {
	mu      sync.Mutex
	started []models.RunKey
	failOn  map[models.RunKey]error
}

func (f *fakeStarter) StartSimulation(_ context.Context, _ string, key models.RunKey, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, key)
	if f.failOn != nil {
		if err := f.failOn[key]; err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStarter) order() []models.RunKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.RunKey(nil), f.started...)
}

type fakeMinter struct{}

func (fakeMinter) Mint() (string, error) { return "credential", nil }

type fakeConn struct{}

func (fakeConn) Close() error { return nil }

type fakeDialer struct {
	mu           sync.Mutex
	dials        int
	onEvent      stream.OnEvent
	onDisconnect stream.OnDisconnect
}

func (d *fakeDialer) dial(_ context.Context, _ string, _ models.TaskSelection, _ string, onEvent stream.OnEvent, onDisconnect stream.OnDisconnect) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.onEvent = onEvent
	d.onDisconnect = onDisconnect
	return fakeConn{}, nil
}

func (d *fakeDialer) emit(ev models.StreamEvent) {
	d.mu.Lock()
	fn := d.onEvent
	d.mu.Unlock()
	fn(ev)
}

func newTestScheduler(t *testing.T, starter *fakeStarter, dialer *fakeDialer) (*Scheduler, *events.Bus) {
	t.Helper()
	bus := events.NewBus(128)
	t.Cleanup(bus.Close)
	s := New("sess-1", starter, fakeMinter{}, dialer.dial, bus,
		Options{BackoffBase: time.Millisecond, BackoffCap: 4 * time.Millisecond, MaxReconnects: 2})
	t.Cleanup(s.Close)
	return s, bus
}

func keys(pairs ...[2]string) []models.RunKey {
	out := make([]models.RunKey, len(pairs))
	for i, p := range pairs {
		out[i] = models.RunKey{Model: p[0], Solver: p[1]}
	}
	return out
}

// TestEnqueueAllOrdering verifies the Cartesian product is built
// model-major with every task pending.
func TestEnqueueAllOrdering(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeStarter{}, &fakeDialer{})
	if err := s.EnqueueAll([]string{"m1", "m2"}, []string{"s1", "s2"}); err != nil {
		t.Fatal(err)
	}

	want := keys([2]string{"m1", "s1"}, [2]string{"m1", "s2"}, [2]string{"m2", "s1"}, [2]string{"m2", "s2"})
	snap := s.Snapshot()
	if len(snap) != 4 {
		t.Fatalf("expected 4 tasks, got %d", len(snap))
	}
	for i, task := range snap {
		if task.Key != want[i] {
			t.Fatalf("task %d: expected %s, got %s", i, want[i], task.Key)
		}
		if task.Status != models.RunPending {
			t.Fatalf("task %s: expected pending, got %s", task.Key, task.Status)
		}
	}
	if s.Done() {
		t.Fatal("fresh batch reported done")
	}
}

// TestEnqueueRejectedWhileActive verifies batches never merge.
func TestEnqueueRejectedWhileActive(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeStarter{}, &fakeDialer{})
	if err := s.EnqueueAll([]string{"m1"}, []string{"s1", "s2"}); err != nil {
		t.Fatal(err)
	}
	s.Advance(context.Background())

	if err := s.EnqueueAll([]string{"m2"}, []string{"s1"}); !errors.Is(err, ErrBatchActive) {
		t.Fatalf("expected ErrBatchActive, got %v", err)
	}
}

// TestEnqueueDuplicateLeavesSchedulerClean verifies a rejected duplicate
// batch commits no state, so a corrected batch is accepted afterwards.
func TestEnqueueDuplicateLeavesSchedulerClean(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeStarter{}, &fakeDialer{})
	if err := s.EnqueueAll([]string{"m1", "m1"}, []string{"s1"}); err == nil {
		t.Fatal("expected duplicate run task to be rejected")
	}
	if snap := s.Snapshot(); len(snap) != 0 {
		t.Fatalf("rejected batch left tasks behind: %v", snap)
	}

	if err := s.EnqueueAll([]string{"m1"}, []string{"s1"}); err != nil {
		t.Fatalf("scheduler unusable after rejected batch: %v", err)
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Status != models.RunPending {
		t.Fatalf("corrected batch not enqueued: %v", snap)
	}
}

// TestSerializedExecution verifies tasks run strictly one at a time in
// enqueue order, with the batch-done notice after the last terminal event.
func TestSerializedExecution(t *testing.T) {
	starter := &fakeStarter{}
	dialer := &fakeDialer{}
	s, bus := newTestScheduler(t, starter, dialer)
	done := bus.Subscribe(events.EventBatchDone)

	if err := s.EnqueueAll([]string{"m1", "m2"}, []string{"s1"}); err != nil {
		t.Fatal(err)
	}
	s.Advance(context.Background())

	if got := starter.order(); len(got) != 1 || got[0] != (models.RunKey{Model: "m1", Solver: "s1"}) {
		t.Fatalf("unexpected start order after kickoff: %v", got)
	}

	dialer.emit(models.StreamEvent{Kind: models.EventProgress, Percent: 50, Message: "meshing"})
	snap := s.Snapshot()
	if snap[0].Progress != 50 || snap[0].Step != "meshing" {
		t.Fatalf("progress not reconciled: %+v", snap[0])
	}

	dialer.emit(models.StreamEvent{Kind: models.EventComplete})
	if got := starter.order(); len(got) != 2 || got[1] != (models.RunKey{Model: "m2", Solver: "s1"}) {
		t.Fatalf("second task not started: %v", got)
	}

	dialer.emit(models.StreamEvent{Kind: models.EventComplete})
	if !s.Done() {
		t.Fatal("batch not done after all tasks terminal")
	}

	select {
	case ev := <-done:
		bd := ev.(*events.BatchDoneEvent)
		if bd.Completed != 2 || bd.Failed != 0 {
			t.Fatalf("unexpected batch tally: %+v", bd)
		}
	case <-time.After(time.Second):
		t.Fatal("batch-done notice never published")
	}
}

// TestErrorContinuesBatch verifies a failed task is skipped and the next
// one starts, with done reported only once all tasks are terminal.
func TestErrorContinuesBatch(t *testing.T) {
	starter := &fakeStarter{}
	dialer := &fakeDialer{}
	s, _ := newTestScheduler(t, starter, dialer)

	if err := s.EnqueueAll([]string{"m1", "m2"}, []string{"s1", "s2"}); err != nil {
		t.Fatal(err)
	}
	s.Advance(context.Background())

	dialer.emit(models.StreamEvent{Kind: models.EventError, Detail: "solver diverged"})

	got := starter.order()
	if len(got) != 2 || got[1] != (models.RunKey{Model: "m1", Solver: "s2"}) {
		t.Fatalf("scheduler did not continue past the failed task: %v", got)
	}
	if s.Done() {
		t.Fatal("batch reported done with tasks still pending")
	}

	dialer.emit(models.StreamEvent{Kind: models.EventComplete})
	dialer.emit(models.StreamEvent{Kind: models.EventComplete})
	dialer.emit(models.StreamEvent{Kind: models.EventComplete})

	if !s.Done() {
		t.Fatal("batch not done after all four tasks terminal")
	}
	snap := s.Snapshot()
	if snap[0].Status != models.RunError || snap[0].Err != "solver diverged" {
		t.Fatalf("failed task not recorded: %+v", snap[0])
	}
	for _, task := range snap[1:] {
		if task.Status != models.RunComplete {
			t.Fatalf("task %s: expected complete, got %s", task.Key, task.Status)
		}
	}
}

// TestStartFailureSkipsTask verifies a task whose start request fails is
// marked errored and the queue moves on without a stream ever opening.
func TestStartFailureSkipsTask(t *testing.T) {
	starter := &fakeStarter{failOn: map[models.RunKey]error{
		{Model: "m1", Solver: "s1"}: errors.New("engine busy"),
	}}
	dialer := &fakeDialer{}
	s, _ := newTestScheduler(t, starter, dialer)

	if err := s.EnqueueAll([]string{"m1"}, []string{"s1", "s2"}); err != nil {
		t.Fatal(err)
	}
	s.Advance(context.Background())

	snap := s.Snapshot()
	if snap[0].Status != models.RunError {
		t.Fatalf("expected start failure to error the task, got %s", snap[0].Status)
	}
	if snap[1].Status != models.RunRunning {
		t.Fatalf("expected next task running, got %s", snap[1].Status)
	}
	if dialer.dials != 1 {
		t.Fatalf("expected exactly one stream, got %d", dialer.dials)
	}
}

// TestAggregateProgress verifies the mean counts pending tasks as zero.
func TestAggregateProgress(t *testing.T) {
	dialer := &fakeDialer{}
	s, _ := newTestScheduler(t, &fakeStarter{}, dialer)

	if err := s.EnqueueAll([]string{"m1", "m2"}, []string{"s1"}); err != nil {
		t.Fatal(err)
	}
	if s.Aggregate() != 0 {
		t.Fatalf("expected 0%% before any progress, got %d", s.Aggregate())
	}

	s.Advance(context.Background())
	dialer.emit(models.StreamEvent{Kind: models.EventProgress, Percent: 80})
	if got := s.Aggregate(); got != 40 {
		t.Fatalf("expected 40%% (80+0)/2, got %d", got)
	}
}

// TestMonotonicTaskProgress verifies a stale lower percent never moves a
// run task backward.
func TestMonotonicTaskProgress(t *testing.T) {
	dialer := &fakeDialer{}
	s, _ := newTestScheduler(t, &fakeStarter{}, dialer)

	if err := s.EnqueueAll([]string{"m1"}, []string{"s1"}); err != nil {
		t.Fatal(err)
	}
	s.Advance(context.Background())
	dialer.emit(models.StreamEvent{Kind: models.EventProgress, Percent: 60})
	dialer.emit(models.StreamEvent{Kind: models.EventProgress, Percent: 30})

	if got := s.Snapshot()[0].Progress; got != 60 {
		t.Fatalf("progress moved backward: %d", got)
	}
}

// TestDisconnectRedialsTask verifies a dropped stream mid-task publishes a
// reconnect notice and redials without changing the task's status.
func TestDisconnectRedialsTask(t *testing.T) {
	dialer := &fakeDialer{}
	s, bus := newTestScheduler(t, &fakeStarter{}, dialer)
	reconnects := bus.Subscribe(events.EventReconnect)

	if err := s.EnqueueAll([]string{"m1"}, []string{"s1"}); err != nil {
		t.Fatal(err)
	}
	s.Advance(context.Background())

	dialer.mu.Lock()
	drop := dialer.onDisconnect
	dialer.mu.Unlock()
	drop(errors.New("connection reset"))

	select {
	case <-reconnects:
	case <-time.After(time.Second):
		t.Fatal("no reconnect notice")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		dialer.mu.Lock()
		n := dialer.dials
		dialer.mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	dialer.mu.Lock()
	n := dialer.dials
	dialer.mu.Unlock()
	if n < 2 {
		t.Fatal("task stream never redialed")
	}
	if got := s.Snapshot()[0].Status; got != models.RunRunning {
		t.Fatalf("disconnect changed task status: %s", got)
	}
}
