package models

import "testing"

// TestApplyProgress_Monotonic verifies progress never moves backward
// regardless of observation order.
func TestApplyProgress_Monotonic(t *testing.T) {
	j := NewJob()
	j.Tasks = []string{"grace-native"}

	for _, p := range []int{10, 40, 25, 40, 5, 90, 60} {
		j.ApplyProgress("grace-native", p)
	}

	if got := j.Progress["grace-native"]; got != 90 {
		t.Errorf("expected progress 90, got %d", got)
	}
}

// TestApplyProgress_Clamped verifies out-of-range values are clamped to 0-100.
func TestApplyProgress_Clamped(t *testing.T) {
	j := NewJob()
	j.Tasks = []string{"grace-native"}

	j.ApplyProgress("grace-native", 150)
	if got := j.Progress["grace-native"]; got != 100 {
		t.Errorf("expected clamp to 100, got %d", got)
	}

	j2 := NewJob()
	j2.Tasks = []string{"grace-native"}
	j2.ApplyProgress("grace-native", -5)
	if got := j2.Progress["grace-native"]; got != 0 {
		t.Errorf("expected clamp to 0, got %d", got)
	}
}

// TestApplyProgress_UnknownTaskIgnored verifies the progress map stays a
// subset of the task list.
func TestApplyProgress_UnknownTaskIgnored(t *testing.T) {
	j := NewJob()
	j.Tasks = []string{"grace-native"}

	j.ApplyProgress("domino-native", 50)

	if _, ok := j.Progress["domino-native"]; ok {
		t.Error("progress recorded for a task not in the task list")
	}
}

// TestAggregateProgress verifies aggregate is the arithmetic mean:
// tasks at 40 and 60 must read 50.
func TestAggregateProgress(t *testing.T) {
	j := NewJob()
	j.Tasks = []string{"grace-native", "domino-native"}
	j.ApplyProgress("grace-native", 40)
	j.ApplyProgress("domino-native", 60)

	if got := j.AggregateProgress(); got != 50 {
		t.Errorf("expected aggregate 50, got %d", got)
	}
}

// TestStatus_Derivation walks the derived status through the job lifecycle.
func TestStatus_Derivation(t *testing.T) {
	j := NewJob()
	if got := j.Status(); got != StatusIdle {
		t.Fatalf("expected idle, got %s", got)
	}

	j.Uploading = true
	if got := j.Status(); got != StatusUploading {
		t.Fatalf("expected uploading, got %s", got)
	}

	j.Uploading = false
	j.Submitted = true
	j.ID = "abc"
	j.Tasks = []string{"grace-native", "domino-native"}
	if got := j.Status(); got != StatusQueued {
		t.Fatalf("expected queued before first event, got %s", got)
	}

	j.EventSeen = true
	if got := j.Status(); got != StatusRunning {
		t.Fatalf("expected running after first event, got %s", got)
	}

	j.ApplyProgress("grace-native", 100)
	j.ApplyProgress("domino-native", 100)
	if got := j.Status(); got != StatusComplete {
		t.Fatalf("expected complete, got %s", got)
	}
}

// TestStatus_AllTasksFailed verifies a job whose every task failed is an
// error, while a partial failure can still complete.
func TestStatus_AllTasksFailed(t *testing.T) {
	j := NewJob()
	j.Submitted = true
	j.EventSeen = true
	j.ID = "abc"
	j.Tasks = []string{"grace-native", "domino-native"}
	j.TaskErrors["grace-native"] = "model crashed"
	j.TaskErrors["domino-native"] = "model crashed"

	if got := j.Status(); got != StatusError {
		t.Errorf("expected error when every task failed, got %s", got)
	}

	// One surviving task completes: the job completes despite the failure.
	j2 := NewJob()
	j2.Submitted = true
	j2.EventSeen = true
	j2.ID = "abc"
	j2.Tasks = []string{"grace-native", "domino-native"}
	j2.TaskErrors["grace-native"] = "model crashed"
	j2.ApplyProgress("domino-native", 100)

	if got := j2.Status(); got != StatusComplete {
		t.Errorf("expected complete with one failed task, got %s", got)
	}
}

// TestStatus_ErroredTaskRecovers verifies a task that reported an error and
// later reached 100 percent counts as completed, not failed.
func TestStatus_ErroredTaskRecovers(t *testing.T) {
	j := NewJob()
	j.Submitted = true
	j.EventSeen = true
	j.ID = "abc"
	j.Tasks = []string{"grace-native", "domino-native"}
	j.TaskErrors["grace-native"] = "transient fault"
	j.TaskErrors["domino-native"] = "model crashed"
	j.ApplyProgress("grace-native", 100)

	if got := j.Status(); got != StatusComplete {
		t.Errorf("expected complete when an errored task recovered, got %s", got)
	}
}

// TestTaskSelection_Tasks verifies selection expansion matches the
// backend's model naming.
func TestTaskSelection_Tasks(t *testing.T) {
	sel := TaskSelection{Grace: true, DominoPP: true}
	got := sel.Tasks(SpaceFS)

	want := []string{"grace-fs", "dominopp-fs"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("task %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

// TestOutstandingTasks verifies completed and failed tasks are excluded.
func TestOutstandingTasks(t *testing.T) {
	j := NewJob()
	j.Tasks = []string{"a", "b", "c"}
	j.ApplyProgress("a", 100)
	j.TaskErrors["b"] = "failed"

	out := j.OutstandingTasks()
	if len(out) != 1 || out[0] != "c" {
		t.Errorf("expected [c], got %v", out)
	}
}
