// Package models defines data structures shared across the wholehead client.
package models

import (
	"fmt"
	"sort"
	"strings"
)

// Space identifies the processing space a job runs in.
type Space string

const (
	// SpaceNative runs models against the scan in its native space.
	SpaceNative Space = "native"
	// SpaceFS runs models against the FreeSurfer-conformed scan.
	SpaceFS Space = "fs"
)

// ParseSpace validates a space string from user input.
func ParseSpace(s string) (Space, error) {
	switch Space(strings.ToLower(strings.TrimSpace(s))) {
	case SpaceNative:
		return SpaceNative, nil
	case SpaceFS:
		return SpaceFS, nil
	default:
		return "", fmt.Errorf("unknown processing space %q (expected native or fs)", s)
	}
}

// JobStatus is the overall lifecycle state of a job.
type JobStatus string

const (
	StatusIdle      JobStatus = "idle"
	StatusUploading JobStatus = "uploading"
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusComplete  JobStatus = "complete"
	StatusError     JobStatus = "error"
)

// TaskSelection is the set of segmentation model families requested for a job.
// The stream endpoint encodes this selection as path booleans, so ordering
// here is part of the wire contract: grace, domino, dominopp.
type TaskSelection struct {
	Grace    bool
	Domino   bool
	DominoPP bool
}

// Tasks expands the selection into concrete task names for a space,
// mirroring the backend's model list expansion.
func (s TaskSelection) Tasks(space Space) []string {
	var tasks []string
	if s.Grace {
		tasks = append(tasks, "grace-"+string(space))
	}
	if s.Domino {
		tasks = append(tasks, "domino-"+string(space))
	}
	if s.DominoPP {
		tasks = append(tasks, "dominopp-"+string(space))
	}
	return tasks
}

// Empty reports whether no model family is selected.
func (s TaskSelection) Empty() bool {
	return !s.Grace && !s.Domino && !s.DominoPP
}

// SelectionFromTasks recovers a selection from explicit task names.
func SelectionFromTasks(tasks []string) TaskSelection {
	var s TaskSelection
	for _, t := range tasks {
		switch {
		case strings.HasPrefix(t, "dominopp"):
			s.DominoPP = true
		case strings.HasPrefix(t, "domino"):
			s.Domino = true
		case strings.HasPrefix(t, "grace"):
			s.Grace = true
		}
	}
	return s
}

// Submission is the backend response to a successful job submission.
type Submission struct {
	SessionID     string   `json:"session_id"`
	Models        []string `json:"models"`
	Space         string   `json:"space"`
	QueuePosition *int     `json:"queue_position"`
}

// Job is the canonical client-side record of one submission. It is owned
// by the session machine; everything else sees copies.
type Job struct {
	ID    string
	Tasks []string
	Space Space

	// Progress maps task name to percent complete (0-100). Keys are
	// always a subset of Tasks. Values never decrease within one job.
	Progress map[string]int

	// GPUAssignment records the backend resource index a task was
	// scheduled on, when the stream reports one.
	GPUAssignment map[string]int

	// TaskErrors holds task-scoped failure details. A task error does
	// not fail the job unless every task has failed.
	TaskErrors map[string]string

	// FetchErrors holds per-task result retrieval failures. A fetch
	// failure never reverts the task's progress.
	FetchErrors map[string]string

	// QueuePosition is only meaningful before the first stream event;
	// -1 means unknown.
	QueuePosition int

	// EventSeen marks that at least one progress event arrived, which
	// is the queued-to-running edge.
	EventSeen bool

	// Failed holds a job-scoped error detail; non-empty means terminal.
	Failed string

	Submitted bool
	Uploading bool
}

// NewJob returns an empty job record in the idle state.
func NewJob() Job {
	return Job{
		Progress:      map[string]int{},
		GPUAssignment: map[string]int{},
		TaskErrors:    map[string]string{},
		FetchErrors:   map[string]string{},
		QueuePosition: -1,
	}
}

// Status derives the displayed lifecycle state from the record. It is a
// pure function of the job's fields so every consumer sees the same state.
func (j *Job) Status() JobStatus {
	switch {
	case j.Failed != "":
		return StatusError
	case j.Uploading:
		return StatusUploading
	case !j.Submitted:
		return StatusIdle
	case j.allTasksTerminal() && j.completedTasks() == 0:
		// Every task failed: nothing is presentable, so the job fails.
		return StatusError
	case j.allTasksTerminal():
		// At least one task produced output; task failures stay
		// task-scoped and the job still completes.
		return StatusComplete
	case j.EventSeen:
		return StatusRunning
	default:
		return StatusQueued
	}
}

// ApplyProgress records a progress observation for a task, clamped so the
// stored value never moves backward. Unknown tasks are ignored to keep the
// progress map a subset of the task list.
func (j *Job) ApplyProgress(task string, percent int) {
	if !j.hasTask(task) {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if percent > j.Progress[task] {
		j.Progress[task] = percent
	}
}

// OutstandingTasks returns tasks that have not yet reached 100 percent and
// have not failed, in submission order.
func (j *Job) OutstandingTasks() []string {
	var out []string
	for _, t := range j.Tasks {
		if j.Progress[t] >= 100 {
			continue
		}
		if _, failed := j.TaskErrors[t]; failed {
			continue
		}
		out = append(out, t)
	}
	return out
}

// AggregateProgress is the arithmetic mean of per-task progress.
func (j *Job) AggregateProgress() int {
	if len(j.Tasks) == 0 {
		return 0
	}
	sum := 0
	for _, t := range j.Tasks {
		sum += j.Progress[t]
	}
	return sum / len(j.Tasks)
}

// Clone returns a deep copy safe to hand to viewers.
func (j *Job) Clone() Job {
	c := *j
	c.Tasks = append([]string(nil), j.Tasks...)
	c.Progress = copyIntMap(j.Progress)
	c.GPUAssignment = copyIntMap(j.GPUAssignment)
	c.TaskErrors = copyStringMap(j.TaskErrors)
	c.FetchErrors = copyStringMap(j.FetchErrors)
	return c
}

func (j *Job) hasTask(task string) bool {
	for _, t := range j.Tasks {
		if t == task {
			return true
		}
	}
	return false
}

// completedTasks counts tasks that reached 100 percent, regardless of any
// earlier error recorded for them.
func (j *Job) completedTasks() int {
	n := 0
	for _, t := range j.Tasks {
		if j.Progress[t] >= 100 {
			n++
		}
	}
	return n
}

// allTasksTerminal reports whether every task is either done or failed.
func (j *Job) allTasksTerminal() bool {
	if len(j.Tasks) == 0 {
		return false
	}
	for _, t := range j.Tasks {
		if j.Progress[t] >= 100 {
			continue
		}
		if _, failed := j.TaskErrors[t]; !failed {
			return false
		}
	}
	return true
}

func copyIntMap(m map[string]int) map[string]int {
	c := make(map[string]int, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func copyStringMap(m map[string]string) map[string]string {
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// GPUUsage is one GPU's utilisation snapshot from the health endpoint.
type GPUUsage struct {
	GPU      int `json:"gpu"`
	Util     int `json:"util"`
	MemUsed  int `json:"mem_used"`
	MemTotal int `json:"mem_total"`
}

// Health is the backend health snapshot.
type Health struct {
	Redis       bool       `json:"redis"`
	GPUUsage    []GPUUsage `json:"gpu_usage"`
	QueueLength int        `json:"queue_length"`
	GPUCount    int        `json:"gpu_count"`
}

// SortedTaskNames returns progress map keys in stable order, for display.
func SortedTaskNames(progress map[string]int) []string {
	names := make([]string, 0, len(progress))
	for name := range progress {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
