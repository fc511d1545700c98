package models

import "fmt"

// RunTaskStatus is the lifecycle state of one serialized simulation run.
type RunTaskStatus string

const (
	RunPending  RunTaskStatus = "pending"
	RunRunning  RunTaskStatus = "running"
	RunComplete RunTaskStatus = "complete"
	RunError    RunTaskStatus = "error"
)

// Terminal reports whether the status is final.
func (s RunTaskStatus) Terminal() bool {
	return s == RunComplete || s == RunError
}

// RunKey uniquely identifies one serialized unit of simulation work:
// a segmentation model output paired with a field solver.
type RunKey struct {
	Model  string
	Solver string
}

func (k RunKey) String() string {
	return fmt.Sprintf("%s/%s", k.Model, k.Solver)
}

// RunTask tracks one model/solver simulation inside a run-queue batch.
type RunTask struct {
	Key      RunKey
	Status   RunTaskStatus
	Progress int
	// Step is the last human-readable step label from the stream.
	Step string
	// Err holds the failure detail when Status is RunError.
	Err string
}
