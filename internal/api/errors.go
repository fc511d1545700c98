// Package api provides the REST client for the segmentation backend.
package api

import (
	"errors"
	"strings"
)

// ErrSubmissionFailed indicates the prediction submission did not return
// 2xx; the job never reached the queue.
var ErrSubmissionFailed = errors.New("job submission failed")

// ErrResultNotReady indicates the requested artifact does not exist yet
// (the backend returns 404 until a model's output is written).
var ErrResultNotReady = errors.New("result not ready")

// ErrUnauthorized indicates the credential was rejected or expired.
var ErrUnauthorized = errors.New("credential rejected")

// IsResultNotReady reports whether an error means the artifact is not
// available yet, so the caller can retry after the task completes.
func IsResultNotReady(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrResultNotReady) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "not found") || strings.Contains(errStr, "404")
}
