package scheduler

import (
	"errors"
	"fmt"
)

// Scheduling rejections. Every IneligibleError unwraps to one of these.
var (
	ErrWorkerNotFound = errors.New("worker not found")
	ErrRoomPaused     = errors.New("room is paused")
	ErrAlreadyRunning = errors.New("a cycle is already running")
	ErrBlocked        = errors.New("worker is blocked")
	ErrBackingOff     = errors.New("worker is backing off after a rate limit")
	ErrQuietHours     = errors.New("room is in quiet hours")
	ErrAutonomy       = errors.New("autonomy mode does not allow automatic starts")
	ErrCycleGap       = errors.New("cycle gap has not elapsed")
	ErrRoomAtCapacity = errors.New("room is at its concurrent task limit")
	ErrNoCapacity     = errors.New("no global cycle capacity")
)

// ErrNotRunning is returned by Stop when the worker has no cycle in flight.
var ErrNotRunning = errors.New("scheduler: no running cycle")

// IneligibleError explains why a worker may not start a cycle now.
type IneligibleError struct {
	WorkerID string
	Reason   string
	Err      error
}

func (e *IneligibleError) Error() string {
	return fmt.Sprintf("scheduler: worker %s not eligible: %s", e.WorkerID, e.Reason)
}

func (e *IneligibleError) Unwrap() error { return e.Err }

func ineligible(workerID string, err error, format string, args ...any) *IneligibleError {
	reason := err.Error()
	if format != "" {
		reason = fmt.Sprintf("%s (%s)", reason, fmt.Sprintf(format, args...))
	}
	return &IneligibleError{WorkerID: workerID, Reason: reason, Err: err}
}
