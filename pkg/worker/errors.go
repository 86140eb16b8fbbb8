package worker

import "errors"

var (
	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("worker: runner already started")
	// ErrNotStarted is returned when work is submitted before Start
	ErrNotStarted = errors.New("worker: runner not started")
	// ErrStopped is returned when work is submitted after Stop
	ErrStopped = errors.New("worker: runner stopped")
	// ErrQueueFull is returned when the task queue is at capacity
	ErrQueueFull = errors.New("worker: task queue full")
	// ErrStopTimeout is returned when workers do not finish within the stop timeout
	ErrStopTimeout = errors.New("worker: stop timed out")
)
