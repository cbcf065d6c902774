package worker

import "errors"

// Queue lifecycle and submission errors.
var (
	ErrNilFunc             = errors.New("worker: work function cannot be nil")
	ErrQueueNotStarted     = errors.New("worker: queue not started")
	ErrQueueAlreadyStarted = errors.New("worker: queue already started")
	ErrQueueStopped        = errors.New("worker: queue stopped")
	ErrQueueFull           = errors.New("worker: queue full")
	ErrStopTimeout         = errors.New("worker: stop timeout exceeded")
)
