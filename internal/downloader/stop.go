package downloader

import (
	"errors"
	"fmt"
)

// StopReason says why a running task was stopped before it finished.
type StopReason int

const (
	// StopUser is an explicit cancel by the caller.
	StopUser StopReason = iota + 1
	// StopVideoPolicy pauses a task that found video content without an opt-in.
	StopVideoPolicy
	// StopShutdown interrupts tasks when the process stops.
	StopShutdown
)

func (r StopReason) String() string {
	switch r {
	case StopUser:
		return "user"
	case StopVideoPolicy:
		return "video_policy"
	case StopShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("StopReason(%d)", int(r))
	}
}

// StopError is the cancellation cause of a task run.
type StopError struct {
	Reason StopReason
}

func (e *StopError) Error() string {
	return "task stopped: " + e.Reason.String()
}

// Is matches any StopError with the same reason.
func (e *StopError) Is(target error) bool {
	t, ok := target.(*StopError)

	return ok && t.Reason == e.Reason
}

// StopReasonOf extracts the stop reason carried by err.
func StopReasonOf(err error) (StopReason, bool) {
	var stop *StopError
	if errors.As(err, &stop) {
		return stop.Reason, true
	}

	return 0, false
}

var (
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrNotRetryable is returned when retrying a task that has not finished.
	ErrNotRetryable = errors.New("task is not finished")
	// ErrNotWaiting is returned when continuing a task that is not waiting for the user.
	ErrNotWaiting = errors.New("task is not waiting for confirmation")
	// ErrNotActive is returned when cancelling a task that already finished.
	ErrNotActive = errors.New("task is not active")
	// ErrShuttingDown is returned once Shutdown has been called.
	ErrShuttingDown = errors.New("downloader is shutting down")
)

// Messages stored on tasks stopped by the engine.
const (
	CancelledMessage    = "cancelled by user"
	InterruptedMessage  = "interrupted by shutdown"
	VideoWaitingMessage = "video content detected, confirm to download it anyway"
	SupersededMessage   = "replaced by media collected from the post page"
)
