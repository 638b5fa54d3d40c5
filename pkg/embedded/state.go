package embedded

import "errors"

// State is the lifecycle state of a Server.
//
//	Constructed -> Starting -> Ready | FailedStartup -> Closed
//	Constructed | Ready -> Closed
type State int

const (
	StateConstructed State = iota
	StateStarting
	StateReady
	StateFailedStartup
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateFailedStartup:
		return "failed_startup"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StartResult is the outcome of Start.
type StartResult int

const (
	// StartReady means the broker answered a readiness probe.
	StartReady StartResult = iota

	// StartTimedOut means the startup deadline passed without a healthy
	// probe. The dependencies have been shut down.
	StartTimedOut

	// StartCancelled means the caller's context ended the wait. The
	// dependencies have been shut down.
	StartCancelled

	// StartFailed means the dependencies could not be started.
	StartFailed
)

func (r StartResult) String() string {
	switch r {
	case StartReady:
		return "ready"
	case StartTimedOut:
		return "timed_out"
	case StartCancelled:
		return "cancelled"
	case StartFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrConstruction wraps every failure of New. No Server is returned and
	// everything acquired before the failure has been released.
	ErrConstruction = errors.New("embedded broker construction failed")

	// ErrAlreadyStarted is returned by Start on a Server that left the
	// Constructed state.
	ErrAlreadyStarted = errors.New("embedded broker already started")

	// ErrStartInProgress is returned by Close while Start is running.
	ErrStartInProgress = errors.New("embedded broker start in progress")

	// ErrClosed is returned by operations on a closed Server.
	ErrClosed = errors.New("embedded broker closed")
)
