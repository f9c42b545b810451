package pipeline

import "fmt"

// Class categorizes an execution failure for the retry manager.
type Class int

const (
	// Transient failures (launch errors, momentarily unavailable
	// resources) are retried up to the job's retry budget.
	Transient Class = iota
	// Permanent failures (pipeline exited nonzero on its input) are not
	// retried.
	Permanent
	// Timeout means the wall-clock watchdog force-killed the pipeline.
	Timeout
	// Canceled means termination was requested externally; it is not a
	// failure.
	Canceled
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Timeout:
		return "timeout"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ExecError is the adapter's failure report.
type ExecError struct {
	Class    Class
	ExitCode int
	Msg      string
	Err      error
}

func (e *ExecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pipeline %s: %s: %v", e.Class, e.Msg, e.Err)
	}
	return fmt.Sprintf("pipeline %s: %s", e.Class, e.Msg)
}

func (e *ExecError) Unwrap() error { return e.Err }
