// Package retry decides what happens to a job after a failed execution
// attempt: re-enqueue with backoff, or terminal failure.
package retry

import (
	"errors"
	"time"

	"tabgraphsyn-runner/internal/models"
	"tabgraphsyn-runner/internal/pipeline"
)

// Outcome is the disposition of a failed attempt.
type Outcome int

const (
	// Retry re-enqueues the same token as a new attempt.
	Retry Outcome = iota
	// Fail makes the job terminally Failed.
	Fail
	// Cancel makes the job terminally Canceled.
	Cancel
)

// Decision is the manager's verdict for one failed attempt.
type Decision struct {
	Outcome Outcome
	// Delay applies before re-enqueueing when Outcome is Retry.
	Delay time.Duration
	// Summary is the sanitized error text recorded on the job.
	Summary string
}

// maxSummaryLen bounds the error text stored on the job and shown to
// clients. The full output stays in the job log.
const maxSummaryLen = 500

// Manager classifies execution failures and applies the bounded retry
// policy.
type Manager struct {
	backoff Strategy
}

// NewManager creates a Manager with the given backoff strategy.
func NewManager(backoff Strategy) *Manager {
	if backoff == nil {
		backoff = DefaultStrategy()
	}
	return &Manager{backoff: backoff}
}

// Disposition decides the fate of a job whose attempt failed with err.
// Only Transient failures are retried, and only while the retry budget
// lasts. Timeout and Permanent failures are terminal; a requested
// cancellation is terminal but not a failure.
func (m *Manager) Disposition(job *models.Job, err error) Decision {
	var execErr *pipeline.ExecError
	if !errors.As(err, &execErr) {
		// Unclassified errors are treated as transient so an adapter
		// bug cannot silently burn a job.
		execErr = &pipeline.ExecError{Class: pipeline.Transient, Msg: err.Error()}
	}

	summary := truncate(execErr.Error(), maxSummaryLen)

	switch execErr.Class {
	case pipeline.Canceled:
		return Decision{Outcome: Cancel, Summary: ""}
	case pipeline.Transient:
		if job.RetryCount < job.MaxRetries {
			attempt := job.RetryCount + 1
			return Decision{
				Outcome: Retry,
				Delay:   m.backoff.Delay(attempt),
				Summary: summary,
			}
		}
		return Decision{Outcome: Fail, Summary: summary}
	default: // Permanent, Timeout
		return Decision{Outcome: Fail, Summary: summary}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
