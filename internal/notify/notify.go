// Package notify fires the one-shot side effect when a job reaches a
// terminal state.
package notify

import (
	"log"

	"tabgraphsyn-runner/internal/models"
	"tabgraphsyn-runner/internal/registry"
)

// Sender delivers a completion notification to its destination (email,
// in-app message, webhook). Implementations must tolerate duplicate
// deliveries; the notifier already suppresses them on the happy path.
type Sender interface {
	Send(job *models.Job) error
}

// LogSender writes the notification to the process log. It is the
// default when no external sender is configured.
type LogSender struct{}

// Send logs the terminal outcome.
func (LogSender) Send(job *models.Job) error {
	switch job.Status {
	case models.StatusCompleted:
		log.Printf("[NOTIFY] Token=%s Owner=%s your synthetic data is ready, result=%s",
			job.Token, job.OwnerID, job.ResultToken)
	case models.StatusFailed:
		log.Printf("[NOTIFY] Token=%s Owner=%s job failed: %s",
			job.Token, job.OwnerID, job.ErrorSummary)
	default:
		// Canceled jobs get no failure notification.
	}
	return nil
}

// Notifier fires at most one notification per token+terminal-status pair.
type Notifier struct {
	reg    *registry.Registry
	sender Sender
}

// New creates a Notifier.
func New(reg *registry.Registry, sender Sender) *Notifier {
	if sender == nil {
		sender = LogSender{}
	}
	return &Notifier{reg: reg, sender: sender}
}

// Notify is called after a terminal registry write has committed. It is
// idempotent, keyed by token and terminal status: repeated calls for the
// same transition do nothing. Sender failure never rolls back or
// re-triggers the state transition.
func (n *Notifier) Notify(token string) {
	job, err := n.reg.GetJob(token)
	if err != nil {
		log.Printf("[ERROR] notify: load job %s: %v", token, err)
		return
	}
	if !models.IsTerminal(job.Status) {
		return
	}
	// Cancellation is not an outcome anyone is waiting on.
	if job.Status == models.StatusCanceled {
		return
	}

	first, err := n.reg.MarkNotified(job.Token, job.Status)
	if err != nil {
		log.Printf("[ERROR] notify: record notification for %s: %v", token, err)
		return
	}
	if !first {
		return
	}

	if err := n.sender.Send(job); err != nil {
		log.Printf("[ERROR] notify: send for %s: %v", token, err)
	}
}
