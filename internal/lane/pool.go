package lane

import (
	"context"
	"log"
	"time"

	"tabgraphsyn-runner/internal/models"
	"tabgraphsyn-runner/internal/registry"
)

// Pool owns one lane per tier. There is no cross-lane ordering: each
// lane admits and executes independently.
type Pool struct {
	lanes map[models.Tier]*Lane
	reg   *registry.Registry
}

// NewPool groups lanes behind one façade.
func NewPool(reg *registry.Registry, lanes map[models.Tier]*Lane) *Pool {
	return &Pool{lanes: lanes, reg: reg}
}

// Start recovers persisted queue state and launches every lane. Running
// rows left behind by a dead process are demoted to Queued first, so
// at-least-once delivery holds across restarts.
func (p *Pool) Start() error {
	demoted, err := p.reg.RecoverOrphans()
	if err != nil {
		return err
	}
	if demoted > 0 {
		log.Printf("[INIT] Recovered %d orphaned running jobs", demoted)
	}

	queued, err := p.reg.QueuedTokens()
	if err != nil {
		return err
	}
	for _, q := range queued {
		if lane, ok := p.lanes[q.Tier]; ok {
			lane.Enqueue(q.Token, q.Priority, q.QueuedAt)
		}
	}
	if len(queued) > 0 {
		log.Printf("[INIT] Re-enqueued %d queued jobs", len(queued))
	}

	for _, lane := range p.lanes {
		lane.Start()
	}
	return nil
}

// Stop shuts every lane down, bounded by ctx.
func (p *Pool) Stop(ctx context.Context) {
	for _, lane := range p.lanes {
		lane.Stop(ctx)
	}
}

// Enqueue routes a token onto its tier's lane.
func (p *Pool) Enqueue(tier models.Tier, token string, priority int, queuedAt time.Time) bool {
	lane, ok := p.lanes[tier]
	if !ok {
		return false
	}
	lane.Enqueue(token, priority, queuedAt)
	return true
}

// Backlog returns the number of tokens waiting in a tier's lane.
func (p *Pool) Backlog(tier models.Tier) int {
	lane, ok := p.lanes[tier]
	if !ok {
		return 0
	}
	return lane.QueueLen()
}

// CancelRunning asks the lane holding the token's active run to cancel
// it. Returns false if no lane is running the token.
func (p *Pool) CancelRunning(token string) bool {
	for _, lane := range p.lanes {
		if lane.CancelRunning(token) {
			return true
		}
	}
	return false
}
