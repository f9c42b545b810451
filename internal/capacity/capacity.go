package capacity

import (
	"context"
	"sync"
	"time"

	"tabgraphsyn-runner/internal/models"
)

// Decision is the outcome of an admission attempt.
type Decision int

const (
	// Admitted means the job may start; the caller now holds a slot and
	// must release it exactly once.
	Admitted Decision = iota
	// AtCapacity means the tier is at its running-job limit.
	AtCapacity
	// OwnerBusy means the owner already has an active job and
	// single-active enforcement is on.
	OwnerBusy
)

func (d Decision) String() string {
	switch d {
	case Admitted:
		return "admitted"
	case AtCapacity:
		return "at_capacity"
	case OwnerBusy:
		return "owner_busy"
	default:
		return "unknown"
	}
}

// Controller enforces the per-tier running-job limits and the
// one-active-job-per-owner rule. Check-and-increment is a single
// critical section so two workers can never both admit past a limit.
type Controller struct {
	mu           sync.Mutex
	limits       map[models.Tier]int
	counts       map[models.Tier]int
	activeOwners map[string]struct{}
	singleActive bool
	released     map[models.Tier]chan struct{}
}

// New creates a Controller with the given per-tier limits.
func New(limits map[models.Tier]int, singleActive bool) *Controller {
	c := &Controller{
		limits:       make(map[models.Tier]int, len(limits)),
		counts:       make(map[models.Tier]int, len(limits)),
		activeOwners: make(map[string]struct{}),
		singleActive: singleActive,
		released:     make(map[models.Tier]chan struct{}, len(limits)),
	}
	for tier, limit := range limits {
		c.limits[tier] = limit
		c.released[tier] = make(chan struct{}, 1)
	}
	return c
}

// TryAdmit attempts to claim a running slot in the tier for the owner.
func (c *Controller) TryAdmit(tier models.Tier, ownerID string) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.singleActive {
		if _, busy := c.activeOwners[ownerID]; busy {
			return OwnerBusy
		}
	}
	if c.counts[tier] >= c.limits[tier] {
		return AtCapacity
	}

	c.counts[tier]++
	c.activeOwners[ownerID] = struct{}{}
	return Admitted
}

// Release returns a slot to the tier and wakes one waiting worker.
// Callers guard it with sync.Once so every exit path of a job releases
// exactly once.
func (c *Controller) Release(tier models.Tier, ownerID string) {
	c.mu.Lock()
	if c.counts[tier] > 0 {
		c.counts[tier]--
	}
	delete(c.activeOwners, ownerID)
	ch := c.released[tier]
	c.mu.Unlock()

	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Running returns the current running count for a tier.
func (c *Controller) Running(tier models.Tier) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[tier]
}

// HasRoom reports whether a slot is currently free in the tier. It is an
// optimistic pre-check only; admission is decided by TryAdmit.
func (c *Controller) HasRoom(tier models.Tier) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[tier] < c.limits[tier]
}

// AwaitRelease blocks until a slot is released in the tier, the fallback
// interval elapses, or ctx is done. The fallback bounds the wait so a
// missed signal cannot park a worker forever.
func (c *Controller) AwaitRelease(ctx context.Context, tier models.Tier, fallback time.Duration) {
	c.mu.Lock()
	ch := c.released[tier]
	c.mu.Unlock()
	if ch == nil {
		return
	}

	timer := time.NewTimer(fallback)
	defer timer.Stop()

	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}
}
