package capacity

import (
	"context"
	"sync"
	"testing"
	"time"

	"tabgraphsyn-runner/internal/models"
)

func TestTryAdmitDecisions(t *testing.T) {
	tests := []struct {
		name         string
		limits       map[models.Tier]int
		singleActive bool
		setup        func(c *Controller)
		tier         models.Tier
		owner        string
		want         Decision
	}{
		{
			name:   "admit with free slot",
			limits: map[models.Tier]int{models.TierCPU: 1},
			tier:   models.TierCPU,
			owner:  "alice",
			want:   Admitted,
		},
		{
			name:   "at capacity when tier full",
			limits: map[models.Tier]int{models.TierGPU: 1},
			setup: func(c *Controller) {
				c.TryAdmit(models.TierGPU, "alice")
			},
			tier:  models.TierGPU,
			owner: "bob",
			want:  AtCapacity,
		},
		{
			name:         "owner busy when single-active on",
			limits:       map[models.Tier]int{models.TierCPU: 4},
			singleActive: true,
			setup: func(c *Controller) {
				c.TryAdmit(models.TierCPU, "alice")
			},
			tier:  models.TierCPU,
			owner: "alice",
			want:  OwnerBusy,
		},
		{
			name:   "same owner allowed when single-active off",
			limits: map[models.Tier]int{models.TierCPU: 4},
			setup: func(c *Controller) {
				c.TryAdmit(models.TierCPU, "alice")
			},
			tier:  models.TierCPU,
			owner: "alice",
			want:  Admitted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.limits, tt.singleActive)
			if tt.setup != nil {
				tt.setup(c)
			}
			if got := c.TryAdmit(tt.tier, tt.owner); got != tt.want {
				t.Errorf("TryAdmit() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReleaseFreesSlotAndOwner(t *testing.T) {
	c := New(map[models.Tier]int{models.TierGPU: 1}, true)

	if got := c.TryAdmit(models.TierGPU, "alice"); got != Admitted {
		t.Fatalf("first admit = %v", got)
	}
	if got := c.TryAdmit(models.TierGPU, "bob"); got != AtCapacity {
		t.Fatalf("second admit = %v, want AtCapacity", got)
	}

	c.Release(models.TierGPU, "alice")

	if got := c.TryAdmit(models.TierGPU, "alice"); got != Admitted {
		t.Errorf("admit after release = %v, want Admitted", got)
	}
}

func TestCapacityInvariantUnderFlood(t *testing.T) {
	const limit = 3
	c := New(map[models.Tier]int{models.TierCPU: limit}, false)

	var mu sync.Mutex
	admitted := 0
	maxSeen := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if c.TryAdmit(models.TierCPU, "owner") != Admitted {
					continue
				}
				mu.Lock()
				admitted++
				if admitted > maxSeen {
					maxSeen = admitted
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				admitted--
				mu.Unlock()
				c.Release(models.TierCPU, "owner")
			}
		}(i)
	}
	wg.Wait()

	if maxSeen > limit {
		t.Errorf("concurrent admissions peaked at %d, limit is %d", maxSeen, limit)
	}
}

func TestAwaitReleaseWakesOnRelease(t *testing.T) {
	c := New(map[models.Tier]int{models.TierGPU: 1}, false)
	c.TryAdmit(models.TierGPU, "alice")

	woke := make(chan struct{})
	go func() {
		c.AwaitRelease(context.Background(), models.TierGPU, 10*time.Second)
		close(woke)
	}()

	time.Sleep(20 * time.Millisecond)
	c.Release(models.TierGPU, "alice")

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("AwaitRelease did not wake after Release")
	}
}

func TestAwaitReleaseRespectsContext(t *testing.T) {
	c := New(map[models.Tier]int{models.TierGPU: 1}, false)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.AwaitRelease(ctx, models.TierGPU, 10*time.Second)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AwaitRelease ignored context cancellation")
	}
}

func TestHasRoom(t *testing.T) {
	c := New(map[models.Tier]int{models.TierGPU: 1}, false)
	if !c.HasRoom(models.TierGPU) {
		t.Error("empty tier reported full")
	}
	c.TryAdmit(models.TierGPU, "alice")
	if c.HasRoom(models.TierGPU) {
		t.Error("full tier reported free")
	}
	if got := c.Running(models.TierGPU); got != 1 {
		t.Errorf("Running = %d, want 1", got)
	}
}
