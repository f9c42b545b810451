package lane

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tabgraphsyn-runner/internal/capacity"
	"tabgraphsyn-runner/internal/models"
	"tabgraphsyn-runner/internal/notify"
	"tabgraphsyn-runner/internal/pipeline"
	"tabgraphsyn-runner/internal/registry"
	"tabgraphsyn-runner/internal/retry"
)

func TestMain(m *testing.M) {
	// Keep owner-busy requeues fast so the suite stays deterministic.
	ownerBusyDelay = 5 * time.Millisecond
	os.Exit(m.Run())
}

// fakeExecutor substitutes for the pipeline adapter.
type fakeExecutor struct {
	mu    sync.Mutex
	calls map[string]int
	run   func(ctx context.Context, token string, onProgress func(string, int)) (*pipeline.Result, error)
}

func (f *fakeExecutor) Run(ctx context.Context, token string, _ models.Tier, _ pipeline.Params,
	onProgress func(string, int), _ func(string)) (*pipeline.Result, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[token]++
	f.mu.Unlock()
	return f.run(ctx, token, onProgress)
}

func (f *fakeExecutor) callCount(token string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[token]
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) Send(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, job.Token+":"+job.Status)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type harness struct {
	reg    *registry.Registry
	ctrl   *capacity.Controller
	lane   *Lane
	sender *recordingSender
}

func newHarness(t *testing.T, tier models.Tier, workers, limit int, singleActive bool, exec Executor) *harness {
	t.Helper()

	reg, err := registry.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	if err := reg.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	ctrl := capacity.New(map[models.Tier]int{tier: limit}, singleActive)
	sender := &recordingSender{}
	notifier := notify.New(reg, sender)
	retries := retry.NewManager(retry.Constant{Interval: time.Millisecond})

	l := NewLane(tier, workers, 10*time.Millisecond, reg, ctrl, exec, retries, notifier, nil)
	l.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		l.Stop(ctx)
	})

	return &harness{reg: reg, ctrl: ctrl, lane: l, sender: sender}
}

func (h *harness) submit(t *testing.T, owner string, priority, maxRetries int) string {
	t.Helper()
	token, err := h.reg.Create(owner, h.lane.tier, priority, `{"dataset":"d","table":"t"}`, maxRetries)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	job, err := h.reg.GetJob(token)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	h.lane.Enqueue(job.Token, job.Priority, job.QueuedAt)
	return token
}

func (h *harness) status(t *testing.T, token string) *models.Job {
	t.Helper()
	job, err := h.reg.GetJob(token)
	if err != nil {
		t.Fatalf("get job %s: %v", token, err)
	}
	return job
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func succeedingExecutor() *fakeExecutor {
	return &fakeExecutor{
		run: func(_ context.Context, _ string, onProgress func(string, int)) (*pipeline.Result, error) {
			onProgress(models.StageTraining, 30)
			onProgress(models.StageSampling, 75)
			return &pipeline.Result{ResultToken: "res"}, nil
		},
	}
}

func TestJobRunsToCompletion(t *testing.T) {
	exec := succeedingExecutor()
	h := newHarness(t, models.TierCPU, 1, 1, false, exec)

	token := h.submit(t, "alice", 0, 3)

	waitFor(t, "job completion", func() bool {
		return h.status(t, token).Status == models.StatusCompleted
	})

	job := h.status(t, token)
	if job.Progress != 100 {
		t.Errorf("progress = %d, want 100", job.Progress)
	}
	if job.ResultToken != "res" {
		t.Errorf("result token = %q, want res", job.ResultToken)
	}
	if job.StartedAt == nil || job.FinishedAt == nil {
		t.Error("timestamps missing on completed job")
	}
	if got := h.ctrl.Running(models.TierCPU); got != 0 {
		t.Errorf("capacity not released, running = %d", got)
	}

	waitFor(t, "completion notification", func() bool { return h.sender.count() == 1 })

	runs, err := h.reg.History("alice", 10)
	if err != nil || len(runs) != 1 {
		t.Errorf("history = %v (err %v), want one run", runs, err)
	}
}

func TestTierLimitSerializesJobs(t *testing.T) {
	release := make(chan struct{})
	exec := &fakeExecutor{
		run: func(ctx context.Context, _ string, _ func(string, int)) (*pipeline.Result, error) {
			select {
			case <-release:
				return &pipeline.Result{ResultToken: "res"}, nil
			case <-ctx.Done():
				return nil, &pipeline.ExecError{Class: pipeline.Canceled}
			}
		},
	}
	// Two workers but a tier limit of one: capacity, not worker count,
	// must serialize execution.
	h := newHarness(t, models.TierGPU, 2, 1, false, exec)

	first := h.submit(t, "alice", 0, 3)
	second := h.submit(t, "bob", 0, 3)

	waitFor(t, "one job running", func() bool {
		return h.ctrl.Running(models.TierGPU) == 1
	})

	// The second job must hold at Queued while the tier is full.
	time.Sleep(100 * time.Millisecond)
	running := 0
	for _, token := range []string{first, second} {
		if h.status(t, token).Status == models.StatusRunning {
			running++
		}
	}
	if running != 1 {
		t.Fatalf("running jobs = %d with tier limit 1", running)
	}

	close(release)

	waitFor(t, "both jobs completed", func() bool {
		return h.status(t, first).Status == models.StatusCompleted &&
			h.status(t, second).Status == models.StatusCompleted
	})
	if got := h.ctrl.Running(models.TierGPU); got != 0 {
		t.Errorf("capacity not released, running = %d", got)
	}
}

func TestOwnerBusyRequeues(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	exec := &fakeExecutor{
		run: func(ctx context.Context, token string, _ func(string, int)) (*pipeline.Result, error) {
			var block bool
			once.Do(func() { block = true })
			if block {
				<-release
			}
			return &pipeline.Result{ResultToken: "res"}, nil
		},
	}
	h := newHarness(t, models.TierCPU, 2, 2, true, exec)

	first := h.submit(t, "alice", 0, 3)
	second := h.submit(t, "alice", 0, 3)

	waitFor(t, "first job running", func() bool {
		return h.status(t, first).Status == models.StatusRunning ||
			h.status(t, second).Status == models.StatusRunning
	})

	// Same owner: the second job keeps cycling through the queue while
	// the first holds the owner's active slot.
	time.Sleep(50 * time.Millisecond)
	if h.ctrl.Running(models.TierCPU) != 1 {
		t.Fatalf("running = %d, want 1 (single-active)", h.ctrl.Running(models.TierCPU))
	}

	close(release)

	waitFor(t, "both jobs completed", func() bool {
		return h.status(t, first).Status == models.StatusCompleted &&
			h.status(t, second).Status == models.StatusCompleted
	})
}

func TestPermanentFailure(t *testing.T) {
	exec := &fakeExecutor{
		run: func(_ context.Context, _ string, _ func(string, int)) (*pipeline.Result, error) {
			return nil, &pipeline.ExecError{Class: pipeline.Permanent, ExitCode: 1, Msg: "pipeline exited with code 1"}
		},
	}
	h := newHarness(t, models.TierCPU, 1, 1, false, exec)

	token := h.submit(t, "alice", 0, 3)

	waitFor(t, "job failed", func() bool {
		return h.status(t, token).Status == models.StatusFailed
	})

	job := h.status(t, token)
	if job.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0 for a permanent failure", job.RetryCount)
	}
	if job.ErrorSummary == "" {
		t.Error("no error summary recorded")
	}
	if exec.callCount(token) != 1 {
		t.Errorf("attempts = %d, want 1", exec.callCount(token))
	}
	if got := h.ctrl.Running(models.TierCPU); got != 0 {
		t.Errorf("capacity not released, running = %d", got)
	}
	waitFor(t, "failure notification", func() bool { return h.sender.count() == 1 })
}

func TestTransientRetryBudget(t *testing.T) {
	exec := &fakeExecutor{
		run: func(_ context.Context, _ string, _ func(string, int)) (*pipeline.Result, error) {
			return nil, &pipeline.ExecError{Class: pipeline.Transient, Msg: "resource unavailable"}
		},
	}
	h := newHarness(t, models.TierCPU, 1, 1, false, exec)

	const maxRetries = 2
	token := h.submit(t, "alice", 0, maxRetries)

	waitFor(t, "job terminally failed", func() bool {
		return h.status(t, token).Status == models.StatusFailed
	})

	job := h.status(t, token)
	if job.RetryCount != maxRetries {
		t.Errorf("retry count = %d, want %d", job.RetryCount, maxRetries)
	}
	// Exactly max_retries+1 attempts.
	if got := exec.callCount(token); got != maxRetries+1 {
		t.Errorf("attempts = %d, want %d", got, maxRetries+1)
	}
	if got := h.ctrl.Running(models.TierCPU); got != 0 {
		t.Errorf("capacity not released, running = %d", got)
	}
}

func TestCancelRunningJob(t *testing.T) {
	exec := &fakeExecutor{
		run: func(ctx context.Context, _ string, _ func(string, int)) (*pipeline.Result, error) {
			<-ctx.Done()
			return nil, &pipeline.ExecError{Class: pipeline.Canceled, Msg: "termination requested"}
		},
	}
	h := newHarness(t, models.TierGPU, 1, 1, false, exec)

	token := h.submit(t, "alice", 0, 3)

	waitFor(t, "job running", func() bool {
		return h.status(t, token).Status == models.StatusRunning
	})

	if !h.lane.CancelRunning(token) {
		t.Fatal("CancelRunning found no active run")
	}

	waitFor(t, "job canceled", func() bool {
		return h.status(t, token).Status == models.StatusCanceled
	})

	job := h.status(t, token)
	if job.Status != models.StatusCanceled {
		t.Errorf("status = %q, want canceled", job.Status)
	}
	if job.FinishedAt == nil {
		t.Error("finished_at missing on canceled job")
	}
	if got := h.ctrl.Running(models.TierGPU); got != 0 {
		t.Errorf("capacity not released, running = %d", got)
	}
	// No failure notification for a cancellation.
	time.Sleep(50 * time.Millisecond)
	if h.sender.count() != 0 {
		t.Errorf("notifications = %d, want 0", h.sender.count())
	}
}

func TestInvalidParamsFailAndNotify(t *testing.T) {
	exec := succeedingExecutor()
	h := newHarness(t, models.TierCPU, 1, 1, false, exec)

	// Params that can never decode: the job must fail terminally and the
	// failure must be announced like any other.
	token, err := h.reg.Create("alice", models.TierCPU, 0, `{"dataset":123}`, 3)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.lane.Enqueue(token, 0, time.Now())

	waitFor(t, "job failed", func() bool {
		return h.status(t, token).Status == models.StatusFailed
	})

	job := h.status(t, token)
	if job.ErrorSummary == "" {
		t.Error("no error summary recorded")
	}
	if got := exec.callCount(token); got != 0 {
		t.Errorf("pipeline executed %d times on undecodable params", got)
	}
	if got := h.ctrl.Running(models.TierCPU); got != 0 {
		t.Errorf("capacity not released, running = %d", got)
	}
	waitFor(t, "failure notification", func() bool { return h.sender.count() == 1 })
}

func TestShutdownRequeuesRunningJob(t *testing.T) {
	exec := &fakeExecutor{
		run: func(ctx context.Context, _ string, _ func(string, int)) (*pipeline.Result, error) {
			<-ctx.Done()
			return nil, &pipeline.ExecError{Class: pipeline.Canceled, Msg: "termination requested"}
		},
	}
	h := newHarness(t, models.TierCPU, 1, 1, false, exec)

	token := h.submit(t, "alice", 0, 3)
	waitFor(t, "job running", func() bool {
		return h.status(t, token).Status == models.StatusRunning
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.lane.Stop(ctx)

	// Stopping the lane is not a cancellation: the row goes back to
	// Queued so a restart re-runs it.
	job := h.status(t, token)
	if job.Status != models.StatusQueued {
		t.Fatalf("status after shutdown = %q, want queued", job.Status)
	}
	if job.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0 (shutdown is not an attempt)", job.RetryCount)
	}
	if h.sender.count() != 0 {
		t.Errorf("notifications = %d, want 0", h.sender.count())
	}
}

func TestRequeueWatcherExitsAfterFire(t *testing.T) {
	exec := succeedingExecutor()
	h := newHarness(t, models.TierCPU, 1, 1, false, exec)

	before := runtime.NumGoroutine()
	for i := 0; i < 200; i++ {
		h.lane.requeueAfter(Item{Token: "absent", QueuedAt: time.Now()}, time.Millisecond)
	}

	// Each pending requeue holds one goroutine only until its timer
	// fires; none may linger until shutdown.
	waitFor(t, "requeue watchers to exit", func() bool {
		return runtime.NumGoroutine() <= before+10
	})
}

func TestCancelAlwaysFindsLiveRun(t *testing.T) {
	exec := &fakeExecutor{
		run: func(ctx context.Context, _ string, _ func(string, int)) (*pipeline.Result, error) {
			<-ctx.Done()
			return nil, &pipeline.ExecError{Class: pipeline.Canceled, Msg: "termination requested"}
		},
	}
	h := newHarness(t, models.TierCPU, 1, 1, false, exec)

	// Mirror the cancel handler's sequence under contention with the
	// worker's claim: when the queued CAS conflicts on a live job, the
	// run signal must already be registered.
	for i := 0; i < 25; i++ {
		token := h.submit(t, "alice", 0, 3)

		finished := time.Now().UTC()
		err := h.reg.Transition(token, models.StatusQueued, models.StatusCanceled, registry.Fields{
			Stage:      models.StageCanceled,
			FinishedAt: &finished,
		})
		if err != nil {
			if !errors.Is(err, registry.ErrConflict) {
				t.Fatalf("iteration %d: cancel transition: %v", i, err)
			}
			if !models.IsTerminal(h.status(t, token).Status) && !h.lane.CancelRunning(token) {
				t.Fatalf("iteration %d: claimed job %s has no cancelable run", i, token)
			}
		}

		waitFor(t, "job terminal", func() bool {
			return models.IsTerminal(h.status(t, token).Status)
		})
	}
}

func TestCanceledWhileQueuedIsSkipped(t *testing.T) {
	exec := succeedingExecutor()
	h := newHarness(t, models.TierCPU, 1, 1, false, exec)

	// Cancel before the lane ever sees the token.
	token, err := h.reg.Create("alice", models.TierCPU, 0, `{"dataset":"d","table":"t"}`, 3)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	finished := time.Now().UTC()
	if err := h.reg.Transition(token, models.StatusQueued, models.StatusCanceled, registry.Fields{
		FinishedAt: &finished,
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.lane.Enqueue(token, 0, time.Now())

	time.Sleep(100 * time.Millisecond)
	if got := exec.callCount(token); got != 0 {
		t.Errorf("canceled job executed %d times", got)
	}
	if h.status(t, token).Status != models.StatusCanceled {
		t.Errorf("status = %q, want canceled", h.status(t, token).Status)
	}
}

func TestPriorityOrderAcrossBacklog(t *testing.T) {
	var mu sync.Mutex
	var order []string
	gate := make(chan struct{})
	first := true
	exec := &fakeExecutor{
		run: func(_ context.Context, token string, _ func(string, int)) (*pipeline.Result, error) {
			mu.Lock()
			block := first
			first = false
			order = append(order, token)
			mu.Unlock()
			if block {
				<-gate
			}
			return &pipeline.Result{ResultToken: "res"}, nil
		},
	}
	h := newHarness(t, models.TierGPU, 1, 1, false, exec)

	// The blocker occupies the single worker while the backlog builds.
	blocker := h.submit(t, "z", 0, 3)
	waitFor(t, "blocker running", func() bool {
		return h.status(t, blocker).Status == models.StatusRunning
	})

	low := h.submit(t, "a", 0, 3)
	time.Sleep(5 * time.Millisecond)
	high := h.submit(t, "b", 10, 3)

	close(gate)

	waitFor(t, "backlog drained", func() bool {
		return h.status(t, low).Status == models.StatusCompleted &&
			h.status(t, high).Status == models.StatusCompleted
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{blocker, high, low}
	if len(order) != 3 {
		t.Fatalf("execution order = %v, want 3 runs", order)
	}
	for i, token := range want {
		if order[i] != token {
			t.Errorf("order[%d] = %s, want %s (full order %v)", i, order[i], token, order)
		}
	}
}
