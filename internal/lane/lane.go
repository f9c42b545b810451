package lane

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"tabgraphsyn-runner/internal/capacity"
	"tabgraphsyn-runner/internal/models"
	"tabgraphsyn-runner/internal/notify"
	"tabgraphsyn-runner/internal/pipeline"
	"tabgraphsyn-runner/internal/registry"
	"tabgraphsyn-runner/internal/retry"
)

// ownerBusyDelay is how long a token sits out before re-entering the
// queue when its owner already has a running job. Tests can lower it.
var ownerBusyDelay = 500 * time.Millisecond

// transitionAttempts bounds the retries of a durable terminal write.
// Losing a terminal write would strand the job as Running forever, so it
// is retried with backoff rather than dropped.
const transitionAttempts = 3

// Executor runs one pipeline attempt. *pipeline.Adapter is the real
// implementation; tests substitute fakes.
type Executor interface {
	Run(ctx context.Context, token string, tier models.Tier, params pipeline.Params,
		onProgress func(stage string, pct int), onLine func(line string)) (*pipeline.Result, error)
}

// Lane is the per-tier queue plus the fixed worker pool that drains it.
type Lane struct {
	tier         models.Tier
	queue        *queue
	workers      int
	pollInterval time.Duration

	reg      *registry.Registry
	cap      *capacity.Controller
	executor Executor
	retries  *retry.Manager
	notifier *notify.Notifier
	onUpdate func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cancelMu   sync.Mutex
	activeRuns map[string]*runHandle
}

// runHandle tracks one active attempt. userCanceled distinguishes an
// explicit cancel request from the run context dying on shutdown; only
// the former may settle the job as canceled.
type runHandle struct {
	cancel       context.CancelFunc
	userCanceled bool
}

// NewLane creates a lane for one tier.
func NewLane(tier models.Tier, workers int, pollInterval time.Duration,
	reg *registry.Registry, ctrl *capacity.Controller, executor Executor,
	retries *retry.Manager, notifier *notify.Notifier, onUpdate func()) *Lane {

	ctx, cancel := context.WithCancel(context.Background())
	return &Lane{
		tier:         tier,
		queue:        newQueue(),
		workers:      workers,
		pollInterval: pollInterval,
		reg:          reg,
		cap:          ctrl,
		executor:     executor,
		retries:      retries,
		notifier:     notifier,
		onUpdate:     onUpdate,
		ctx:          ctx,
		cancel:       cancel,
		activeRuns:   make(map[string]*runHandle),
	}
}

// Start launches the worker goroutines. It returns immediately.
func (l *Lane) Start() {
	for i := 1; i <= l.workers; i++ {
		l.wg.Add(1)
		go l.workerLoop(i)
	}
	log.Printf("[INIT] Lane=%s started %d workers", l.tier, l.workers)
}

// Stop cancels active runs and waits for workers, bounded by ctx.
func (l *Lane) Stop(ctx context.Context) {
	l.cancel()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("[ERROR] Lane=%s shutdown timed out", l.tier)
	}
}

// Enqueue adds a token to the lane's queue.
func (l *Lane) Enqueue(token string, priority int, queuedAt time.Time) {
	l.queue.push(Item{Token: token, Priority: priority, QueuedAt: queuedAt})
}

// QueueLen returns the number of tokens waiting in the lane.
func (l *Lane) QueueLen() int { return l.queue.len() }

// CancelRunning cancels the active run for token if this lane holds it.
func (l *Lane) CancelRunning(token string) bool {
	l.cancelMu.Lock()
	handle, ok := l.activeRuns[token]
	if ok {
		handle.userCanceled = true
	}
	l.cancelMu.Unlock()
	if ok {
		handle.cancel()
	}
	return ok
}

// workerLoop is run by each worker goroutine: dequeue, admit, execute,
// settle, repeat. Blocking on an empty queue or a full tier never blocks
// other lanes or status reads.
func (l *Lane) workerLoop(id int) {
	defer l.wg.Done()
	log.Printf("[WORKER] Lane=%s Worker=%d started", l.tier, id)

	for {
		item, ok := l.queue.tryPop()
		if !ok {
			select {
			case <-l.ctx.Done():
				log.Printf("[WORKER] Lane=%s Worker=%d shutting down", l.tier, id)
				return
			case <-l.queue.signal:
			case <-time.After(l.pollInterval):
			}
			continue
		}

		l.process(id, item)

		select {
		case <-l.ctx.Done():
			log.Printf("[WORKER] Lane=%s Worker=%d shutting down", l.tier, id)
			return
		default:
		}
	}
}

func (l *Lane) process(workerID int, item Item) {
	job, err := l.reg.GetJob(item.Token)
	if err != nil {
		log.Printf("[ERROR] Lane=%s Token=%s load: %v", l.tier, item.Token, err)
		return
	}
	// Canceled while queued, or already picked up elsewhere.
	if job.Status != models.StatusQueued {
		return
	}

	// Admission. AtCapacity blocks on the release signal instead of
	// busy-polling; OwnerBusy parks the token and frees this worker.
	for {
		decision := l.cap.TryAdmit(l.tier, job.OwnerID)
		if decision == capacity.Admitted {
			break
		}
		if decision == capacity.OwnerBusy {
			log.Printf("[ADMIT] Lane=%s Token=%s owner_busy, requeueing", l.tier, job.Token)
			l.requeueAfter(item, ownerBusyDelay)
			return
		}
		l.cap.AwaitRelease(l.ctx, l.tier, l.pollInterval)
		if l.ctx.Err() != nil {
			// Shutting down: leave the job queued for the next process.
			return
		}
	}

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() { l.cap.Release(l.tier, job.OwnerID) })
	}
	defer release()

	// Register the cancel handle before the claim CAS: a cancel request
	// that loses the queued CAS to this worker must still find the run.
	runCtx, cancelRun := context.WithCancel(l.ctx)
	handle := &runHandle{cancel: cancelRun}
	l.cancelMu.Lock()
	l.activeRuns[job.Token] = handle
	l.cancelMu.Unlock()
	defer func() {
		l.cancelMu.Lock()
		delete(l.activeRuns, job.Token)
		l.cancelMu.Unlock()
		cancelRun()
	}()

	// Claim the job. The CAS is the worker's lease: if it fails the job
	// was canceled or claimed since we loaded it.
	started := time.Now().UTC()
	err = l.reg.Transition(job.Token, models.StatusQueued, models.StatusRunning, registry.Fields{
		Stage:     models.StageStarting,
		StartedAt: &started,
	})
	if err != nil {
		if !errors.Is(err, registry.ErrConflict) {
			log.Printf("[ERROR] Lane=%s Token=%s claim: %v", l.tier, job.Token, err)
		}
		return
	}

	log.Printf("[START] Lane=%s Worker=%d Token=%s Attempt=%d", l.tier, workerID, job.Token, job.RetryCount+1)
	l.broadcast()

	var params pipeline.Params
	if err := json.Unmarshal([]byte(job.Params), &params); err != nil {
		// Undecodable parameters can never succeed on retry.
		l.settleFailed(job, "invalid job parameters: "+err.Error())
		release()
		l.notifier.Notify(job.Token)
		l.broadcast()
		return
	}

	onProgress := func(stage string, pct int) {
		if err := l.reg.SetProgress(job.Token, stage, pct); err != nil {
			log.Printf("[ERROR] Token=%s progress write: %v", job.Token, err)
			return
		}
		log.Printf("[STAGE] Token=%s Stage=%s Progress=%d%%", job.Token, stage, pct)
		l.broadcast()
	}
	onLine := func(line string) {
		if err := l.reg.AppendLog(job.Token, line); err != nil {
			log.Printf("[ERROR] Token=%s log append: %v", job.Token, err)
		}
	}

	result, runErr := l.executor.Run(runCtx, job.Token, l.tier, params, onProgress, onLine)

	if runErr == nil {
		l.settleCompleted(job, started, result)
		release()
		l.notifier.Notify(job.Token)
		l.broadcast()
		return
	}

	job.StartedAt = &started
	decision := l.retries.Disposition(job, runErr)

	switch decision.Outcome {
	case retry.Cancel:
		l.cancelMu.Lock()
		userCanceled := handle.userCanceled
		l.cancelMu.Unlock()
		if !userCanceled && l.ctx.Err() != nil {
			// The run died because the lane is shutting down, not because
			// anyone canceled the job. The attempt does not settle: demote
			// the row back to Queued so a restart re-runs it.
			l.demoteForShutdown(job)
			release()
			return
		}
		l.settleCanceled(job)
		release()
		l.broadcast()

	case retry.Retry:
		attempt := job.RetryCount + 1
		err := l.transitionWithRetry(job.Token, models.StatusRunning, models.StatusQueued, registry.Fields{
			Stage:        models.StageQueued,
			ErrorSummary: decision.Summary,
			RetryCount:   &attempt,
		})
		if err != nil {
			if errors.Is(err, registry.ErrConflict) || errors.Is(err, registry.ErrNotFound) {
				release()
				return
			}
			// The store kept erroring; failing the job beats stranding it
			// as Running with no worker.
			log.Printf("[ERROR] Token=%s retry transition: %v", job.Token, err)
			l.settleFailed(job, decision.Summary)
			release()
			l.notifier.Notify(job.Token)
			l.broadcast()
			return
		}
		log.Printf("[RETRY] Token=%s Attempt=%d/%d Delay=%s", job.Token, attempt, job.MaxRetries, decision.Delay)
		// The slot frees before the backoff sleeps, so the tier is not
		// held hostage by a failing job.
		release()
		l.requeueAfter(item, decision.Delay)
		l.broadcast()

	case retry.Fail:
		l.settleFailed(job, decision.Summary)
		release()
		l.notifier.Notify(job.Token)
		l.broadcast()
	}
}

func (l *Lane) settleCompleted(job *models.Job, started time.Time, result *pipeline.Result) {
	finished := time.Now().UTC()
	progress := 100
	err := l.transitionWithRetry(job.Token, models.StatusRunning, models.StatusCompleted, registry.Fields{
		Stage:       models.StageCompleted,
		Progress:    &progress,
		ResultToken: result.ResultToken,
		FinishedAt:  &finished,
	})
	if err != nil {
		log.Printf("[ERROR] Token=%s completion transition: %v", job.Token, err)
		return
	}

	run := &models.Run{
		Token:         job.Token,
		OwnerID:       job.OwnerID,
		Tier:          job.Tier,
		ResultToken:   result.ResultToken,
		QueueWaitSecs: started.Sub(job.QueuedAt).Seconds(),
		ExecSecs:      finished.Sub(started).Seconds(),
		RecordedAt:    finished,
	}
	if err := l.reg.RecordRun(run); err != nil {
		log.Printf("[ERROR] Token=%s record run: %v", job.Token, err)
	}

	log.Printf("[FINISH] Token=%s Status=completed Result=%s", job.Token, result.ResultToken)
}

func (l *Lane) settleFailed(job *models.Job, summary string) {
	finished := time.Now().UTC()
	err := l.transitionWithRetry(job.Token, models.StatusRunning, models.StatusFailed, registry.Fields{
		Stage:        models.StageFailed,
		ErrorSummary: summary,
		FinishedAt:   &finished,
	})
	if err != nil {
		log.Printf("[ERROR] Token=%s failure transition: %v", job.Token, err)
		return
	}
	log.Printf("[FAILED] Token=%s %s", job.Token, summary)
}

// demoteForShutdown puts an interrupted run back in line without
// counting the attempt against the retry budget. The row reads Queued
// after a clean shutdown the same as after a crash recovery.
func (l *Lane) demoteForShutdown(job *models.Job) {
	err := l.transitionWithRetry(job.Token, models.StatusRunning, models.StatusQueued, registry.Fields{
		Stage: models.StageQueued,
	})
	if err != nil {
		log.Printf("[ERROR] Token=%s shutdown demotion: %v", job.Token, err)
		return
	}
	log.Printf("[SHUTDOWN] Token=%s requeued", job.Token)
}

func (l *Lane) settleCanceled(job *models.Job) {
	finished := time.Now().UTC()
	err := l.transitionWithRetry(job.Token, models.StatusRunning, models.StatusCanceled, registry.Fields{
		Stage:      models.StageCanceled,
		FinishedAt: &finished,
	})
	if err != nil {
		log.Printf("[ERROR] Token=%s cancel transition: %v", job.Token, err)
		return
	}
	log.Printf("[CANCEL] Token=%s canceled while running", job.Token)
}

// transitionWithRetry retries a durable write with backoff. A CAS
// conflict is returned immediately; only store errors are retried.
func (l *Lane) transitionWithRetry(token, expect, next string, fields registry.Fields) error {
	var err error
	for attempt := 1; attempt <= transitionAttempts; attempt++ {
		err = l.reg.Transition(token, expect, next, fields)
		if err == nil || errors.Is(err, registry.ErrConflict) || errors.Is(err, registry.ErrNotFound) {
			return err
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	return err
}

func (l *Lane) requeueAfter(item Item, delay time.Duration) {
	if delay <= 0 {
		l.queue.push(item)
		return
	}
	// One goroutine per pending requeue, gone as soon as the timer fires.
	// A shutdown drops the requeue; the job stays queued in the registry
	// and is recovered at next startup.
	timer := time.NewTimer(delay)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			l.queue.push(item)
		case <-l.ctx.Done():
		}
	}()
}

func (l *Lane) broadcast() {
	if l.onUpdate != nil {
		l.onUpdate()
	}
}
