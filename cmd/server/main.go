package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tabgraphsyn-runner/internal/api"
	"tabgraphsyn-runner/internal/capacity"
	"tabgraphsyn-runner/internal/config"
	"tabgraphsyn-runner/internal/lane"
	"tabgraphsyn-runner/internal/models"
	"tabgraphsyn-runner/internal/notify"
	"tabgraphsyn-runner/internal/pipeline"
	"tabgraphsyn-runner/internal/ratelimit"
	"tabgraphsyn-runner/internal/registry"
	"tabgraphsyn-runner/internal/retry"
	"tabgraphsyn-runner/internal/websocket"
)

func main() {
	cfg := config.Load()

	// Open the job registry
	reg, err := registry.Open(cfg.DatabasePath,
		registry.WithLogLimits(cfg.LogTailLines, cfg.LogRetainedLines))
	if err != nil {
		log.Fatal("Failed to open database:", err)
	}
	defer reg.Close()

	if err := reg.InitSchema(); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	log.Println("[INIT] Database initialized")

	// Create WebSocket manager
	wsManager := websocket.New(reg)

	// Capacity controller with per-tier limits
	ctrl := capacity.New(map[models.Tier]int{
		models.TierCPU: cfg.CPULimit,
		models.TierGPU: cfg.GPULimit,
	}, cfg.SingleActive)

	notifier := notify.New(reg, notify.LogSender{})
	retries := retry.NewManager(retry.DefaultStrategy())
	adapter := pipeline.New(cfg.PythonExecutable, cfg.PipelineScript,
		cfg.WorkDir, cfg.ResultsDir, cfg.ExecTimeout, cfg.KillGrace)

	// One lane per tier
	lanes := map[models.Tier]*lane.Lane{}
	for _, tier := range []models.Tier{models.TierCPU, models.TierGPU} {
		lanes[tier] = lane.NewLane(tier, cfg.TierWorkers(tier), cfg.PollInterval,
			reg, ctrl, adapter, retries, notifier, wsManager.Broadcast)
	}
	pool := lane.NewPool(reg, lanes)

	if err := pool.Start(); err != nil {
		log.Fatal("Failed to start worker pool:", err)
	}

	limiter := ratelimit.New(cfg.RateLimit, cfg.RateWindow)

	// Periodic cleanup of old finished jobs and stale limiter buckets
	cleanupCtx, cancelCleanup := context.WithCancel(context.Background())
	defer cancelCleanup()
	go cleanupLoop(cleanupCtx, reg, limiter, cfg.CleanupAfter)

	// Create API server
	apiServer := api.NewServer(reg, pool, ctrl, wsManager,
		api.BasicValidator{},
		api.StaticEntitlements{MaxRetries: cfg.MaxRetries},
		limiter, cfg.SingleActive)

	mux := http.NewServeMux()
	apiServer.SetupRoutes(mux)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	// Shut down cleanly on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("[INIT] Server starting on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed:", err)
		}
	}()

	<-ctx.Done()
	log.Println("[SHUTDOWN] Signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[ERROR] HTTP shutdown: %v", err)
	}
	pool.Stop(shutdownCtx)
	log.Println("[SHUTDOWN] Done")
}

// cleanupLoop deletes terminal jobs older than the retention window and
// prunes expired rate-limit buckets.
func cleanupLoop(ctx context.Context, reg *registry.Registry, limiter *ratelimit.Limiter, retain time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Prune()
			deleted, err := reg.DeleteFinishedBefore(time.Now().Add(-retain))
			if err != nil {
				log.Printf("[ERROR] Cleanup failed: %v", err)
				continue
			}
			if deleted > 0 {
				log.Printf("[CLEANUP] Deleted %d expired jobs", deleted)
			}
		}
	}
}
