package config

import (
	"os"
	"strconv"
	"time"

	"tabgraphsyn-runner/internal/models"
)

// Config holds all runtime knobs, loaded from environment variables.
type Config struct {
	HTTPAddr     string
	DatabasePath string

	// Pipeline execution
	PythonExecutable string
	PipelineScript   string
	WorkDir          string
	ResultsDir       string

	// Scheduling
	CPULimit   int
	GPULimit   int
	CPUWorkers int
	GPUWorkers int

	ExecTimeout  time.Duration
	KillGrace    time.Duration
	PollInterval time.Duration

	MaxRetries   int
	SingleActive bool

	LogTailLines     int
	LogRetainedLines int

	RateLimit    int
	RateWindow   time.Duration
	CleanupAfter time.Duration
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	return &Config{
		HTTPAddr:         envString("RUNNER_HTTP_ADDR", ":8080"),
		DatabasePath:     envString("RUNNER_DB_PATH", "./jobs.db"),
		PythonExecutable: envString("RUNNER_PYTHON", "python3"),
		PipelineScript:   envString("RUNNER_PIPELINE_SCRIPT", "./src/scripts/run_pipeline.py"),
		WorkDir:          envString("RUNNER_WORK_DIR", "."),
		ResultsDir:       envString("RUNNER_RESULTS_DIR", "./media/generated"),
		CPULimit:         envInt("RUNNER_CPU_LIMIT", 2),
		GPULimit:         envInt("RUNNER_GPU_LIMIT", 1),
		CPUWorkers:       envInt("RUNNER_CPU_WORKERS", 2),
		GPUWorkers:       envInt("RUNNER_GPU_WORKERS", 1),
		ExecTimeout:      envDuration("RUNNER_EXEC_TIMEOUT", 4*time.Hour),
		KillGrace:        envDuration("RUNNER_KILL_GRACE", 10*time.Second),
		PollInterval:     envDuration("RUNNER_POLL_INTERVAL", 2*time.Second),
		MaxRetries:       envInt("RUNNER_MAX_RETRIES", 3),
		SingleActive:     envBool("RUNNER_SINGLE_ACTIVE", true),
		LogTailLines:     envInt("RUNNER_LOG_TAIL", 100),
		LogRetainedLines: envInt("RUNNER_LOG_RETAINED", 400),
		RateLimit:        envInt("RUNNER_RATE_LIMIT", 10),
		RateWindow:       envDuration("RUNNER_RATE_WINDOW", time.Minute),
		CleanupAfter:     envDuration("RUNNER_CLEANUP_AFTER", 7*24*time.Hour),
	}
}

// TierLimit returns the running-job limit for a tier.
func (c *Config) TierLimit(tier models.Tier) int {
	if tier == models.TierGPU {
		return c.GPULimit
	}
	return c.CPULimit
}

// TierWorkers returns the worker pool size for a tier.
func (c *Config) TierWorkers(tier models.Tier) int {
	if tier == models.TierGPU {
		return c.GPUWorkers
	}
	return c.CPUWorkers
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
