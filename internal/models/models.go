package models

import "time"

// Tier is a resource class with its own concurrency limit.
type Tier string

const (
	TierCPU Tier = "cpu"
	TierGPU Tier = "gpu"
)

// Status constants
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// IsTerminal reports whether a status permits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCanceled
}

// Pipeline stages, in execution order.
const (
	StageQueued        = "queued"
	StageStarting      = "starting"
	StagePreprocessing = "preprocessing"
	StageTraining      = "training"
	StageSampling      = "sampling"
	StageEvaluation    = "evaluation"
	StageFinalizing    = "finalizing"
	StageCompleted     = "completed"
	StageFailed        = "failed"
	StageCanceled      = "canceled"
)

var stageMessages = map[string]string{
	StageQueued:        "Queued",
	StageStarting:      "Starting",
	StagePreprocessing: "Preprocessing data",
	StageTraining:      "Training models",
	StageSampling:      "Sampling synthetic rows",
	StageEvaluation:    "Running evaluation",
	StageFinalizing:    "Saving outputs",
	StageCompleted:     "Completed",
	StageFailed:        "Failed",
	StageCanceled:      "Canceled",
}

// StageMessage returns the user-facing message for a stage.
func StageMessage(stage string) string {
	if msg, ok := stageMessages[stage]; ok {
		return msg
	}
	return stage
}

// Job represents a pipeline run tracked by the registry
type Job struct {
	Token        string     `json:"token"`
	OwnerID      string     `json:"owner_id"`
	Tier         Tier       `json:"tier"`
	Priority     int        `json:"priority"`
	Params       string     `json:"params"` // opaque JSON blob
	Status       string     `json:"status"`
	Stage        string     `json:"stage"`
	Progress     int        `json:"progress"` // 0-100, non-decreasing while running
	ResultToken  string     `json:"result_token,omitempty"`
	ErrorSummary string     `json:"error_summary,omitempty"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	QueuedAt     time.Time  `json:"queued_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Snapshot is the point-in-time view served to pollers.
type Snapshot struct {
	Token       string     `json:"token"`
	Status      string     `json:"status"`
	Stage       string     `json:"stage"`
	Message     string     `json:"message"`
	Progress    int        `json:"progressPercentage"`
	Logs        []string   `json:"logs"`
	ResultToken string     `json:"resultToken,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retryCount"`
	QueuedAt    time.Time  `json:"queuedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// Run is a history record written once per completed job.
type Run struct {
	Token         string    `json:"token"`
	OwnerID       string    `json:"owner_id"`
	Tier          Tier      `json:"tier"`
	ResultToken   string    `json:"result_token"`
	GeneratedRows int64     `json:"generated_rows"`
	QueueWaitSecs float64   `json:"queue_wait_seconds"`
	ExecSecs      float64   `json:"execution_seconds"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Metrics holds system metrics for the dashboard
type Metrics struct {
	TotalJobs     int64 `json:"total_jobs"`
	QueuedJobs    int64 `json:"queued_jobs"`
	RunningJobs   int64 `json:"running_jobs"`
	CompletedJobs int64 `json:"completed_jobs"`
	FailedJobs    int64 `json:"failed_jobs"`
	CanceledJobs  int64 `json:"canceled_jobs"`
	RunningCPU    int64 `json:"running_cpu"`
	RunningGPU    int64 `json:"running_gpu"`
	TotalRetries  int64 `json:"total_retries"`
}

// SubmitRequest represents a job submission request
type SubmitRequest struct {
	OwnerID string `json:"owner_id"`
	Dataset string `json:"dataset"`
	Table   string `json:"table"`
	// Hyperparameters are opaque to this subsystem and passed through
	// to the pipeline unchanged.
	EpochsVAE  int `json:"epochs_vae,omitempty"`
	EpochsGNN  int `json:"epochs_gnn,omitempty"`
	EpochsDiff int `json:"epochs_diff,omitempty"`
}

// SubmitResponse is returned on accepted submissions.
type SubmitResponse struct {
	Token  string `json:"token"`
	Status string `json:"status"`
}
