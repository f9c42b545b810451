package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tabgraphsyn-runner/internal/models"
)

var (
	// ErrNotFound is returned when no job exists for a token.
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned when a CAS transition does not match the
	// job's current status.
	ErrConflict = errors.New("status conflict")
	// ErrOwnerActive is returned by CreateIfIdle when the owner already
	// has a queued or running job.
	ErrOwnerActive = errors.New("owner already has an active job")
)

// Registry is the durable store of job records. All writes are committed
// before the call returns; process memory is never the source of truth.
type Registry struct {
	db *sql.DB

	tailLines     int
	retainedLines int
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogLimits sets the log tail size served to pollers and the number
// of log lines retained per job.
func WithLogLimits(tail, retained int) Option {
	return func(r *Registry) {
		r.tailLines = tail
		r.retainedLines = retained
	}
}

// Open opens the SQLite database at the given path.
func Open(dataSourceName string, opts ...Option) (*Registry, error) {
	db, err := sql.Open("sqlite3", dataSourceName+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY churn between workers.
	db.SetMaxOpenConns(1)

	r := &Registry{db: db, tailLines: 100, retainedLines: 400}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error { return r.db.Close() }

// InitSchema initializes the database schema
func (r *Registry) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		token TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		params TEXT NOT NULL,
		status TEXT NOT NULL,
		stage TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		result_token TEXT,
		error_summary TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		queued_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS job_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		token TEXT NOT NULL,
		line TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		token TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		result_token TEXT NOT NULL,
		generated_rows INTEGER NOT NULL DEFAULT 0,
		queue_wait_seconds REAL NOT NULL DEFAULT 0,
		execution_seconds REAL NOT NULL DEFAULT 0,
		recorded_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS notifications (
		token TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (token, status)
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_tier ON jobs(tier, status);
	CREATE INDEX IF NOT EXISTS idx_logs_token ON job_logs(token);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Create inserts a new Queued job and returns its token.
func (r *Registry) Create(ownerID string, tier models.Tier, priority int, params string, maxRetries int) (string, error) {
	token := uuid.NewString()
	now := time.Now().UTC()

	_, err := r.db.Exec(`
		INSERT INTO jobs (token, owner_id, tier, priority, params, status, stage, progress,
		                  retry_count, max_retries, queued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?)
	`, token, ownerID, string(tier), priority, params,
		models.StatusQueued, models.StageQueued, maxRetries, now, now)
	if err != nil {
		return "", err
	}
	return token, nil
}

// CreateIfIdle inserts a new Queued job only if the owner has no
// queued-or-running job. The check and the insert are one statement, so
// two concurrent submissions cannot both slip past the single-active
// gate. Returns ErrOwnerActive when the owner is busy.
func (r *Registry) CreateIfIdle(ownerID string, tier models.Tier, priority int, params string, maxRetries int) (string, error) {
	token := uuid.NewString()
	now := time.Now().UTC()

	res, err := r.db.Exec(`
		INSERT INTO jobs (token, owner_id, tier, priority, params, status, stage, progress,
		                  retry_count, max_retries, queued_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM jobs WHERE owner_id = ? AND status IN (?, ?)
		)
	`, token, ownerID, string(tier), priority, params,
		models.StatusQueued, models.StageQueued, maxRetries, now, now,
		ownerID, models.StatusQueued, models.StatusRunning)
	if err != nil {
		return "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", ErrOwnerActive
	}
	return token, nil
}

// GetJob retrieves the full job record by token.
func (r *Registry) GetJob(token string) (*models.Job, error) {
	row := r.db.QueryRow(`
		SELECT token, owner_id, tier, priority, params, status, stage, progress,
		       result_token, error_summary, retry_count, max_retries,
		       queued_at, started_at, finished_at, updated_at
		FROM jobs WHERE token = ?
	`, token)
	return scanJob(row)
}

// Get returns a point-in-time snapshot including the log tail.
func (r *Registry) Get(token string) (*models.Snapshot, error) {
	job, err := r.GetJob(token)
	if err != nil {
		return nil, err
	}

	logs, err := r.LogTail(token, r.tailLines)
	if err != nil {
		return nil, err
	}

	message := models.StageMessage(job.Stage)
	return &models.Snapshot{
		Token:       job.Token,
		Status:      job.Status,
		Stage:       job.Stage,
		Message:     message,
		Progress:    job.Progress,
		Logs:        logs,
		ResultToken: job.ResultToken,
		Error:       job.ErrorSummary,
		RetryCount:  job.RetryCount,
		QueuedAt:    job.QueuedAt,
		StartedAt:   job.StartedAt,
		FinishedAt:  job.FinishedAt,
	}, nil
}

// Fields carries the optional columns a transition may set.
type Fields struct {
	Stage        string
	Progress     *int
	ResultToken  string
	ErrorSummary string
	RetryCount   *int
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Transition performs a compare-and-swap status update: the row is updated
// only if its current status equals expect. A mismatch returns ErrConflict,
// never a silent overwrite, so a stale worker cannot resurrect a canceled
// or already-terminal job.
func (r *Registry) Transition(token, expect, next string, fields Fields) error {
	set := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{next, time.Now().UTC()}

	if fields.Stage != "" {
		set = append(set, "stage = ?")
		args = append(args, fields.Stage)
	}
	if fields.Progress != nil {
		set = append(set, "progress = MAX(progress, ?)")
		args = append(args, *fields.Progress)
	}
	if fields.ResultToken != "" {
		set = append(set, "result_token = ?")
		args = append(args, fields.ResultToken)
	}
	if fields.ErrorSummary != "" {
		set = append(set, "error_summary = ?")
		args = append(args, fields.ErrorSummary)
	}
	if fields.RetryCount != nil {
		set = append(set, "retry_count = ?")
		args = append(args, *fields.RetryCount)
	}
	if fields.StartedAt != nil {
		set = append(set, "started_at = ?")
		args = append(args, *fields.StartedAt)
	}
	if fields.FinishedAt != nil {
		set = append(set, "finished_at = ?")
		args = append(args, *fields.FinishedAt)
	}

	args = append(args, token, expect)
	query := fmt.Sprintf("UPDATE jobs SET %s WHERE token = ? AND status = ?", strings.Join(set, ", "))

	res, err := r.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetJob(token); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// SetProgress updates stage and progress for a running job. Progress is
// monotonic: the MAX guard means a late write can never move it backward.
func (r *Registry) SetProgress(token, stage string, pct int) error {
	_, err := r.db.Exec(`
		UPDATE jobs
		SET stage = ?, progress = MAX(progress, ?), updated_at = ?
		WHERE token = ? AND status = ?
	`, stage, pct, time.Now().UTC(), token, models.StatusRunning)
	return err
}

// AppendLog appends one line to the job's log, trimming retention.
func (r *Registry) AppendLog(token, line string) error {
	line = strings.TrimRight(line, "\n")
	_, err := r.db.Exec(`
		INSERT INTO job_logs (token, line, created_at) VALUES (?, ?, ?)
	`, token, line, time.Now().UTC())
	if err != nil {
		return err
	}

	_, err = r.db.Exec(`
		DELETE FROM job_logs
		WHERE token = ? AND id NOT IN (
			SELECT id FROM job_logs WHERE token = ? ORDER BY id DESC LIMIT ?
		)
	`, token, token, r.retainedLines)
	return err
}

// LogTail returns up to n most recent log lines in chronological order.
func (r *Registry) LogTail(token string, n int) ([]string, error) {
	rows, err := r.db.Query(`
		SELECT line FROM (
			SELECT id, line FROM job_logs WHERE token = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, token, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := []string{}
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// ActiveCount returns the number of queued-or-running jobs for an owner.
func (r *Registry) ActiveCount(ownerID string) (int, error) {
	var count int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM jobs WHERE owner_id = ? AND status IN (?, ?)
	`, ownerID, models.StatusQueued, models.StatusRunning).Scan(&count)
	return count, err
}

// QueuedJob is the subset of a job the lanes need to enqueue it.
type QueuedJob struct {
	Token    string
	Tier     models.Tier
	Priority int
	QueuedAt time.Time
}

// QueuedTokens returns all queued jobs in dispatch order, used to refill
// the lanes after a restart.
func (r *Registry) QueuedTokens() ([]QueuedJob, error) {
	rows, err := r.db.Query(`
		SELECT token, tier, priority, queued_at FROM jobs
		WHERE status = ?
		ORDER BY priority DESC, queued_at ASC
	`, models.StatusQueued)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueuedJob
	for rows.Next() {
		var q QueuedJob
		var tier string
		if err := rows.Scan(&q.Token, &tier, &q.Priority, &q.QueuedAt); err != nil {
			return nil, err
		}
		q.Tier = models.Tier(tier)
		out = append(out, q)
	}
	return out, rows.Err()
}

// RecoverOrphans demotes Running jobs back to Queued. Called once at
// startup, before any worker starts: a Running row with no live worker is
// an orphan from a previous process, and re-running it is safe under
// at-least-once semantics.
func (r *Registry) RecoverOrphans() (int64, error) {
	res, err := r.db.Exec(`
		UPDATE jobs
		SET status = ?, stage = ?, started_at = NULL, updated_at = ?
		WHERE status = ?
	`, models.StatusQueued, models.StageQueued, time.Now().UTC(), models.StatusRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkNotified records a completion notification for token+status.
// Returns false if a notification was already recorded, making retried
// notifications no-ops.
func (r *Registry) MarkNotified(token, status string) (bool, error) {
	res, err := r.db.Exec(`
		INSERT OR IGNORE INTO notifications (token, status, created_at) VALUES (?, ?, ?)
	`, token, status, time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordRun stores a history record for a completed job.
func (r *Registry) RecordRun(run *models.Run) error {
	_, err := r.db.Exec(`
		INSERT OR REPLACE INTO runs (token, owner_id, tier, result_token, generated_rows,
		                             queue_wait_seconds, execution_seconds, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.Token, run.OwnerID, string(run.Tier), run.ResultToken, run.GeneratedRows,
		run.QueueWaitSecs, run.ExecSecs, run.RecordedAt)
	return err
}

// History returns an owner's recorded runs, newest first.
func (r *Registry) History(ownerID string, limit int) ([]models.Run, error) {
	rows, err := r.db.Query(`
		SELECT token, owner_id, tier, result_token, generated_rows,
		       queue_wait_seconds, execution_seconds, recorded_at
		FROM runs WHERE owner_id = ? ORDER BY recorded_at DESC LIMIT ?
	`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []models.Run{}
	for rows.Next() {
		var run models.Run
		var tier string
		if err := rows.Scan(&run.Token, &run.OwnerID, &tier, &run.ResultToken,
			&run.GeneratedRows, &run.QueueWaitSecs, &run.ExecSecs, &run.RecordedAt); err != nil {
			return nil, err
		}
		run.Tier = models.Tier(tier)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListJobs retrieves jobs with optional filtering
func (r *Registry) ListJobs(status, ownerID string, limit int) ([]models.Job, error) {
	query := `SELECT token, owner_id, tier, priority, params, status, stage, progress,
	          result_token, error_summary, retry_count, max_retries,
	          queued_at, started_at, finished_at, updated_at
	          FROM jobs WHERE 1=1`
	args := []interface{}{}

	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	if ownerID != "" {
		query += " AND owner_id = ?"
		args = append(args, ownerID)
	}

	query += " ORDER BY queued_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// DeleteFinishedBefore removes terminal jobs (and their logs) older than
// the cutoff. Returns the number of jobs deleted.
func (r *Registry) DeleteFinishedBefore(cutoff time.Time) (int64, error) {
	_, err := r.db.Exec(`
		DELETE FROM job_logs WHERE token IN (
			SELECT token FROM jobs
			WHERE status IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?
		)
	`, models.StatusCompleted, models.StatusFailed, models.StatusCanceled, cutoff)
	if err != nil {
		return 0, err
	}

	res, err := r.db.Exec(`
		DELETE FROM jobs
		WHERE status IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?
	`, models.StatusCompleted, models.StatusFailed, models.StatusCanceled, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Metrics retrieves system metrics
func (r *Registry) Metrics() (*models.Metrics, error) {
	var m models.Metrics

	counts := []struct {
		query string
		args  []interface{}
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM jobs", nil, &m.TotalJobs},
		{"SELECT COUNT(*) FROM jobs WHERE status = ?", []interface{}{models.StatusQueued}, &m.QueuedJobs},
		{"SELECT COUNT(*) FROM jobs WHERE status = ?", []interface{}{models.StatusRunning}, &m.RunningJobs},
		{"SELECT COUNT(*) FROM jobs WHERE status = ?", []interface{}{models.StatusCompleted}, &m.CompletedJobs},
		{"SELECT COUNT(*) FROM jobs WHERE status = ?", []interface{}{models.StatusFailed}, &m.FailedJobs},
		{"SELECT COUNT(*) FROM jobs WHERE status = ?", []interface{}{models.StatusCanceled}, &m.CanceledJobs},
		{"SELECT COUNT(*) FROM jobs WHERE status = ? AND tier = ?", []interface{}{models.StatusRunning, string(models.TierCPU)}, &m.RunningCPU},
		{"SELECT COUNT(*) FROM jobs WHERE status = ? AND tier = ?", []interface{}{models.StatusRunning, string(models.TierGPU)}, &m.RunningGPU},
		{"SELECT COALESCE(SUM(retry_count), 0) FROM jobs", nil, &m.TotalRetries},
	}
	for _, c := range counts {
		if err := r.db.QueryRow(c.query, c.args...).Scan(c.dest); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// Helper functions

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var tier string
	var resultToken, errorSummary sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(&job.Token, &job.OwnerID, &tier, &job.Priority, &job.Params,
		&job.Status, &job.Stage, &job.Progress, &resultToken, &errorSummary,
		&job.RetryCount, &job.MaxRetries,
		&job.QueuedAt, &startedAt, &finishedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	job.Tier = models.Tier(tier)
	if resultToken.Valid {
		job.ResultToken = resultToken.String
	}
	if errorSummary.Valid {
		job.ErrorSummary = errorSummary.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return &job, nil
}
