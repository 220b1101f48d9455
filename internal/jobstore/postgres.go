package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

const stepColumns = `id, job_id, step_type, step_index, status, attempts, max_attempts,
	output, error_message, worker_id, started_at, ended_at, created_at, updated_at`

const jobColumns = `id, tenant_id, kind, status, spec, reserved_credits, error_message,
	created_at, updated_at`

// PostgresStore implements Store on PostgreSQL. Every cross-worker transition
// is a single conditional update, so correctness never depends on
// application-level locking.
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore instance.
func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

// CreateJob inserts the job and all of its steps in one transaction.
func (s *PostgresStore) CreateJob(ctx context.Context, job NewJob) (*Job, []Step, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var created Job
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO jobs (id, tenant_id, kind, status, spec, reserved_credits)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+jobColumns,
		job.ID, job.TenantID, job.Kind, JobStatusQueued, job.Spec, job.ReservedCredits,
	).StructScan(&created)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to insert job: %w", err)
	}

	steps := make([]Step, 0, len(job.StepTypes))
	for i, stepType := range job.StepTypes {
		// Only step 0 is claimable at creation; the rest unlock in order.
		status := StepStatusPending
		if i == 0 {
			status = StepStatusQueued
		}

		var step Step
		err = tx.QueryRowxContext(ctx, `
			INSERT INTO steps (id, job_id, step_type, step_index, status, max_attempts)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+stepColumns,
			stepID(job.ID, i), job.ID, stepType, i, status, job.MaxAttempts,
		).StructScan(&step)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to insert step %d: %w", i, err)
		}
		steps = append(steps, step)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit job creation: %w", err)
	}

	s.logger.Info("Job created",
		slog.String("job_id", created.ID),
		slog.String("kind", created.Kind),
		slog.Int("steps", len(steps)),
	)

	return &created, steps, nil
}

// ClaimNextStep flips the lowest-index QUEUED step of the oldest eligible job
// to RUNNING in one statement. SKIP LOCKED guarantees at most one winner per
// step under concurrent callers.
func (s *PostgresStore) ClaimNextStep(ctx context.Context, workerID string) (*Step, error) {
	var step Step
	err := s.db.QueryRowxContext(ctx, `
		UPDATE steps SET
			status = $1,
			worker_id = $2,
			started_at = NOW(),
			updated_at = NOW()
		WHERE id = (
			SELECT s.id
			FROM steps s
			JOIN jobs j ON j.id = s.job_id
			WHERE s.status = $3
			  AND j.status NOT IN ($4, $5, $6)
			ORDER BY j.created_at ASC, s.step_index ASC
			FOR UPDATE OF s SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+stepColumns,
		StepStatusRunning, workerID, StepStatusQueued,
		JobStatusFailed, JobStatusCanceled, JobStatusCompleted,
	).StructScan(&step)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoEligibleStep
		}
		return nil, fmt.Errorf("failed to claim step: %w", err)
	}

	s.logger.Info("Step claimed",
		slog.String("step_id", step.ID),
		slog.String("job_id", step.JobID),
		slog.String("step_type", step.StepType),
		slog.String("worker_id", workerID),
	)

	return &step, nil
}

// CompleteStep marks a RUNNING step COMPLETED, promotes the next PENDING step
// to QUEUED and refreshes the job status cache, all in one transaction.
func (s *PostgresStore) CompleteStep(ctx context.Context, stepID string, output []byte) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var jobID string
	err = tx.QueryRowContext(ctx, `
		UPDATE steps SET
			status = $1,
			output = $2,
			ended_at = NOW(),
			updated_at = NOW()
		WHERE id = $3 AND status = $4
		RETURNING job_id`,
		StepStatusCompleted, output, stepID, StepStatusRunning,
	).Scan(&jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotClaimable
		}
		return fmt.Errorf("failed to complete step: %w", err)
	}

	// Unlock the next step in index order.
	_, err = tx.ExecContext(ctx, `
		UPDATE steps SET status = $1, updated_at = NOW()
		WHERE job_id = $2 AND status = $3 AND step_index = (
			SELECT MIN(step_index) FROM steps WHERE job_id = $2 AND status = $3
		)`,
		StepStatusQueued, jobID, StepStatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to promote next step: %w", err)
	}

	var remaining int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM steps WHERE job_id = $1 AND status <> $2`,
		jobID, StepStatusCompleted,
	).Scan(&remaining)
	if err != nil {
		return fmt.Errorf("failed to count remaining steps: %w", err)
	}

	jobStatus := JobStatusRunning
	if remaining == 0 {
		jobStatus = JobStatusCompleted
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status NOT IN ($3, $4)`,
		jobStatus, jobID, JobStatusFailed, JobStatusCanceled,
	)
	if err != nil {
		return fmt.Errorf("failed to refresh job status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit step completion: %w", err)
	}

	s.logger.Info("Step completed",
		slog.String("step_id", stepID),
		slog.String("job_id", jobID),
	)

	return nil
}

// FailStep increments the attempt count of a RUNNING step and either requeues
// it or, with attempts exhausted, marks it FAILED and cascades the job. The
// job cascade is conditional, so exactly one FailStep call wins it.
func (s *PostgresStore) FailStep(ctx context.Context, stepID string, stepErr string) (*FailStepResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var step Step
	err = tx.QueryRowxContext(ctx, `
		SELECT `+stepColumns+` FROM steps
		WHERE id = $1 AND status = $2
		FOR UPDATE`,
		stepID, StepStatusRunning,
	).StructScan(&step)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotClaimable
		}
		return nil, fmt.Errorf("failed to load step: %w", err)
	}

	result := &FailStepResult{}

	if step.Attempts+1 < step.MaxAttempts {
		_, err = tx.ExecContext(ctx, `
			UPDATE steps SET
				status = $1,
				attempts = attempts + 1,
				error_message = $2,
				worker_id = '',
				started_at = NULL,
				updated_at = NOW()
			WHERE id = $3`,
			StepStatusQueued, stepErr, stepID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to requeue step: %w", err)
		}
		result.Requeued = true
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE steps SET
				status = $1,
				attempts = attempts + 1,
				error_message = $2,
				ended_at = NOW(),
				updated_at = NOW()
			WHERE id = $3`,
			StepStatusFailed, stepErr, stepID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to fail step: %w", err)
		}

		var job Job
		err = tx.QueryRowxContext(ctx, `
			UPDATE jobs SET status = $1, error_message = $2, updated_at = NOW()
			WHERE id = $3 AND status NOT IN ($1, $4, $5)
			RETURNING `+jobColumns,
			JobStatusFailed, stepErr, step.JobID, JobStatusCanceled, JobStatusCompleted,
		).StructScan(&job)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to cascade job failure: %w", err)
		}
		if err == nil {
			result.JobFailed = true
			result.Job = &job
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit step failure: %w", err)
	}

	s.logger.Warn("Step failed",
		slog.String("step_id", stepID),
		slog.String("job_id", step.JobID),
		slog.Bool("requeued", result.Requeued),
		slog.Bool("job_failed", result.JobFailed),
		slog.String("error", stepErr),
	)

	return result, nil
}

// CancelJob flips the job and all of its non-terminal steps to CANCELED.
// Completed step outputs are retained. Only the call that wins the
// conditional job update gets Won=true.
func (s *PostgresStore) CancelJob(ctx context.Context, jobID string) (*CancelResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var job Job
	err = tx.QueryRowxContext(ctx, `
		UPDATE jobs SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status NOT IN ($1, $3, $4)
		RETURNING `+jobColumns,
		JobStatusCanceled, jobID, JobStatusCompleted, JobStatusFailed,
	).StructScan(&job)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Lost the transition: either unknown job or already terminal.
			var existing Job
			getErr := tx.QueryRowxContext(ctx,
				`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID,
			).StructScan(&existing)
			if errors.Is(getErr, sql.ErrNoRows) {
				return nil, ErrNotFound
			}
			if getErr != nil {
				return nil, fmt.Errorf("failed to load job: %w", getErr)
			}
			if commitErr := tx.Commit(); commitErr != nil {
				return nil, fmt.Errorf("failed to commit cancel: %w", commitErr)
			}
			return &CancelResult{Won: false, Job: &existing}, nil
		}
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE steps SET status = $1, ended_at = NOW(), updated_at = NOW()
		WHERE job_id = $2 AND status IN ($3, $4, $5)`,
		StepStatusCanceled, jobID, StepStatusPending, StepStatusQueued, StepStatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel steps: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit cancel: %w", err)
	}

	s.logger.Info("Job canceled",
		slog.String("job_id", jobID),
	)

	return &CancelResult{Won: true, Job: &job}, nil
}

// RetryStep manually resets a FAILED step to QUEUED with attempts cleared and
// makes the job claimable again. Admission control is not re-run here.
func (s *PostgresStore) RetryStep(ctx context.Context, jobID, stepID string) (*Step, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var step Step
	err = tx.QueryRowxContext(ctx, `
		UPDATE steps SET
			status = $1,
			attempts = 0,
			error_message = '',
			worker_id = '',
			started_at = NULL,
			ended_at = NULL,
			updated_at = NOW()
		WHERE id = $2 AND job_id = $3 AND status = $4
		RETURNING `+stepColumns,
		StepStatusQueued, stepID, jobID, StepStatusFailed,
	).StructScan(&step)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			checkErr := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM steps WHERE id = $1 AND job_id = $2)`,
				stepID, jobID,
			).Scan(&exists)
			if checkErr != nil {
				return nil, fmt.Errorf("failed to check step: %w", checkErr)
			}
			if !exists {
				return nil, ErrNotFound
			}
			return nil, ErrNotRetryable
		}
		return nil, fmt.Errorf("failed to retry step: %w", err)
	}

	// A FAILED job blocks claiming; reopen it for this rerun.
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = $1, error_message = '', updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		JobStatusRunning, jobID, JobStatusFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to reopen job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit step retry: %w", err)
	}

	s.logger.Info("Step manually retried",
		slog.String("step_id", stepID),
		slog.String("job_id", jobID),
	)

	return &step, nil
}

// ReapStuck reclaims RUNNING steps abandoned past ttl. Liveness is purely
// wall-clock on started_at; there are no worker heartbeats.
func (s *PostgresStore) ReapStuck(ctx context.Context, ttl time.Duration) (*ReapResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result := &ReapResult{}

	requeueRows, err := tx.QueryContext(ctx, `
		UPDATE steps SET
			status = $1,
			attempts = attempts + 1,
			error_message = 'step reclaimed after worker timeout',
			worker_id = '',
			started_at = NULL,
			updated_at = NOW()
		WHERE status = $2
		  AND started_at < NOW() - ($3 * interval '1 second')
		  AND attempts + 1 < max_attempts
		RETURNING job_id`,
		StepStatusQueued, StepStatusRunning, ttl.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to requeue stuck steps: %w", err)
	}
	for requeueRows.Next() {
		var jobID string
		if err := requeueRows.Scan(&jobID); err != nil {
			requeueRows.Close()
			return nil, fmt.Errorf("failed to scan requeued job id: %w", err)
		}
		result.RequeuedJobs = append(result.RequeuedJobs, jobID)
	}
	requeueRows.Close()
	if err := requeueRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read requeued steps: %w", err)
	}
	result.Requeued = len(result.RequeuedJobs)

	rows, err := tx.QueryContext(ctx, `
		UPDATE steps SET
			status = $1,
			attempts = attempts + 1,
			error_message = 'max retries exceeded',
			ended_at = NOW(),
			updated_at = NOW()
		WHERE status = $2
		  AND started_at < NOW() - ($3 * interval '1 second')
		  AND attempts + 1 >= max_attempts
		RETURNING job_id`,
		StepStatusFailed, StepStatusRunning, ttl.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fail exhausted stuck steps: %w", err)
	}

	var failedJobIDs []string
	for rows.Next() {
		var jobID string
		if err := rows.Scan(&jobID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		failedJobIDs = append(failedJobIDs, jobID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read exhausted steps: %w", err)
	}

	for _, jobID := range failedJobIDs {
		var job Job
		err = tx.QueryRowxContext(ctx, `
			UPDATE jobs SET status = $1, error_message = 'max retries exceeded', updated_at = NOW()
			WHERE id = $2 AND status NOT IN ($1, $3, $4)
			RETURNING `+jobColumns,
			JobStatusFailed, jobID, JobStatusCanceled, JobStatusCompleted,
		).StructScan(&job)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("failed to cascade reaped job: %w", err)
		}
		result.FailedJobs = append(result.FailedJobs, &job)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reap: %w", err)
	}

	if result.Requeued > 0 || len(result.FailedJobs) > 0 {
		s.logger.Warn("Stuck steps reclaimed",
			slog.Int("requeued", result.Requeued),
			slog.Int("failed_jobs", len(result.FailedJobs)),
			slog.Duration("ttl", ttl),
		)
	}

	return result, nil
}

// GetJob retrieves a job by id.
func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	err := s.db.GetContext(ctx, &job,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// GetSteps retrieves all steps of a job in index order.
func (s *PostgresStore) GetSteps(ctx context.Context, jobID string) ([]Step, error) {
	var steps []Step
	err := s.db.SelectContext(ctx, &steps,
		`SELECT `+stepColumns+` FROM steps WHERE job_id = $1 ORDER BY step_index ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get steps: %w", err)
	}
	return steps, nil
}

// ListJobs lists jobs with optional filters and cursor pagination.
func (s *PostgresStore) ListJobs(ctx context.Context, filter ListFilter) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.TenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", argIdx)
		args = append(args, filter.TenantID)
		argIdx++
	}

	if filter.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, filter.Kind)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"

	// Fetch one extra row so the caller can detect a next page.
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// SetJobStatusCache refreshes the cached job status projection.
func (s *PostgresStore) SetJobStatusCache(ctx context.Context, jobID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status NOT IN ($3, $4)`,
		status, jobID, JobStatusFailed, JobStatusCanceled,
	)
	if err != nil {
		return fmt.Errorf("failed to set job status cache: %w", err)
	}
	return nil
}

func stepID(jobID string, index int) string {
	return fmt.Sprintf("%s-s%02d", jobID, index)
}

var _ Store = (*PostgresStore)(nil)
