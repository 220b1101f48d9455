package jobstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a job or step cannot be found.
	ErrNotFound = errors.New("resource not found")

	// ErrNoEligibleStep is returned by ClaimNextStep when nothing is claimable.
	ErrNoEligibleStep = errors.New("no eligible step to claim")

	// ErrNotClaimable is returned when a step transition loses the conditional
	// update (already claimed, already terminal, or wrong status).
	ErrNotClaimable = errors.New("step not in a claimable state")

	// ErrNotRetryable is returned by RetryStep for steps that are not FAILED.
	ErrNotRetryable = errors.New("step is not in FAILED status")

	// ErrJobTerminal is returned when mutating a job already in a terminal state.
	ErrJobTerminal = errors.New("job is already in a terminal state")
)

// ListFilter narrows ListJobs. Cursor pagination follows (created_at, id)
// descending.
type ListFilter struct {
	TenantID string
	Kind     string
	Status   string
	PageSize int
	Cursor   *Cursor
}

// Cursor marks the position after the last returned job.
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// NewJob describes the rows CreateJob inserts atomically.
type NewJob struct {
	ID              string
	TenantID        string
	Kind            string
	Spec            []byte
	ReservedCredits int
	StepTypes       []string
	MaxAttempts     int
}

// CancelResult reports a cancel transition. Won is true only for the call
// that actually flipped the job, so the refund path runs at most once.
type CancelResult struct {
	Won bool
	Job *Job
}

// Store is the durable record of jobs and steps and the owner of the claim
// protocol. All cross-worker correctness rests on its conditional updates;
// implementations must not rely on process-local locking visible to callers.
type Store interface {
	// CreateJob inserts the job and all of its steps in one atomic
	// transaction. Step 0 starts QUEUED, the rest PENDING.
	CreateJob(ctx context.Context, job NewJob) (*Job, []Step, error)

	// ClaimNextStep atomically selects the lowest-index QUEUED step of the
	// oldest eligible job and flips it to RUNNING for workerID. At most one
	// concurrent caller wins any given step. Returns ErrNoEligibleStep when
	// the queue is drained.
	ClaimNextStep(ctx context.Context, workerID string) (*Step, error)

	// CompleteStep records terminal success for a RUNNING step and promotes
	// the next PENDING step (if any) to QUEUED in the same transaction.
	CompleteStep(ctx context.Context, stepID string, output []byte) error

	// FailStep increments the attempt count of a RUNNING step. Below the
	// attempt budget the step goes back to QUEUED; otherwise it is marked
	// FAILED and the parent job is cascaded to FAILED.
	FailStep(ctx context.Context, stepID string, stepErr string) (*FailStepResult, error)

	// CancelJob flips all non-terminal steps to CANCELED and the job to
	// CANCELED. Completed step outputs are retained.
	CancelJob(ctx context.Context, jobID string) (*CancelResult, error)

	// RetryStep manually resets one FAILED step to QUEUED with attempts
	// cleared. It does not re-run admission control.
	RetryStep(ctx context.Context, jobID, stepID string) (*Step, error)

	// ReapStuck requeues RUNNING steps whose started_at is older than ttl and
	// still have attempt budget, and terminally fails the rest, cascading
	// their jobs.
	ReapStuck(ctx context.Context, ttl time.Duration) (*ReapResult, error)

	GetJob(ctx context.Context, jobID string) (*Job, error)
	GetSteps(ctx context.Context, jobID string) ([]Step, error)
	ListJobs(ctx context.Context, filter ListFilter) ([]Job, error)

	// SetJobStatusCache refreshes the cached job status projection. Readers
	// must never trust it over a recomputation from the step set.
	SetJobStatusCache(ctx context.Context, jobID, status string) error
}
