package jobstore

import (
	"encoding/json"
	"time"
)

// Job status constants. The stored job status is a cached projection; the
// authoritative value is always recomputed from the step set (see
// pipeline.EffectiveStatus).
const (
	JobStatusQueued    = "QUEUED"
	JobStatusRunning   = "RUNNING"
	JobStatusCompleted = "COMPLETED"
	JobStatusFailed    = "FAILED"
	JobStatusCanceled  = "CANCELED"
)

// Step status constants
const (
	StepStatusPending   = "PENDING"
	StepStatusQueued    = "QUEUED"
	StepStatusRunning   = "RUNNING"
	StepStatusCompleted = "COMPLETED"
	StepStatusFailed    = "FAILED"
	StepStatusCanceled  = "CANCELED"
)

// Job is one end-to-end creation request decomposed into ordered steps.
type Job struct {
	ID              string          `db:"id"`
	TenantID        string          `db:"tenant_id"`
	Kind            string          `db:"kind"`
	Status          string          `db:"status"`
	Spec            json.RawMessage `db:"spec"`
	ReservedCredits int             `db:"reserved_credits"`
	ErrorMessage    string          `db:"error_message"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

// Step is one pipeline stage of a job. Step indexes for a job are exactly
// 0..N-1 in template order; index i+1 is never claimable before index i
// completed.
type Step struct {
	ID           string          `db:"id"`
	JobID        string          `db:"job_id"`
	StepType     string          `db:"step_type"`
	StepIndex    int             `db:"step_index"`
	Status       string          `db:"status"`
	Attempts     int             `db:"attempts"`
	MaxAttempts  int             `db:"max_attempts"`
	Output       json.RawMessage `db:"output"`
	ErrorMessage string          `db:"error_message"`
	WorkerID     string          `db:"worker_id"`
	StartedAt    *time.Time      `db:"started_at"`
	EndedAt      *time.Time      `db:"ended_at"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

// StepOutput is the payload a worker records on step completion. Group keys
// multi-part deliverables (e.g. a carousel's slides) for asset aggregation.
type StepOutput struct {
	URL   string `json:"url,omitempty"`
	Group string `json:"group,omitempty"`
	Index int    `json:"index,omitempty"`
}

// FailStepResult reports what a FailStep transition did, so the caller can
// drive compensation exactly once.
type FailStepResult struct {
	Requeued  bool
	JobFailed bool
	Job       *Job
}

// ReapResult summarizes one stuck-step sweep. RequeuedJobs carries the job
// ids whose steps were reclaimed so callers can invalidate derived state.
type ReapResult struct {
	Requeued     int
	RequeuedJobs []string
	FailedJobs   []*Job
}
