package dto

import "github.com/studioforge/studio-be/internal/pipeline"

// SubmitJobRequest is the declarative creation request. IdempotencyKey keys
// the credit reservation, so a retried submit cannot double-reserve.
type SubmitJobRequest struct {
	IdempotencyKey string   `json:"idempotency_key" binding:"required"`
	TenantID       string   `json:"tenant_id" binding:"required"`
	Kind           string   `json:"kind" binding:"required"`
	Prompt         string   `json:"prompt"`
	Ratio          string   `json:"ratio"`
	Refs           []string `json:"refs,omitempty"`
	ImageCount     int      `json:"image_count,omitempty"`
	SlideCount     int      `json:"slide_count,omitempty"`
	ClipCount      int      `json:"clip_count,omitempty"`
}

// SubmitJobResponse returns the stable job id immediately on successful
// admission; all later failures are observed via the status endpoint.
type SubmitJobResponse struct {
	JobID            string `json:"job_id"`
	Status           string `json:"status"`
	Cost             int    `json:"cost"`
	RemainingCredits int    `json:"remaining_credits"`
	StepCount        int    `json:"step_count"`
}

// StepDTO is one pipeline stage in a status response.
type StepDTO struct {
	StepID    string `json:"step_id"`
	StepType  string `json:"step_type"`
	StepIndex int    `json:"step_index"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
}

// JobStatusResponse is the client-facing view of a job. Status is recomputed
// from the step set on every read.
type JobStatusResponse struct {
	JobID     string           `json:"job_id"`
	TenantID  string           `json:"tenant_id"`
	Kind      string           `json:"kind"`
	Status    string           `json:"status"`
	Steps     []StepDTO        `json:"steps"`
	Assets    []pipeline.Asset `json:"assets"`
	Error     string           `json:"error,omitempty"`
	CreatedAt string           `json:"created_at"`
	UpdatedAt string           `json:"updated_at"`
}

// ListJobsRequest filters and paginates the job list.
type ListJobsRequest struct {
	TenantID string `form:"tenant_id"`
	Kind     string `form:"kind"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

// JobSummaryDTO is one row of a job list.
type JobSummaryDTO struct {
	JobID     string `json:"job_id"`
	TenantID  string `json:"tenant_id"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// ListJobsResponse carries one page of jobs and the cursor of the next.
type ListJobsResponse struct {
	Jobs       []JobSummaryDTO `json:"jobs"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// CreditBalanceResponse is a tenant's current-period ledger position.
type CreditBalanceResponse struct {
	TenantID  string `json:"tenant_id"`
	Period    string `json:"period"`
	Quota     int    `json:"quota"`
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"`
}
