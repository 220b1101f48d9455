package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/studioforge/studio-be/internal/api/dto"
	"github.com/studioforge/studio-be/internal/credit"
	"github.com/studioforge/studio-be/internal/jobstore"
	"github.com/studioforge/studio-be/internal/notify"
	"github.com/studioforge/studio-be/internal/pipeline"
)

// SubmitJob handles POST /api/v1/jobs
// Compiles the spec, reserves credit, and creates the job with all of its
// steps. The reservation happens strictly before any job row exists, so no
// unpaid-for work is ever queued.
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	steps, cost, err := pipeline.Compile(req.Kind, pipeline.Params{
		ImageCount: req.ImageCount,
		SlideCount: req.SlideCount,
		ClipCount:  req.ClipCount,
	})
	if err != nil {
		h.logger.Error("Spec rejected", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	remaining, err := h.ledger.Reserve(
		c.Request.Context(),
		req.TenantID,
		cost,
		"job:"+req.Kind,
		"reserve:"+req.IdempotencyKey,
	)
	if err != nil {
		switch {
		case errors.Is(err, credit.ErrInsufficientCredit):
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error": "Insufficient credit",
				"cost":  cost,
			})
		case errors.Is(err, credit.ErrDuplicateRef):
			c.JSON(http.StatusConflict, gin.H{
				"error": "Duplicate idempotency key",
			})
		default:
			h.logger.Error("Failed to reserve credit", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to reserve credit",
			})
		}
		return
	}

	spec, err := json.Marshal(req)
	if err != nil {
		h.compensator.RefundOrphan(c.Request.Context(), req.TenantID, cost, req.IdempotencyKey)
		h.logger.Error("Failed to snapshot spec", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	job, createdSteps, err := h.store.CreateJob(c.Request.Context(), jobstore.NewJob{
		ID:              uuid.New().String(),
		TenantID:        req.TenantID,
		Kind:            req.Kind,
		Spec:            spec,
		ReservedCredits: cost,
		StepTypes:       steps,
		MaxAttempts:     h.maxAttempts,
	})
	if err != nil {
		// The reservation is now orphaned: no job row exists to track it, so
		// compensate it explicitly.
		h.compensator.RefundOrphan(c.Request.Context(), req.TenantID, cost, req.IdempotencyKey)
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	_ = h.notifier.JobEvent(c.Request.Context(), job.ID, notify.EventJobCreated)

	h.logger.Info("Job submitted",
		slog.String("job_id", job.ID),
		slog.String("tenant_id", job.TenantID),
		slog.String("kind", job.Kind),
		slog.Int("cost", cost),
		slog.Int("steps", len(createdSteps)),
	)

	c.JSON(http.StatusAccepted, dto.SubmitJobResponse{
		JobID:            job.ID,
		Status:           job.Status,
		Cost:             cost,
		RemainingCredits: remaining,
		StepCount:        len(createdSteps),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// The returned status is recomputed from the step set on every read; the
// cache only absorbs hot polling and expires within the status TTL.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	if h.cache != nil {
		if payload, ok, err := h.cache.GetJobStatus(c.Request.Context(), jobID); err == nil && ok {
			c.Data(http.StatusOK, "application/json", payload)
			return
		}
	}

	job, err := h.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	steps, err := h.store.GetSteps(c.Request.Context(), jobID)
	if err != nil {
		h.logger.Error("Failed to get steps", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	resp := buildStatusResponse(job, steps)

	if h.cache != nil {
		if payload, err := json.Marshal(resp); err == nil {
			_ = h.cache.SetJobStatus(c.Request.Context(), jobID, payload, h.statusTTL)
		}
	}

	c.JSON(http.StatusOK, resp)
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), jobstore.ListFilter{
		TenantID: req.TenantID,
		Kind:     req.Kind,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobSummaryDTO, len(jobs))
	for i, job := range jobs {
		jobResponse[i] = dto.JobSummaryDTO{
			JobID:     job.ID,
			TenantID:  job.TenantID,
			Kind:      job.Kind,
			Status:    job.Status,
			CreatedAt: job.CreatedAt.Format(time.RFC3339),
			UpdatedAt: job.UpdatedAt.Format(time.RFC3339),
		}
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor, err = EncodeJobCursor(&jobstore.Cursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.ID,
		})
		if err != nil {
			h.logger.Error("Failed to encode next cursor", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to encode next cursor",
			})
			return
		}
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Flips all non-terminal steps to canceled and runs the same refund path as
// failure. Already-completed step outputs stay retrievable.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	result, err := h.store.CancelJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to cancel job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to cancel job",
		})
		return
	}

	if !result.Won {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "Job is already in a terminal state",
			"status": result.Job.Status,
		})
		return
	}

	h.compensator.RefundJob(c.Request.Context(), result.Job, "job canceled")
	_ = h.notifier.JobEvent(c.Request.Context(), jobID, notify.EventJobCanceled)
	h.invalidateStatus(c, jobID)

	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID,
		"status": jobstore.JobStatusCanceled,
	})
}

// RetryStep handles POST /api/v1/jobs/:job_id/steps/:step_id/retry
// Manually resets one failed step to queued with attempts cleared. Admission
// control is not re-run: the original refund stays spent, so a retry after a
// refund reruns work that is no longer paid for. Known policy gap.
func (h *JobHandler) RetryStep(c *gin.Context) {
	jobID := c.Param("job_id")
	stepID := c.Param("step_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	step, err := h.store.RetryStep(c.Request.Context(), jobID, stepID)
	if err != nil {
		switch {
		case errors.Is(err, jobstore.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Step not found",
			})
		case errors.Is(err, jobstore.ErrNotRetryable):
			c.JSON(http.StatusConflict, gin.H{
				"error": "Only failed steps can be retried",
			})
		default:
			h.logger.Error("Failed to retry step", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to retry step",
			})
		}
		return
	}

	_ = h.notifier.JobEvent(c.Request.Context(), jobID, notify.EventStepRetried)
	h.invalidateStatus(c, jobID)

	h.logger.Info("Step retry requested",
		slog.String("job_id", jobID),
		slog.String("step_id", stepID),
	)

	c.JSON(http.StatusOK, gin.H{
		"job_id":  jobID,
		"step_id": step.ID,
		"status":  step.Status,
	})
}

func (h *JobHandler) invalidateStatus(c *gin.Context, jobID string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.DeleteJobStatus(c.Request.Context(), jobID); err != nil {
		h.logger.Warn("Failed to invalidate status cache",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

// buildStatusResponse derives the client-facing view: effective status from
// the step set, assets aggregated from completed outputs, and the last
// failing step's error when terminal.
func buildStatusResponse(job *jobstore.Job, steps []jobstore.Step) dto.JobStatusResponse {
	stepDTOs := make([]dto.StepDTO, len(steps))
	var lastError string
	for i, step := range steps {
		stepDTOs[i] = dto.StepDTO{
			StepID:    step.ID,
			StepType:  step.StepType,
			StepIndex: step.StepIndex,
			Status:    step.Status,
			Attempts:  step.Attempts,
			Error:     step.ErrorMessage,
		}
		if step.Status == jobstore.StepStatusFailed && step.ErrorMessage != "" {
			lastError = step.ErrorMessage
		}
	}

	status := pipeline.EffectiveStatus(steps)

	var jobError string
	if status == jobstore.JobStatusFailed {
		jobError = lastError
		if jobError == "" {
			jobError = job.ErrorMessage
		}
	}

	return dto.JobStatusResponse{
		JobID:     job.ID,
		TenantID:  job.TenantID,
		Kind:      job.Kind,
		Status:    status,
		Steps:     stepDTOs,
		Assets:    pipeline.Assets(steps),
		Error:     jobError,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.Format(time.RFC3339),
	}
}
