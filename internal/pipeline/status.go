package pipeline

import (
	"github.com/studioforge/studio-be/internal/jobstore"
)

// EffectiveStatus derives the true job status from its step set. It is
// evaluated on every status read instead of trusting the stored job status,
// because the claim protocol, the reaper and the compensation path mutate
// steps independently and any cached aggregate can transiently lag.
//
// Priority order: a terminally failed step wins, then full completion, then
// cancellation, then any in-flight step, else queued. Pure and idempotent.
func EffectiveStatus(steps []jobstore.Step) string {
	if len(steps) == 0 {
		return jobstore.JobStatusQueued
	}

	completed := 0
	canceled := false
	inFlight := false

	for _, step := range steps {
		switch step.Status {
		case jobstore.StepStatusFailed:
			if step.Attempts >= step.MaxAttempts {
				return jobstore.JobStatusFailed
			}
			inFlight = true
		case jobstore.StepStatusCompleted:
			completed++
		case jobstore.StepStatusCanceled:
			canceled = true
		case jobstore.StepStatusRunning, jobstore.StepStatusQueued:
			inFlight = true
		}
	}

	switch {
	case completed == len(steps):
		return jobstore.JobStatusCompleted
	case canceled:
		return jobstore.JobStatusCanceled
	case inFlight:
		return jobstore.JobStatusRunning
	default:
		return jobstore.JobStatusQueued
	}
}
