package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/studioforge/studio-be/internal/generate"
	"github.com/studioforge/studio-be/internal/jobstore"
	"github.com/studioforge/studio-be/internal/notify"
	"github.com/studioforge/studio-be/internal/pipeline"
)

// jobSpec is the slice of the stored spec snapshot the executor needs to
// drive generation calls.
type jobSpec struct {
	Prompt string   `json:"prompt"`
	Ratio  string   `json:"ratio"`
	Refs   []string `json:"refs"`
}

// executorLoop is the main processing loop of one executor goroutine: claim
// the next step, run it, repeat. When the queue is drained it blocks on the
// wake channel with a poll-interval fallback, so progress never depends on a
// queue message arriving.
func (w *Worker) executorLoop(ctx context.Context, executorNum int) {
	defer w.wg.Done()

	executorName := fmt.Sprintf("%s-%d", w.workerID, executorNum)
	w.logger.Info("Executor started",
		slog.String("executor", executorName),
	)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Executor stopping - stopChan closed",
				slog.String("executor", executorName),
			)
			return
		case <-ctx.Done():
			w.logger.Info("Executor stopping - context canceled",
				slog.String("executor", executorName),
			)
			return
		default:
		}

		step, err := w.store.ClaimNextStep(ctx, executorName)
		if err != nil {
			if !errors.Is(err, jobstore.ErrNoEligibleStep) {
				w.logger.Error("Failed to claim step",
					slog.String("executor", executorName),
					slog.String("error", err.Error()),
				)
			}

			select {
			case <-w.stopChan:
				return
			case <-ctx.Done():
				return
			case <-w.wakeChan:
			case <-ticker.C:
			}
			continue
		}

		w.processStep(ctx, executorName, step)
	}
}

// processStep executes one claimed step end to end: invoke the external
// collaborator under a timeout and record the outcome. A cascaded job
// failure triggers the compensating refund here, on the code path that won
// the terminal transition.
func (w *Worker) processStep(ctx context.Context, executorName string, step *jobstore.Step) {
	w.logger.Info("Processing step",
		slog.String("executor", executorName),
		slog.String("step_id", step.ID),
		slog.String("job_id", step.JobID),
		slog.String("step_type", step.StepType),
		slog.Int("attempt", step.Attempts+1),
	)

	result, genErr := w.runGeneration(ctx, step)

	if genErr != nil {
		w.logger.Error("Step execution failed",
			slog.String("executor", executorName),
			slog.String("step_id", step.ID),
			slog.String("step_type", step.StepType),
			slog.String("error", genErr.Error()),
		)

		failResult, err := w.store.FailStep(ctx, step.ID, genErr.Error())
		if err != nil {
			if errors.Is(err, jobstore.ErrNotClaimable) {
				// The reaper got here first; its transition stands.
				w.logger.Warn("Step no longer running, skipping failure record",
					slog.String("step_id", step.ID),
				)
				return
			}
			w.logger.Error("Failed to record step failure",
				slog.String("step_id", step.ID),
				slog.String("error", err.Error()),
			)
			return
		}

		w.invalidateStatus(ctx, step.JobID)
		if failResult.JobFailed {
			w.compensator.RefundJob(ctx, failResult.Job, "job failed: "+genErr.Error())
			_ = w.notifier.JobEvent(ctx, step.JobID, notify.EventJobFailed)
		} else {
			_ = w.notifier.JobEvent(ctx, step.JobID, notify.EventStepFailed)
		}
		return
	}

	output, err := json.Marshal(jobstore.StepOutput{
		URL:   result.URL,
		Group: outputGroup(step.StepType),
		Index: step.StepIndex,
	})
	if err != nil {
		w.logger.Error("Failed to marshal step output",
			slog.String("step_id", step.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := w.store.CompleteStep(ctx, step.ID, output); err != nil {
		if errors.Is(err, jobstore.ErrNotClaimable) {
			w.logger.Warn("Step no longer running, skipping completion record",
				slog.String("step_id", step.ID),
			)
			return
		}
		w.logger.Error("Failed to record step completion",
			slog.String("step_id", step.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	w.logger.Info("Step completed",
		slog.String("executor", executorName),
		slog.String("step_id", step.ID),
		slog.String("job_id", step.JobID),
	)

	w.invalidateStatus(ctx, step.JobID)
	_ = w.notifier.JobEvent(ctx, step.JobID, notify.EventStepCompleted)

	// More steps of this job may have unlocked.
	w.wake()

	job, err := w.store.GetJob(ctx, step.JobID)
	if err == nil && job.Status == jobstore.JobStatusCompleted {
		_ = w.notifier.JobEvent(ctx, step.JobID, notify.EventJobCompleted)
	}
}

// runGeneration invokes the step's external collaborator with a bounded
// timeout. Nothing is held across the call.
func (w *Worker) runGeneration(ctx context.Context, step *jobstore.Step) (*generate.Result, error) {
	job, err := w.store.GetJob(ctx, step.JobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}

	var spec jobSpec
	if len(job.Spec) > 0 {
		if err := json.Unmarshal(job.Spec, &spec); err != nil {
			return nil, fmt.Errorf("parse job spec: %w", err)
		}
	}

	stepCtx, cancel := context.WithTimeout(ctx, w.stepTimeout)
	defer cancel()

	return w.generator.Generate(stepCtx, generate.Request{
		JobID:     step.JobID,
		StepID:    step.ID,
		StepType:  step.StepType,
		StepIndex: step.StepIndex,
		Prompt:    spec.Prompt,
		Ratio:     spec.Ratio,
		Refs:      spec.Refs,
	})
}

// outputGroup keys multi-part deliverables so the status API can aggregate
// them (e.g. all of a carousel's slides under one group).
func outputGroup(stepType string) string {
	switch stepType {
	case pipeline.StepGenSlide:
		return "slides"
	case pipeline.StepGenImage:
		return "images"
	case pipeline.StepGenKeyframe:
		return "keyframes"
	case pipeline.StepAnimateClip:
		return "clips"
	case pipeline.StepExtractThumbnails:
		return "thumbnails"
	default:
		return ""
	}
}
