package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/studioforge/studio-be/internal/notify"
)

// reaperLoop periodically reclaims steps abandoned by crashed executors.
// Liveness is purely wall-clock and pull-based: a step RUNNING longer than
// the TTL is either requeued or terminally failed, so failure-detection
// latency is bounded by the sweep interval. The TTL must sit well above the
// slowest legitimate step's worst-case duration or long renders get falsely
// reclaimed.
func (w *Worker) reaperLoop(ctx context.Context) {
	defer w.wg.Done()

	w.logger.Info("Reaper started",
		slog.Duration("interval", w.reapInterval),
		slog.Duration("step_ttl", w.stepTTL),
	)

	ticker := time.NewTicker(w.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Reaper stopping - stopChan closed")
			return
		case <-ctx.Done():
			w.logger.Info("Reaper stopping - context canceled")
			return
		case <-ticker.C:
			w.reapOnce(ctx)
		}
	}
}

// reapOnce runs one sweep. Jobs cascaded to failure here get their
// compensating refund, exactly like an executor-observed terminal failure.
func (w *Worker) reapOnce(ctx context.Context) {
	result, err := w.store.ReapStuck(ctx, w.stepTTL)
	if err != nil {
		w.logger.Error("Stuck-step sweep failed",
			slog.String("error", err.Error()),
		)
		return
	}

	if result.Requeued > 0 {
		// Requeued steps are claimable immediately.
		w.wake()
	}
	for _, jobID := range result.RequeuedJobs {
		w.invalidateStatus(ctx, jobID)
	}

	for _, job := range result.FailedJobs {
		w.invalidateStatus(ctx, job.ID)
		w.compensator.RefundJob(ctx, job, "job failed: max retries exceeded")
		_ = w.notifier.JobEvent(ctx, job.ID, notify.EventJobFailed)
	}
}
