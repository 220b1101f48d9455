// Package compensate issues the compensating refund when a job first reaches
// terminal failure or cancellation.
package compensate

import (
	"context"
	"log/slog"

	"github.com/studioforge/studio-be/internal/credit"
	"github.com/studioforge/studio-be/internal/jobstore"
)

// Coordinator refunds a job's full reservation at most once. Callers invoke
// it only from the code path that won the job's terminal transition, and the
// per-job refund ref makes even a duplicate invocation a no-op.
type Coordinator struct {
	ledger credit.Ledger
	logger *slog.Logger
}

// NewCoordinator creates a new Coordinator.
func NewCoordinator(ledger credit.Ledger, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		ledger: ledger,
		logger: logger,
	}
}

// RefundJob returns the job's full remaining reservation. A refund failure is
// logged for later reconciliation; it never blocks or alters the job's
// already-terminal status, so no error is returned.
func (c *Coordinator) RefundJob(ctx context.Context, job *jobstore.Job, reason string) {
	if job.ReservedCredits <= 0 {
		return
	}

	ref := RefundRef(job.ID)
	if err := c.ledger.Refund(ctx, job.TenantID, job.ReservedCredits, reason, ref); err != nil {
		c.logger.Error("Refund failed, needs reconciliation",
			slog.String("job_id", job.ID),
			slog.String("tenant_id", job.TenantID),
			slog.Int("amount", job.ReservedCredits),
			slog.String("ref", ref),
			slog.String("error", err.Error()),
		)
		return
	}

	c.logger.Info("Job reservation refunded",
		slog.String("job_id", job.ID),
		slog.String("tenant_id", job.TenantID),
		slog.Int("amount", job.ReservedCredits),
		slog.String("reason", reason),
	)
}

// RefundOrphan compensates a reservation whose job creation subsequently
// failed. No job row exists to track it, so the submit request's id keys the
// refund.
func (c *Coordinator) RefundOrphan(ctx context.Context, tenantID string, amount int, requestRef string) {
	ref := "refund:orphan:" + requestRef
	if err := c.ledger.Refund(ctx, tenantID, amount, "orphaned reservation", ref); err != nil {
		c.logger.Error("Orphan refund failed, needs reconciliation",
			slog.String("tenant_id", tenantID),
			slog.Int("amount", amount),
			slog.String("ref", ref),
			slog.String("error", err.Error()),
		)
	}
}

// RefundRef is the idempotency reference of a job's single full refund.
func RefundRef(jobID string) string {
	return "refund:job:" + jobID
}
