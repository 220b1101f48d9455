package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/studioforge/studio-be/internal/jobstore"
	"github.com/studioforge/studio-be/internal/pipeline"
)

// ErrWatchExhausted is returned when the poll cap is reached before the job
// goes terminal.
var ErrWatchExhausted = errors.New("watch poll budget exhausted")

// Watcher is the polling fallback for when the push channel is unavailable:
// a fixed interval and a capped attempt count, recomputing the effective
// status from the store on every poll.
type Watcher struct {
	store    jobstore.Store
	interval time.Duration
	maxPolls int
	logger   *slog.Logger
}

// NewWatcher creates a Watcher polling every interval, at most maxPolls times.
func NewWatcher(store jobstore.Store, interval time.Duration, maxPolls int, logger *slog.Logger) *Watcher {
	return &Watcher{
		store:    store,
		interval: interval,
		maxPolls: maxPolls,
		logger:   logger,
	}
}

// Watch polls the job until it reaches a terminal status, the poll cap is
// hit, or ctx is canceled. onChange (optional) fires on every observed status
// change. The last observed status is always returned.
func (w *Watcher) Watch(ctx context.Context, jobID string, onChange func(status string)) (string, error) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var last string
	for poll := 0; poll < w.maxPolls; poll++ {
		steps, err := w.store.GetSteps(ctx, jobID)
		if err != nil {
			return last, fmt.Errorf("poll job %s: %w", jobID, err)
		}

		status := pipeline.EffectiveStatus(steps)
		if status != last {
			w.logger.Debug("Watched job status changed",
				slog.String("job_id", jobID),
				slog.String("status", status),
			)
			if onChange != nil {
				onChange(status)
			}
			last = status
		}

		switch status {
		case jobstore.JobStatusCompleted, jobstore.JobStatusFailed, jobstore.JobStatusCanceled:
			return status, nil
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}

	return last, ErrWatchExhausted
}
