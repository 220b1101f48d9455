package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/studioforge/studio-be/internal/cache"
	"github.com/studioforge/studio-be/internal/compensate"
	"github.com/studioforge/studio-be/internal/credit"
	"github.com/studioforge/studio-be/internal/jobstore"
	"github.com/studioforge/studio-be/internal/notify"
)

// HealthChecker probes the readiness of a backing dependency.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Store       jobstore.Store
	Ledger      credit.Ledger
	Compensator *compensate.Coordinator
	Notifier    notify.Notifier
	Cache       cache.Cache   // optional; nil disables the status cache
	DB          HealthChecker // optional; nil skips the database health probe
	StatusTTL   time.Duration
	MaxAttempts int
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger      *slog.Logger
	store       jobstore.Store
	ledger      credit.Ledger
	compensator *compensate.Coordinator
	notifier    notify.Notifier
	cache       cache.Cache
	statusTTL   time.Duration
	maxAttempts int
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}

	statusTTL := deps.StatusTTL
	if statusTTL <= 0 {
		statusTTL = 2 * time.Second
	}

	maxAttempts := deps.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	return &JobHandler{
		logger:      deps.Logger,
		store:       deps.Store,
		ledger:      deps.Ledger,
		compensator: deps.Compensator,
		notifier:    notifier,
		cache:       deps.Cache,
		statusTTL:   statusTTL,
		maxAttempts: maxAttempts,
	}
}
