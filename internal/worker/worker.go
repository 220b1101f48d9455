package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/studioforge/studio-be/internal/cache"
	"github.com/studioforge/studio-be/internal/compensate"
	"github.com/studioforge/studio-be/internal/generate"
	"github.com/studioforge/studio-be/internal/jobstore"
	"github.com/studioforge/studio-be/internal/notify"
	"github.com/studioforge/studio-be/shared/rabbitmq"
)

// Config holds worker configuration
type Config struct {
	Logger       *slog.Logger
	Store        jobstore.Store
	Generator    generate.Generator
	Notifier     notify.Notifier
	Compensator  *compensate.Coordinator
	RabbitClient *rabbitmq.Client // optional; nil disables push wake-ups
	Cache        cache.Cache      // optional; nil skips status-cache invalidation
	Concurrency  int
	StepTimeout  time.Duration
	PollInterval time.Duration
	ReapInterval time.Duration
	StepTTL      time.Duration
}

// Worker runs the step-executor pool and the stuck-step reaper. Executors
// claim work exclusively through the store's conditional updates; queue
// messages are wake-up hints only, so any number of worker processes can run
// side by side without coordination.
type Worker struct {
	logger       *slog.Logger
	store        jobstore.Store
	generator    generate.Generator
	notifier     notify.Notifier
	compensator  *compensate.Coordinator
	rabbitClient *rabbitmq.Client
	cache        cache.Cache
	concurrency  int
	stepTimeout  time.Duration
	pollInterval time.Duration
	reapInterval time.Duration
	stepTTL      time.Duration
	workerID     string
	wakeChan     chan struct{}
	wg           sync.WaitGroup
	stopChan     chan struct{}
	stopOnce     sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}

	return &Worker{
		logger:       cfg.Logger,
		store:        cfg.Store,
		generator:    cfg.Generator,
		notifier:     notifier,
		compensator:  cfg.Compensator,
		rabbitClient: cfg.RabbitClient,
		cache:        cfg.Cache,
		concurrency:  cfg.Concurrency,
		stepTimeout:  cfg.StepTimeout,
		pollInterval: cfg.PollInterval,
		reapInterval: cfg.ReapInterval,
		stepTTL:      cfg.StepTTL,
		workerID:     fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		wakeChan:     make(chan struct{}, 1),
		stopChan:     make(chan struct{}),
	}
}

// Start begins claiming and executing steps. It blocks until ctx is canceled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("step_timeout", w.stepTimeout),
		slog.Duration("step_ttl", w.stepTTL),
	)

	if w.rabbitClient != nil {
		deliveries, err := w.setupConsumer()
		if err != nil {
			return fmt.Errorf("failed to set up consumer: %w", err)
		}
		w.wg.Add(1)
		go w.wakeDispatcher(ctx, deliveries)
	}

	w.spawnExecutorPool(ctx)

	w.wg.Add(1)
	go w.reaperLoop(ctx)

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")

	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// spawnExecutorPool spawns N executor goroutines based on concurrency configuration
func (w *Worker) spawnExecutorPool(ctx context.Context) {
	w.logger.Info("Spawning executor pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.executorLoop(ctx, i)
	}
}

// wake nudges one idle executor. Dropping the signal when the buffer is full
// is fine: an executor drains the whole queue once it wakes.
func (w *Worker) wake() {
	select {
	case w.wakeChan <- struct{}{}:
	default:
	}
}

// invalidateStatus drops the cached status payload of a mutated job so the
// next status read recomputes from the store. The cache is a projection; a
// failed delete only extends staleness to the entry's TTL.
func (w *Worker) invalidateStatus(ctx context.Context, jobID string) {
	if w.cache == nil {
		return
	}
	if err := w.cache.DeleteJobStatus(ctx, jobID); err != nil {
		w.logger.Warn("Failed to invalidate status cache",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}
