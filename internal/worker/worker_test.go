package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/studioforge/studio-be/internal/compensate"
	"github.com/studioforge/studio-be/internal/credit"
	"github.com/studioforge/studio-be/internal/generate"
	"github.com/studioforge/studio-be/internal/jobstore"
	"github.com/studioforge/studio-be/internal/notify"
	"github.com/studioforge/studio-be/internal/pipeline"
)

// recordingNotifier captures emitted events for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) JobEvent(_ context.Context, jobID, kind string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notify.Event{JobID: jobID, Kind: kind, At: time.Now()})
	return nil
}

func (n *recordingNotifier) count(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.Kind == kind {
			c++
		}
	}
	return c
}

// recordingCache counts status-cache invalidations per job.
type recordingCache struct {
	mu      sync.Mutex
	deleted []string
}

func (c *recordingCache) GetJobStatus(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}

func (c *recordingCache) SetJobStatus(context.Context, string, []byte, time.Duration) error {
	return nil
}

func (c *recordingCache) DeleteJobStatus(_ context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, jobID)
	return nil
}

func (c *recordingCache) Ping(context.Context) error { return nil }

func (c *recordingCache) Close() error { return nil }

func (c *recordingCache) deletes(jobID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, id := range c.deleted {
		if id == jobID {
			n++
		}
	}
	return n
}

type fixture struct {
	store    *jobstore.MemoryStore
	ledger   *credit.MemoryLedger
	notifier *recordingNotifier
	cache    *recordingCache
	worker   *Worker
}

func newFixture(t *testing.T, gen generate.Generator) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := jobstore.NewMemoryStore()
	ledger := credit.NewMemoryLedger(100)
	notifier := &recordingNotifier{}
	statusCache := &recordingCache{}

	w := NewWorker(&Config{
		Logger:       logger,
		Store:        store,
		Generator:    gen,
		Notifier:     notifier,
		Compensator:  compensate.NewCoordinator(ledger, logger),
		Cache:        statusCache,
		Concurrency:  1,
		StepTimeout:  time.Second,
		PollInterval: 10 * time.Millisecond,
		ReapInterval: 10 * time.Millisecond,
		StepTTL:      10 * time.Minute,
	})

	return &fixture{store: store, ledger: ledger, notifier: notifier, cache: statusCache, worker: w}
}

// submit compiles a kind, reserves its cost and creates the job, mirroring
// the admission path.
func (f *fixture) submit(t *testing.T, jobID, kind string, params pipeline.Params) int {
	t.Helper()
	ctx := context.Background()

	stepTypes, cost, err := pipeline.Compile(kind, params)
	require.NoError(t, err)

	_, err = f.ledger.Reserve(ctx, "tenant-1", cost, "job:"+kind, "reserve:"+jobID)
	require.NoError(t, err)

	spec, err := json.Marshal(map[string]string{"prompt": "a red bicycle", "ratio": "1:1"})
	require.NoError(t, err)

	_, _, err = f.store.CreateJob(ctx, jobstore.NewJob{
		ID:              jobID,
		TenantID:        "tenant-1",
		Kind:            kind,
		Spec:            spec,
		ReservedCredits: cost,
		StepTypes:       stepTypes,
		MaxAttempts:     3,
	})
	require.NoError(t, err)
	return cost
}

// drain claims and processes steps until the queue is empty.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		step, err := f.store.ClaimNextStep(ctx, "executor-test")
		if errors.Is(err, jobstore.ErrNoEligibleStep) {
			return
		}
		require.NoError(t, err)
		f.worker.processStep(ctx, "executor-test", step)
	}
}

func (f *fixture) remaining(t *testing.T) int {
	t.Helper()
	balance, err := f.ledger.GetBalance(context.Background(), "tenant-1")
	require.NoError(t, err)
	return balance.Remaining
}

func TestWorker_CarouselCompletesWithoutRefund(t *testing.T) {
	f := newFixture(t, generate.NewMockGenerator())
	ctx := context.Background()

	cost := f.submit(t, "job-1", pipeline.KindCarousel, pipeline.Params{SlideCount: 3})
	assert.Equal(t, 10, cost)
	assert.Equal(t, 90, f.remaining(t))

	f.drain(t)

	steps, err := f.store.GetSteps(ctx, "job-1")
	require.NoError(t, err)
	for _, step := range steps {
		assert.Equal(t, jobstore.StepStatusCompleted, step.Status, step.StepType)
	}
	assert.Equal(t, jobstore.JobStatusCompleted, pipeline.EffectiveStatus(steps))

	// Completion is not a refund event.
	assert.Equal(t, 90, f.remaining(t))
	assert.Equal(t, 1, f.notifier.count(notify.EventJobCompleted))
	assert.Equal(t, len(steps), f.notifier.count(notify.EventStepCompleted))

	// Every generating step recorded a deliverable.
	assets := pipeline.Assets(steps)
	slideCount := 0
	for _, asset := range assets {
		if asset.Group == "slides" {
			slideCount++
		}
	}
	assert.Equal(t, 3, slideCount)
}

func TestWorker_FailureExhaustsAttemptsAndRefunds(t *testing.T) {
	f := newFixture(t, generate.NewFailingGenerator(errors.New("render backend down")))
	ctx := context.Background()

	cost := f.submit(t, "job-1", pipeline.KindMultiClipVideo, pipeline.Params{ClipCount: 1})
	assert.Equal(t, 25, cost)
	assert.Equal(t, 75, f.remaining(t))

	f.drain(t)

	steps, err := f.store.GetSteps(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobstore.JobStatusFailed, pipeline.EffectiveStatus(steps))
	assert.Equal(t, jobstore.StepStatusFailed, steps[0].Status)
	assert.Equal(t, 3, steps[0].Attempts)

	// Full reservation back, exactly once.
	assert.Equal(t, 100, f.remaining(t))
	assert.Equal(t, 1, f.notifier.count(notify.EventJobFailed))
	assert.Equal(t, 2, f.notifier.count(notify.EventStepFailed))

	job, err := f.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Contains(t, job.ErrorMessage, "render backend down")
}

func TestWorker_RefundIdempotentAcrossDuplicateDrivers(t *testing.T) {
	f := newFixture(t, generate.NewFailingGenerator(errors.New("boom")))
	ctx := context.Background()

	f.submit(t, "job-1", pipeline.KindSingleImage, pipeline.Params{})
	f.drain(t)
	assert.Equal(t, 100, f.remaining(t))

	// A duplicate compensation attempt for the same job is a recorded no-op.
	job, err := f.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	f.worker.compensator.RefundJob(ctx, job, "job failed: boom")
	assert.Equal(t, 100, f.remaining(t))
}

func TestWorker_StepTimeoutFailsAttempt(t *testing.T) {
	f := newFixture(t, generate.NewBlockingGenerator())
	f.worker.stepTimeout = 20 * time.Millisecond
	ctx := context.Background()

	f.submit(t, "job-1", pipeline.KindSingleImage, pipeline.Params{})

	step, err := f.store.ClaimNextStep(ctx, "executor-test")
	require.NoError(t, err)
	f.worker.processStep(ctx, "executor-test", step)

	steps, err := f.store.GetSteps(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StepStatusQueued, steps[0].Status)
	assert.Equal(t, 1, steps[0].Attempts)
}

func TestWorker_ReaperRequeuesThenFailsAndRefunds(t *testing.T) {
	f := newFixture(t, generate.NewMockGenerator())
	ctx := context.Background()

	now := time.Now()
	f.store.SetNow(func() time.Time { return now })

	f.submit(t, "job-1", pipeline.KindMultiClipVideo, pipeline.Params{ClipCount: 1})
	assert.Equal(t, 75, f.remaining(t))

	for attempt := 0; attempt < 3; attempt++ {
		// A worker claims the step and then disappears.
		_, err := f.store.ClaimNextStep(ctx, "executor-crashed")
		require.NoError(t, err)

		now = now.Add(11 * time.Minute)
		f.worker.reapOnce(ctx)
	}

	steps, err := f.store.GetSteps(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobstore.JobStatusFailed, pipeline.EffectiveStatus(steps))

	assert.Equal(t, 100, f.remaining(t))
	assert.Equal(t, 1, f.notifier.count(notify.EventJobFailed))

	// Later sweeps find nothing and must not refund again.
	f.worker.reapOnce(ctx)
	assert.Equal(t, 100, f.remaining(t))
	assert.Equal(t, 1, f.notifier.count(notify.EventJobFailed))
}

func TestWorker_CancelRetainsCompletedOutputs(t *testing.T) {
	f := newFixture(t, generate.NewMockGenerator())
	ctx := context.Background()

	f.submit(t, "job-1", pipeline.KindMultiImage, pipeline.Params{ImageCount: 3})
	assert.Equal(t, 97, f.remaining(t))

	// Run the first two steps, then cancel mid-pipeline.
	for i := 0; i < 2; i++ {
		step, err := f.store.ClaimNextStep(ctx, "executor-test")
		require.NoError(t, err)
		f.worker.processStep(ctx, "executor-test", step)
	}

	result, err := f.store.CancelJob(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, result.Won)
	f.worker.compensator.RefundJob(ctx, result.Job, "job canceled")

	assert.Equal(t, 100, f.remaining(t))

	steps, err := f.store.GetSteps(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobstore.JobStatusCanceled, pipeline.EffectiveStatus(steps))
	assert.Len(t, pipeline.Assets(steps), 2)

	// Nothing left to claim.
	_, err = f.store.ClaimNextStep(ctx, "executor-test")
	assert.ErrorIs(t, err, jobstore.ErrNoEligibleStep)
}

func TestWorker_MultiClipVideoOrdering(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	gen := &generate.MockGenerator{
		Name_: "mock",
		GenerateFunc: func(_ context.Context, req generate.Request) (*generate.Result, error) {
			mu.Lock()
			seen = append(seen, req.StepType)
			mu.Unlock()
			return &generate.Result{URL: "mock://" + req.StepID}, nil
		},
	}
	f := newFixture(t, gen)

	f.submit(t, "job-1", pipeline.KindMultiClipVideo, pipeline.Params{ClipCount: 2})
	f.drain(t)

	// Steps execute strictly in template order.
	assert.Equal(t, []string{
		pipeline.StepPlanScript,
		pipeline.StepGenKeyframe, pipeline.StepGenKeyframe,
		pipeline.StepAnimateClip, pipeline.StepAnimateClip,
		pipeline.StepVoiceover, pipeline.StepMusic,
		pipeline.StepConcatClips, pipeline.StepMixAudio,
		pipeline.StepDeliver,
	}, seen)
}

func TestWorker_MutationsInvalidateStatusCache(t *testing.T) {
	f := newFixture(t, generate.NewMockGenerator())
	ctx := context.Background()

	f.submit(t, "job-1", pipeline.KindSingleImage, pipeline.Params{})
	f.drain(t)

	// One invalidation per completed step; a reader polling after any step
	// must never be served the pre-mutation payload.
	steps, err := f.store.GetSteps(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, len(steps), f.cache.deletes("job-1"))

	// The failure path invalidates on every recorded attempt too.
	g := newFixture(t, generate.NewFailingGenerator(errors.New("boom")))
	g.submit(t, "job-2", pipeline.KindSingleImage, pipeline.Params{})
	g.drain(t)
	assert.Equal(t, 3, g.cache.deletes("job-2"))
}

func TestWorker_ReaperInvalidatesStatusCache(t *testing.T) {
	f := newFixture(t, generate.NewMockGenerator())
	ctx := context.Background()

	now := time.Now()
	f.store.SetNow(func() time.Time { return now })

	f.submit(t, "job-1", pipeline.KindSingleImage, pipeline.Params{})

	for attempt := 0; attempt < 3; attempt++ {
		_, err := f.store.ClaimNextStep(ctx, "executor-crashed")
		require.NoError(t, err)

		now = now.Add(11 * time.Minute)
		f.worker.reapOnce(ctx)
	}

	// Two requeues and one terminal cascade, each invalidating.
	assert.Equal(t, 3, f.cache.deletes("job-1"))

	f.worker.reapOnce(ctx)
	assert.Equal(t, 3, f.cache.deletes("job-1"))
}

func TestWorker_StartStop(t *testing.T) {
	f := newFixture(t, generate.NewMockGenerator())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.worker.Start(ctx)
		close(done)
	}()

	f.submit(t, "job-1", pipeline.KindSingleImage, pipeline.Params{})
	f.worker.wake()

	require.Eventually(t, func() bool {
		job, err := f.store.GetJob(context.Background(), "job-1")
		return err == nil && job.Status == jobstore.JobStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after context cancel")
	}
	f.worker.Stop()
}
