package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJob(t *testing.T, store *MemoryStore, id string, stepTypes ...string) (*Job, []Step) {
	t.Helper()
	if len(stepTypes) == 0 {
		stepTypes = []string{"gen_image", "deliver"}
	}
	job, steps, err := store.CreateJob(context.Background(), NewJob{
		ID:              id,
		TenantID:        "tenant-1",
		Kind:            "single_image",
		Spec:            json.RawMessage(`{}`),
		ReservedCredits: 1,
		StepTypes:       stepTypes,
		MaxAttempts:     3,
	})
	require.NoError(t, err)
	return job, steps
}

func TestCreateJob_StepStates(t *testing.T) {
	store := NewMemoryStore()
	job, steps := newTestJob(t, store, "job-1", "plan_slides", "gen_slide", "deliver")

	assert.Equal(t, JobStatusQueued, job.Status)
	require.Len(t, steps, 3)
	assert.Equal(t, StepStatusQueued, steps[0].Status)
	assert.Equal(t, StepStatusPending, steps[1].Status)
	assert.Equal(t, StepStatusPending, steps[2].Status)
	for i, step := range steps {
		assert.Equal(t, i, step.StepIndex)
		assert.Equal(t, 3, step.MaxAttempts)
	}
}

func TestClaimNextStep_Ordering(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	newTestJob(t, store, "job-a")
	newTestJob(t, store, "job-b")

	// Oldest job first, lowest index first.
	step, err := store.ClaimNextStep(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "job-a", step.JobID)
	assert.Equal(t, 0, step.StepIndex)
	assert.Equal(t, StepStatusRunning, step.Status)
	assert.Equal(t, "w1", step.WorkerID)

	step, err = store.ClaimNextStep(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, "job-b", step.JobID)

	_, err = store.ClaimNextStep(ctx, "w3")
	assert.ErrorIs(t, err, ErrNoEligibleStep)
}

func TestClaimNextStep_ExclusiveUnderContention(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const jobs = 5
	for i := 0; i < jobs; i++ {
		newTestJob(t, store, fmt.Sprintf("job-%d", i))
	}

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := make(map[string]int)
	total := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				step, err := store.ClaimNextStep(ctx, workerID)
				if err != nil {
					return
				}
				mu.Lock()
				claimed[step.ID]++
				total++
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", i))
	}
	wg.Wait()

	// Exactly one claimable step per job; the rest are gated behind it, and
	// no step may ever have two winners.
	assert.Equal(t, jobs, total)
	for stepID, wins := range claimed {
		assert.Equal(t, 1, wins, "step %s claimed %d times", stepID, wins)
	}
}

func TestCompleteStep_PromotesNext(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, steps := newTestJob(t, store, "job-1", "gen_image", "deliver")

	claimed, err := store.ClaimNextStep(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, steps[0].ID, claimed.ID)

	require.NoError(t, store.CompleteStep(ctx, claimed.ID, []byte(`{"url":"mock://img"}`)))

	after, err := store.GetSteps(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StepStatusCompleted, after[0].Status)
	assert.Equal(t, StepStatusQueued, after[1].Status)

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, job.Status)
}

func TestCompleteStep_LastStepCompletesJob(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newTestJob(t, store, "job-1", "gen_image")

	claimed, err := store.ClaimNextStep(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, store.CompleteStep(ctx, claimed.ID, []byte(`{"url":"mock://img"}`)))

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, job.Status)
}

func TestCompleteStep_RejectsNonRunning(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, steps := newTestJob(t, store, "job-1")

	// Still QUEUED, never claimed.
	err := store.CompleteStep(ctx, steps[0].ID, nil)
	assert.ErrorIs(t, err, ErrNotClaimable)
}

func TestFailStep_RequeuesBelowBudget(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newTestJob(t, store, "job-1")

	claimed, err := store.ClaimNextStep(ctx, "w1")
	require.NoError(t, err)

	result, err := store.FailStep(ctx, claimed.ID, "timeout")
	require.NoError(t, err)
	assert.True(t, result.Requeued)
	assert.False(t, result.JobFailed)

	steps, err := store.GetSteps(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StepStatusQueued, steps[0].Status)
	assert.Equal(t, 1, steps[0].Attempts)
	assert.Empty(t, steps[0].WorkerID)
}

func TestFailStep_CascadesExactlyOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newTestJob(t, store, "job-1")

	var result *FailStepResult
	for i := 0; i < 3; i++ {
		claimed, err := store.ClaimNextStep(ctx, "w1")
		require.NoError(t, err)
		result, err = store.FailStep(ctx, claimed.ID, "generation error")
		require.NoError(t, err)
	}

	// Third attempt exhausts the budget and cascades the job.
	assert.False(t, result.Requeued)
	assert.True(t, result.JobFailed)
	require.NotNil(t, result.Job)
	assert.Equal(t, JobStatusFailed, result.Job.Status)
	assert.Equal(t, 1, result.Job.ReservedCredits)

	// The queue is drained for this job.
	_, err := store.ClaimNextStep(ctx, "w1")
	assert.ErrorIs(t, err, ErrNoEligibleStep)
}

func TestCancelJob_WinnerTakesRefund(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newTestJob(t, store, "job-1", "gen_image", "gen_image", "deliver")

	// Complete the first step so the cancel has retained output.
	claimed, err := store.ClaimNextStep(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, store.CompleteStep(ctx, claimed.ID, []byte(`{"url":"mock://img-0"}`)))

	result, err := store.CancelJob(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, result.Won)
	assert.Equal(t, JobStatusCanceled, result.Job.Status)

	// Second cancel loses.
	again, err := store.CancelJob(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, again.Won)

	steps, err := store.GetSteps(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StepStatusCompleted, steps[0].Status)
	assert.NotEmpty(t, steps[0].Output)
	assert.Equal(t, StepStatusCanceled, steps[1].Status)
	assert.Equal(t, StepStatusCanceled, steps[2].Status)

	// Nothing claimable after cancel.
	_, err = store.ClaimNextStep(ctx, "w1")
	assert.ErrorIs(t, err, ErrNoEligibleStep)
}

func TestCancelJob_NotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.CancelJob(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetryStep(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newTestJob(t, store, "job-1")

	for i := 0; i < 3; i++ {
		claimed, err := store.ClaimNextStep(ctx, "w1")
		require.NoError(t, err)
		_, err = store.FailStep(ctx, claimed.ID, "generation error")
		require.NoError(t, err)
	}

	steps, err := store.GetSteps(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, StepStatusFailed, steps[0].Status)

	step, err := store.RetryStep(ctx, "job-1", steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StepStatusQueued, step.Status)
	assert.Equal(t, 0, step.Attempts)
	assert.Empty(t, step.ErrorMessage)

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, job.Status)

	// Claimable again.
	claimed, err := store.ClaimNextStep(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, step.ID, claimed.ID)
}

func TestRetryStep_OnlyFailedSteps(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, steps := newTestJob(t, store, "job-1")

	_, err := store.RetryStep(ctx, "job-1", steps[0].ID)
	assert.ErrorIs(t, err, ErrNotRetryable)

	_, err = store.RetryStep(ctx, "job-1", "missing-step")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReapStuck_RequeuesThenFails(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	store.SetNow(func() time.Time { return now })

	newTestJob(t, store, "job-1")

	for attempt := 0; attempt < 3; attempt++ {
		_, err := store.ClaimNextStep(ctx, "w1")
		require.NoError(t, err)

		// Advance past the TTL without the worker reporting back.
		now = now.Add(11 * time.Minute)

		result, err := store.ReapStuck(ctx, 10*time.Minute)
		require.NoError(t, err)

		if attempt < 2 {
			assert.Equal(t, 1, result.Requeued, "attempt %d", attempt)
			assert.Equal(t, []string{"job-1"}, result.RequeuedJobs)
			assert.Empty(t, result.FailedJobs)
		} else {
			assert.Zero(t, result.Requeued)
			require.Len(t, result.FailedJobs, 1)
			assert.Equal(t, JobStatusFailed, result.FailedJobs[0].Status)
		}
	}

	// A second sweep after the cascade reports nothing; compensation must not
	// be driven twice.
	result, err := store.ReapStuck(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, result.Requeued)
	assert.Empty(t, result.FailedJobs)
}

func TestReapStuck_LeavesFreshStepsAlone(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	store.SetNow(func() time.Time { return now })

	newTestJob(t, store, "job-1")
	_, err := store.ClaimNextStep(ctx, "w1")
	require.NoError(t, err)

	now = now.Add(5 * time.Minute)
	result, err := store.ReapStuck(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, result.Requeued)
	assert.Empty(t, result.FailedJobs)

	steps, err := store.GetSteps(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StepStatusRunning, steps[0].Status)
}

func TestListJobs_CursorPagination(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		newTestJob(t, store, fmt.Sprintf("job-%d", i))
	}

	page1, err := store.ListJobs(ctx, ListFilter{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page1, 3) // PageSize+1 signals more

	cursor := &Cursor{CreatedAt: page1[1].CreatedAt, JobID: page1[1].ID}
	page2, err := store.ListJobs(ctx, ListFilter{PageSize: 2, Cursor: cursor})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(page2), 2)

	// Newest first, no overlap across pages.
	assert.True(t, page1[0].CreatedAt.After(page1[1].CreatedAt))
	for _, job := range page2[:2] {
		assert.NotEqual(t, page1[0].ID, job.ID)
		assert.NotEqual(t, page1[1].ID, job.ID)
	}
}

func TestListJobs_Filters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, _, err := store.CreateJob(ctx, NewJob{
		ID: "job-a", TenantID: "tenant-1", Kind: "carousel",
		StepTypes: []string{"deliver"}, MaxAttempts: 3,
	})
	require.NoError(t, err)
	_, _, err = store.CreateJob(ctx, NewJob{
		ID: "job-b", TenantID: "tenant-2", Kind: "single_image",
		StepTypes: []string{"deliver"}, MaxAttempts: 3,
	})
	require.NoError(t, err)

	jobs, err := store.ListJobs(ctx, ListFilter{TenantID: "tenant-1", PageSize: 10})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-a", jobs[0].ID)

	jobs, err = store.ListJobs(ctx, ListFilter{Kind: "single_image", PageSize: 10})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-b", jobs[0].ID)
}

func TestSetJobStatusCache_NeverOverwritesTerminalFailure(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	newTestJob(t, store, "job-1")

	for i := 0; i < 3; i++ {
		claimed, err := store.ClaimNextStep(ctx, "w1")
		require.NoError(t, err)
		_, err = store.FailStep(ctx, claimed.ID, "boom")
		require.NoError(t, err)
	}

	require.NoError(t, store.SetJobStatusCache(ctx, "job-1", JobStatusRunning))

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, job.Status)
}
