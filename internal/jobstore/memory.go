package jobstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and local development. It
// applies the same transition rules as PostgresStore under a single mutex, so
// the claim/cascade semantics observed by callers are identical.
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	steps map[string][]*Step // keyed by job id, index order
	seq   int

	// nowFn is swappable so reaper behavior can be tested with a fake clock.
	nowFn func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]*Job),
		steps: make(map[string][]*Step),
		nowFn: time.Now,
	}
}

// SetNow overrides the store clock. Test use only.
func (s *MemoryStore) SetNow(nowFn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = nowFn
}

func (s *MemoryStore) CreateJob(ctx context.Context, job NewJob) (*Job, []Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	s.seq++
	created := &Job{
		ID:              job.ID,
		TenantID:        job.TenantID,
		Kind:            job.Kind,
		Status:          JobStatusQueued,
		Spec:            job.Spec,
		ReservedCredits: job.ReservedCredits,
		CreatedAt:       now.Add(time.Duration(s.seq)), // stable FIFO order even within one tick
		UpdatedAt:       now,
	}
	s.jobs[job.ID] = created

	steps := make([]*Step, 0, len(job.StepTypes))
	for i, stepType := range job.StepTypes {
		status := StepStatusPending
		if i == 0 {
			status = StepStatusQueued
		}
		steps = append(steps, &Step{
			ID:          stepID(job.ID, i),
			JobID:       job.ID,
			StepType:    stepType,
			StepIndex:   i,
			Status:      status,
			MaxAttempts: job.MaxAttempts,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	s.steps[job.ID] = steps

	return copyJob(created), copySteps(steps), nil
}

func (s *MemoryStore) ClaimNextStep(ctx context.Context, workerID string) (*Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*Job
	for _, job := range s.jobs {
		switch job.Status {
		case JobStatusFailed, JobStatusCanceled, JobStatusCompleted:
			continue
		}
		eligible = append(eligible, job)
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	for _, job := range eligible {
		for _, step := range s.steps[job.ID] {
			if step.Status != StepStatusQueued {
				continue
			}
			now := s.nowFn()
			step.Status = StepStatusRunning
			step.WorkerID = workerID
			step.StartedAt = &now
			step.UpdatedAt = now
			return copyStep(step), nil
		}
	}

	return nil, ErrNoEligibleStep
}

func (s *MemoryStore) CompleteStep(ctx context.Context, stepID string, output []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	step := s.findStep(stepID)
	if step == nil || step.Status != StepStatusRunning {
		return ErrNotClaimable
	}

	now := s.nowFn()
	step.Status = StepStatusCompleted
	step.Output = output
	step.EndedAt = &now
	step.UpdatedAt = now

	for _, sibling := range s.steps[step.JobID] {
		if sibling.Status == StepStatusPending {
			sibling.Status = StepStatusQueued
			sibling.UpdatedAt = now
			break
		}
	}

	remaining := 0
	for _, sibling := range s.steps[step.JobID] {
		if sibling.Status != StepStatusCompleted {
			remaining++
		}
	}

	job := s.jobs[step.JobID]
	if job.Status != JobStatusFailed && job.Status != JobStatusCanceled {
		if remaining == 0 {
			job.Status = JobStatusCompleted
		} else {
			job.Status = JobStatusRunning
		}
		job.UpdatedAt = now
	}

	return nil
}

func (s *MemoryStore) FailStep(ctx context.Context, stepID string, stepErr string) (*FailStepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step := s.findStep(stepID)
	if step == nil || step.Status != StepStatusRunning {
		return nil, ErrNotClaimable
	}

	now := s.nowFn()
	result := &FailStepResult{}

	if step.Attempts+1 < step.MaxAttempts {
		step.Status = StepStatusQueued
		step.Attempts++
		step.ErrorMessage = stepErr
		step.WorkerID = ""
		step.StartedAt = nil
		step.UpdatedAt = now
		result.Requeued = true
		return result, nil
	}

	step.Status = StepStatusFailed
	step.Attempts++
	step.ErrorMessage = stepErr
	step.EndedAt = &now
	step.UpdatedAt = now

	job := s.jobs[step.JobID]
	if job.Status != JobStatusFailed && job.Status != JobStatusCanceled && job.Status != JobStatusCompleted {
		job.Status = JobStatusFailed
		job.ErrorMessage = stepErr
		job.UpdatedAt = now
		result.JobFailed = true
		result.Job = copyJob(job)
	}

	return result, nil
}

func (s *MemoryStore) CancelJob(ctx context.Context, jobID string) (*CancelResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}

	switch job.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return &CancelResult{Won: false, Job: copyJob(job)}, nil
	}

	now := s.nowFn()
	job.Status = JobStatusCanceled
	job.UpdatedAt = now
	for _, step := range s.steps[jobID] {
		switch step.Status {
		case StepStatusPending, StepStatusQueued, StepStatusRunning:
			step.Status = StepStatusCanceled
			step.EndedAt = &now
			step.UpdatedAt = now
		}
	}

	return &CancelResult{Won: true, Job: copyJob(job)}, nil
}

func (s *MemoryStore) RetryStep(ctx context.Context, jobID, stepID string) (*Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var step *Step
	for _, candidate := range s.steps[jobID] {
		if candidate.ID == stepID {
			step = candidate
			break
		}
	}
	if step == nil {
		return nil, ErrNotFound
	}
	if step.Status != StepStatusFailed {
		return nil, ErrNotRetryable
	}

	now := s.nowFn()
	step.Status = StepStatusQueued
	step.Attempts = 0
	step.ErrorMessage = ""
	step.WorkerID = ""
	step.StartedAt = nil
	step.EndedAt = nil
	step.UpdatedAt = now

	job := s.jobs[jobID]
	if job.Status == JobStatusFailed {
		job.Status = JobStatusRunning
		job.ErrorMessage = ""
		job.UpdatedAt = now
	}

	return copyStep(step), nil
}

func (s *MemoryStore) ReapStuck(ctx context.Context, ttl time.Duration) (*ReapResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	cutoff := now.Add(-ttl)
	result := &ReapResult{}

	for jobID, steps := range s.steps {
		for _, step := range steps {
			if step.Status != StepStatusRunning || step.StartedAt == nil || !step.StartedAt.Before(cutoff) {
				continue
			}
			if step.Attempts+1 < step.MaxAttempts {
				step.Status = StepStatusQueued
				step.Attempts++
				step.ErrorMessage = "step reclaimed after worker timeout"
				step.WorkerID = ""
				step.StartedAt = nil
				step.UpdatedAt = now
				result.Requeued++
				result.RequeuedJobs = append(result.RequeuedJobs, jobID)
				continue
			}

			step.Status = StepStatusFailed
			step.Attempts++
			step.ErrorMessage = "max retries exceeded"
			step.EndedAt = &now
			step.UpdatedAt = now

			job := s.jobs[jobID]
			if job.Status != JobStatusFailed && job.Status != JobStatusCanceled && job.Status != JobStatusCompleted {
				job.Status = JobStatusFailed
				job.ErrorMessage = "max retries exceeded"
				job.UpdatedAt = now
				result.FailedJobs = append(result.FailedJobs, copyJob(job))
			}
		}
	}

	return result, nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(job), nil
}

func (s *MemoryStore) GetSteps(ctx context.Context, jobID string) ([]Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps, ok := s.steps[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return copySteps(steps), nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, filter ListFilter) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*Job
	for _, job := range s.jobs {
		if filter.TenantID != "" && job.TenantID != filter.TenantID {
			continue
		}
		if filter.Kind != "" && job.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if filter.Cursor != nil {
		pos := 0
		for i, job := range jobs {
			if job.CreatedAt.Before(filter.Cursor.CreatedAt) ||
				(job.CreatedAt.Equal(filter.Cursor.CreatedAt) && job.ID < filter.Cursor.JobID) {
				pos = i
				break
			}
			pos = i + 1
		}
		jobs = jobs[pos:]
	}

	limit := filter.PageSize + 1
	if limit > len(jobs) {
		limit = len(jobs)
	}

	out := make([]Job, 0, limit)
	for _, job := range jobs[:limit] {
		out = append(out, *copyJob(job))
	}
	return out, nil
}

func (s *MemoryStore) SetJobStatusCache(ctx context.Context, jobID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("set job status cache: %w", ErrNotFound)
	}
	if job.Status == JobStatusFailed || job.Status == JobStatusCanceled {
		return nil
	}
	job.Status = status
	job.UpdatedAt = s.nowFn()
	return nil
}

func (s *MemoryStore) findStep(stepID string) *Step {
	for _, steps := range s.steps {
		for _, step := range steps {
			if step.ID == stepID {
				return step
			}
		}
	}
	return nil
}

func copyJob(job *Job) *Job {
	out := *job
	return &out
}

func copyStep(step *Step) *Step {
	out := *step
	return &out
}

func copySteps(steps []*Step) []Step {
	out := make([]Step, 0, len(steps))
	for _, step := range steps {
		out = append(out, *step)
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
