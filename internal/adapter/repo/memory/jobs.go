// Package memory provides an in-process domain.JobRepository, used as the
// default wiring and in the lifecycle driver's tests so they don't need a
// database.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rodan32/imgen-orchestrator/internal/domain"
)

// JobRepository is a mutex-guarded map of domain.Job keyed by id.
type JobRepository struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
}

// New builds an empty JobRepository.
func New() *JobRepository {
	return &JobRepository{jobs: make(map[string]domain.Job)}
}

// Create stores j, assigning a sortable ulid if j.ID is empty.
func (r *JobRepository) Create(ctx context.Context, j domain.Job) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if j.ID == "" {
		j.ID = ulid.Make().String()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	r.jobs[j.ID] = j
	return j.ID, nil
}

// UpdateStatus transitions a job's status. A write that observes the job
// already at the target status is a no-op, satisfying the driver's
// idempotent-terminal-write requirement.
func (r *JobRepository) UpdateStatus(ctx context.Context, id string, status domain.JobStatus, errMsg *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("memory: update status: %w", domain.ErrNotFound)
	}
	if j.Status == status {
		return nil
	}
	j.Status = status
	if errMsg != nil {
		j.ErrorMessage = *errMsg
	}
	now := time.Now().UTC()
	switch status {
	case domain.JobRunning:
		j.StartedAt = now
	case domain.JobComplete, domain.JobError:
		j.FinishedAt = now
	}
	r.jobs[id] = j
	return nil
}

// SetWorkerJobID records the worker-assigned job id, once, at transition
// to running.
func (r *JobRepository) SetWorkerJobID(ctx context.Context, id, workerJobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("memory: set worker job id: %w", domain.ErrNotFound)
	}
	j.WorkerJobID = workerJobID
	r.jobs[id] = j
	return nil
}

// SetOutputs records the terminal output artifacts for a job.
func (r *JobRepository) SetOutputs(ctx context.Context, id string, outputs []domain.OutputArtifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("memory: set outputs: %w", domain.ErrNotFound)
	}
	j.Outputs = outputs
	r.jobs[id] = j
	return nil
}

// Get loads a job by id.
func (r *JobRepository) Get(ctx context.Context, id string) (domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("memory: get: %w", domain.ErrNotFound)
	}
	return j, nil
}

// CountByBatchStatus counts jobs in batchID currently at status.
func (r *JobRepository) CountByBatchStatus(ctx context.Context, batchID string, status domain.JobStatus) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, j := range r.jobs {
		if j.BatchID == batchID && j.Status == status {
			n++
		}
	}
	return n, nil
}

// CountByBatch counts every job ever created under batchID.
func (r *JobRepository) CountByBatch(ctx context.Context, batchID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, j := range r.jobs {
		if j.BatchID == batchID {
			n++
		}
	}
	return n, nil
}

// ListRunningBefore returns every job still in the running state whose
// StartedAt predates cutoff, for the stuck-job sweeper.
func (r *JobRepository) ListRunningBefore(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Job
	for _, j := range r.jobs {
		if j.Status == domain.JobRunning && j.StartedAt.Before(cutoff) {
			out = append(out, j)
		}
	}
	return out, nil
}
