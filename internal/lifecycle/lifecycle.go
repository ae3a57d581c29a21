// Package lifecycle drives one job from submission through a terminal
// state: submit to the assigned worker, register it for progress
// tracking, poll for completion, and persist the result. One Driver
// handle runs per accepted job, executing concurrently with every other
// in-flight job.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rodan32/imgen-orchestrator/internal/adapter/observability"
	"github.com/rodan32/imgen-orchestrator/internal/adapter/workerclient"
	"github.com/rodan32/imgen-orchestrator/internal/aggregator"
	"github.com/rodan32/imgen-orchestrator/internal/domain"
	"github.com/rodan32/imgen-orchestrator/internal/registry"
)

const (
	defaultPollInterval = 1 * time.Second
	defaultDeadline     = 300 * time.Second
)

// WorkerClient is the subset of workerclient.Client the driver needs.
// Accepting an interface lets tests drive the state machine without a
// real HTTP worker.
type WorkerClient interface {
	Submit(ctx context.Context, graph domain.Graph) (string, error)
	History(ctx context.Context, workerJobID string) (*workerclient.History, error)
}

// ClientFactory builds a WorkerClient for a given worker, deferring the
// concrete transport to the driver's caller.
type ClientFactory func(domain.WorkerNode) WorkerClient

// Driver executes the job state machine described in §4.E: queued,
// running, then complete or error. It is the only writer of terminal
// job status.
type Driver struct {
	repo         domain.JobRepository
	registry     *registry.Registry
	aggregator   *aggregator.Aggregator
	newClient    ClientFactory
	pollInterval time.Duration
	deadline     time.Duration
}

// Option customizes a Driver's poll cadence or timeout budget.
type Option func(*Driver)

// WithPollInterval overrides the default 1s poll cadence.
func WithPollInterval(d time.Duration) Option { return func(drv *Driver) { drv.pollInterval = d } }

// WithDeadline overrides the default 300s poll deadline.
func WithDeadline(d time.Duration) Option { return func(drv *Driver) { drv.deadline = d } }

// New builds a Driver. newClient is typically workerclient.New adapted to
// the WorkerClient interface.
func New(repo domain.JobRepository, reg *registry.Registry, agg *aggregator.Aggregator, newClient ClientFactory, opts ...Option) *Driver {
	d := &Driver{
		repo:         repo,
		registry:     reg,
		aggregator:   agg,
		newClient:    newClient,
		pollInterval: defaultPollInterval,
		deadline:     defaultDeadline,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunOptions carries the batch-membership context for a job, if any.
// BatchTotal of zero means the job is not part of a batch.
type RunOptions struct {
	BatchTotal int
}

// Run executes the full state machine for one job against worker,
// blocking until the job reaches a terminal state. Callers typically
// invoke Run in its own goroutine per accepted job.
func (d *Driver) Run(ctx context.Context, job domain.Job, worker domain.WorkerNode, graph domain.Graph, opts RunOptions) {
	d.registry.IncrementLoad(worker.ID)
	var workerJobID string
	defer func() {
		d.registry.DecrementLoad(worker.ID)
		if workerJobID != "" {
			d.aggregator.UnregisterPrompt(workerJobID)
		}
	}()

	if err := d.repo.UpdateStatus(ctx, job.ID, domain.JobQueued, nil); err != nil {
		slog.Error("lifecycle: persist queued status failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}

	client := d.newClient(worker)

	submitted, err := client.Submit(ctx, graph)
	if err != nil {
		d.finishError(ctx, job, err)
		return
	}
	workerJobID = submitted

	d.aggregator.RegisterPrompt(workerJobID, domain.PromptMapEntry{
		SessionID: job.SessionID,
		JobID:     job.ID,
		WorkerID:  worker.ID,
	})

	if err := d.repo.SetWorkerJobID(ctx, job.ID, workerJobID); err != nil {
		slog.Error("lifecycle: persist worker_job_id failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	if err := d.repo.UpdateStatus(ctx, job.ID, domain.JobRunning, nil); err != nil {
		slog.Error("lifecycle: persist running status failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}

	start := time.Now()
	history, err := d.pollUntilTerminal(ctx, client, workerJobID)
	if err != nil {
		d.finishError(ctx, job, err)
		return
	}

	outputs := workerclient.Outputs(history)
	if len(outputs) == 0 {
		d.finishError(ctx, job, domain.ErrNoOutput)
		return
	}

	elapsed := time.Since(start)
	d.finishComplete(ctx, job, worker, outputs, elapsed, opts)
}

// pollUntilTerminal polls History every pollInterval until a terminal
// record appears or deadline elapses.
func (d *Driver) pollUntilTerminal(ctx context.Context, client WorkerClient, workerJobID string) (*workerclient.History, error) {
	deadlineCtx, cancel := context.WithTimeout(ctx, d.deadline)
	defer cancel()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		history, err := client.History(deadlineCtx, workerJobID)
		if err != nil {
			return nil, err
		}
		if history != nil {
			return history, nil
		}

		select {
		case <-deadlineCtx.Done():
			return nil, domain.ErrTimeout
		case <-ticker.C:
		}
	}
}

func (d *Driver) finishError(ctx context.Context, job domain.Job, cause error) {
	msg := cause.Error()
	if err := d.repo.UpdateStatus(ctx, job.ID, domain.JobError, &msg); err != nil {
		slog.Error("lifecycle: persist error status failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	observability.FailJob(string(job.TaskType))
	d.aggregator.Publish(job.SessionID, aggregator.ClientEvent{
		Type:         "error",
		GenerationID: job.ID,
		Message:      msg,
	})
	slog.Warn("job ended in error",
		slog.String("job_id", job.ID),
		slog.String("worker_id", job.AssignedWorker),
		slog.Any("cause", errors.Unwrap(cause)),
	)
}

func (d *Driver) finishComplete(ctx context.Context, job domain.Job, worker domain.WorkerNode, outputs []domain.OutputArtifact, elapsed time.Duration, opts RunOptions) {
	if err := d.repo.SetOutputs(ctx, job.ID, outputs); err != nil {
		slog.Error("lifecycle: persist outputs failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	if err := d.repo.UpdateStatus(ctx, job.ID, domain.JobComplete, nil); err != nil {
		slog.Error("lifecycle: persist complete status failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	observability.CompleteJob(string(job.TaskType))
	observability.ObserveJobDuration(string(job.TaskType), elapsed.Seconds())

	d.aggregator.Publish(job.SessionID, aggregator.ClientEvent{
		Type:         "generation_complete",
		GenerationID: job.ID,
		WorkerID:     worker.ID,
		ElapsedMS:    elapsed.Milliseconds(),
	})

	if job.BatchID == "" {
		return
	}
	d.publishBatchProgress(ctx, job, elapsed, opts)
}

func (d *Driver) publishBatchProgress(ctx context.Context, job domain.Job, elapsed time.Duration, opts RunOptions) {
	completed, err := d.repo.CountByBatchStatus(ctx, job.BatchID, domain.JobComplete)
	if err != nil {
		slog.Error("lifecycle: count batch progress failed", slog.String("batch_id", job.BatchID), slog.Any("error", err))
		return
	}

	d.aggregator.Publish(job.SessionID, aggregator.ClientEvent{
		Type:         "batch_progress",
		BatchID:      job.BatchID,
		GenerationID: job.ID,
		Completed:    int(completed),
		Total:        opts.BatchTotal,
	})

	if opts.BatchTotal > 0 && int(completed) >= opts.BatchTotal {
		d.aggregator.Publish(job.SessionID, aggregator.ClientEvent{
			Type:      "batch_complete",
			BatchID:   job.BatchID,
			Total:     opts.BatchTotal,
			ElapsedMS: elapsed.Milliseconds(),
		})
	}
}
