// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rodan32/imgen-orchestrator/internal/domain"
)

// PgxPool is the minimal pool surface the repository needs, satisfied by
// *pgxpool.Pool (see NewPool).
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

var _ domain.JobRepository = (*JobRepo)(nil)

// Create inserts a new job and returns its id.
func (r *JobRepo) Create(ctx context.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "jobs"),
	)

	params, err := json.Marshal(j.Params)
	if err != nil {
		return "", fmt.Errorf("op=job.create.marshal_params: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO jobs (
		id, session_id, batch_id, batch_index, task_type, model_family, params,
		assigned_worker, seed, status, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err = r.Pool.Exec(ctx, q,
		j.ID, j.SessionID, j.BatchID, j.BatchIndex, j.TaskType, j.ModelFamily, params,
		j.AssignedWorker, j.Seed, j.Status, now,
	)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return j.ID, nil
}

// UpdateStatus transitions a job's status within an explicit transaction.
// The write is a no-op (but not an error) when the row is already at the
// target status, satisfying the driver's idempotent-terminal-write
// requirement.
func (r *JobRepo) UpdateStatus(ctx context.Context, id string, status domain.JobStatus, errMsg *string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
	)

	errVal := ""
	if errMsg != nil {
		errVal = *errMsg
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("op=job.update_status.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				slog.Error("failed to rollback job status update", slog.String("job_id", id), slog.Any("error", rbErr))
			}
		}
	}()

	now := time.Now().UTC()
	var timestampCol string
	switch status {
	case domain.JobRunning:
		timestampCol = ", started_at=$5"
	case domain.JobComplete, domain.JobError:
		timestampCol = ", finished_at=$5"
	}

	q := `UPDATE jobs SET status=$2, error=$3, updated_at=$4` + timestampCol + ` WHERE id=$1 AND status <> $2`
	var result pgconn.CommandTag
	if timestampCol != "" {
		result, err = tx.Exec(ctx, q, id, status, errVal, now, now)
	} else {
		result, err = tx.Exec(ctx, q, id, status, errVal, now)
	}
	if err != nil {
		return fmt.Errorf("op=job.update_status.exec: %w", err)
	}
	if result.RowsAffected() == 0 {
		slog.Debug("job status update matched no row (already at target status or missing)", slog.String("job_id", id), slog.String("status", string(status)))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.update_status.commit: %w", err)
	}
	committed = true
	return nil
}

// SetWorkerJobID records the worker-assigned job id.
func (r *JobRepo) SetWorkerJobID(ctx context.Context, id, workerJobID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetWorkerJobID")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.operation", "UPDATE"))

	q := `UPDATE jobs SET worker_job_id=$2 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, workerJobID); err != nil {
		return fmt.Errorf("op=job.set_worker_job_id: %w", err)
	}
	return nil
}

// SetOutputs records the terminal output artifacts for a job.
func (r *JobRepo) SetOutputs(ctx context.Context, id string, outputs []domain.OutputArtifact) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetOutputs")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.operation", "UPDATE"))

	raw, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("op=job.set_outputs.marshal: %w", err)
	}
	q := `UPDATE jobs SET outputs=$2 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, raw); err != nil {
		return fmt.Errorf("op=job.set_outputs: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)

	q := `SELECT id, session_id, COALESCE(batch_id,''), batch_index, task_type, model_family,
		COALESCE(assigned_worker,''), COALESCE(worker_job_id,''), seed, status, COALESCE(error,''),
		COALESCE(outputs,'[]'), created_at, COALESCE(started_at, 'epoch'::timestamptz), COALESCE(finished_at, 'epoch'::timestamptz)
		FROM jobs WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)

	var j domain.Job
	var outputsRaw []byte
	if err := row.Scan(
		&j.ID, &j.SessionID, &j.BatchID, &j.BatchIndex, &j.TaskType, &j.ModelFamily,
		&j.AssignedWorker, &j.WorkerJobID, &j.Seed, &j.Status, &j.ErrorMessage,
		&outputsRaw, &j.CreatedAt, &j.StartedAt, &j.FinishedAt,
	); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	if err := json.Unmarshal(outputsRaw, &j.Outputs); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.get.unmarshal_outputs: %w", err)
	}
	return j, nil
}

// CountByBatchStatus counts jobs in batchID currently at status.
func (r *JobRepo) CountByBatchStatus(ctx context.Context, batchID string, status domain.JobStatus) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountByBatchStatus")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.operation", "COUNT"))

	q := `SELECT COUNT(*) FROM jobs WHERE batch_id=$1 AND status=$2`
	var count int64
	if err := r.Pool.QueryRow(ctx, q, batchID, status).Scan(&count); err != nil {
		return 0, fmt.Errorf("op=job.count_by_batch_status: %w", err)
	}
	return count, nil
}

// CountByBatch counts every job ever created under batchID.
func (r *JobRepo) CountByBatch(ctx context.Context, batchID string) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountByBatch")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.operation", "COUNT"))

	q := `SELECT COUNT(*) FROM jobs WHERE batch_id=$1`
	var count int64
	if err := r.Pool.QueryRow(ctx, q, batchID).Scan(&count); err != nil {
		return 0, fmt.Errorf("op=job.count_by_batch: %w", err)
	}
	return count, nil
}

// ListRunningBefore returns every job still running whose started_at
// predates cutoff, for the stuck-job sweeper.
func (r *JobRepo) ListRunningBefore(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListRunningBefore")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.operation", "SELECT"))

	q := `SELECT id, session_id, COALESCE(batch_id,''), batch_index, task_type, model_family,
		COALESCE(assigned_worker,''), COALESCE(worker_job_id,''), seed, status, COALESCE(error,''),
		COALESCE(outputs,'[]'), created_at, started_at, COALESCE(finished_at, 'epoch'::timestamptz)
		FROM jobs WHERE status=$1 AND started_at < $2`
	rows, err := r.Pool.Query(ctx, q, domain.JobRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_running_before: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		var j domain.Job
		var outputsRaw []byte
		if err := rows.Scan(
			&j.ID, &j.SessionID, &j.BatchID, &j.BatchIndex, &j.TaskType, &j.ModelFamily,
			&j.AssignedWorker, &j.WorkerJobID, &j.Seed, &j.Status, &j.ErrorMessage,
			&outputsRaw, &j.CreatedAt, &j.StartedAt, &j.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("op=job.list_running_before.scan: %w", err)
		}
		if err := json.Unmarshal(outputsRaw, &j.Outputs); err != nil {
			return nil, fmt.Errorf("op=job.list_running_before.unmarshal_outputs: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_running_before.rows: %w", err)
	}
	return out, nil
}
