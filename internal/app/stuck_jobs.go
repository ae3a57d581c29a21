package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rodan32/imgen-orchestrator/internal/domain"
)

// StuckJobSweeper marks jobs persisted as running with no terminal write
// within MaxAge as ERROR. This covers jobs abandoned by an orchestrator
// restart, where no in-process Driver.Run goroutine survives to finish
// them (design notes §9's restart-sweep recommendation).
type StuckJobSweeper struct {
	jobs     domain.JobRepository
	maxAge   time.Duration
	interval time.Duration
}

// NewStuckJobSweeper builds a sweeper. A nil jobs repository disables it.
func NewStuckJobSweeper(jobs domain.JobRepository, maxAge, interval time.Duration) *StuckJobSweeper {
	if jobs == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 330 * time.Second
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{jobs: jobs, maxAge: maxAge, interval: interval}
}

// Run sweeps once immediately, then on every interval, until ctx is canceled.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

const sweptMessage = "swept: orchestrator restart"

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().Add(-s.maxAge)
	span.SetAttributes(attribute.Float64("jobs.max_age_seconds", s.maxAge.Seconds()))

	jobs, err := s.jobs.ListRunningBefore(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck job sweep failed to list running jobs", slog.Any("error", err))
		return
	}

	msg := sweptMessage
	var swept int
	for _, j := range jobs {
		if err := s.jobs.UpdateStatus(ctx, j.ID, domain.JobError, &msg); err != nil {
			slog.Error("stuck job sweep failed to mark job error", slog.String("job_id", j.ID), slog.Any("error", err))
			continue
		}
		swept++
	}

	span.SetAttributes(
		attribute.Int("jobs.total_checked", len(jobs)),
		attribute.Int("jobs.total_swept", swept),
	)
	if swept > 0 {
		slog.Warn("stuck job sweeper marked jobs as error", slog.Int("count", swept))
	}
}
