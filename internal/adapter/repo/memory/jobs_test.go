package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rodan32/imgen-orchestrator/internal/domain"
)

func TestCreateAssignsIDWhenEmpty(t *testing.T) {
	r := New()
	id, err := r.Create(context.Background(), domain.Job{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if id == "" {
		t.Fatal("Create() returned empty id")
	}
	got, err := r.Get(context.Background(), id)
	if err != nil || got.SessionID != "s1" {
		t.Fatalf("Get() = (%+v, %v)", got, err)
	}
}

func TestUpdateStatusIsIdempotentAtEqualStatus(t *testing.T) {
	r := New()
	id, _ := r.Create(context.Background(), domain.Job{Status: domain.JobQueued})
	if err := r.UpdateStatus(context.Background(), id, domain.JobRunning, nil); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	first, _ := r.Get(context.Background(), id)

	if err := r.UpdateStatus(context.Background(), id, domain.JobRunning, nil); err != nil {
		t.Fatalf("UpdateStatus() second call error = %v", err)
	}
	second, _ := r.Get(context.Background(), id)

	if first.StartedAt != second.StartedAt {
		t.Errorf("StartedAt changed on a no-op repeated write: %v -> %v", first.StartedAt, second.StartedAt)
	}
}

func TestUpdateStatusUnknownJobReturnsNotFound(t *testing.T) {
	r := New()
	if err := r.UpdateStatus(context.Background(), "missing", domain.JobError, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("UpdateStatus() error = %v, want ErrNotFound", err)
	}
}

func TestCountByBatchStatusAndTotal(t *testing.T) {
	r := New()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		id, _ := r.Create(ctx, domain.Job{BatchID: "b1", Status: domain.JobQueued})
		if i < 2 {
			_ = r.UpdateStatus(ctx, id, domain.JobComplete, nil)
		}
	}
	complete, err := r.CountByBatchStatus(ctx, "b1", domain.JobComplete)
	if err != nil || complete != 2 {
		t.Fatalf("CountByBatchStatus() = (%d, %v), want 2", complete, err)
	}
	total, err := r.CountByBatch(ctx, "b1")
	if err != nil || total != 3 {
		t.Fatalf("CountByBatch() = (%d, %v), want 3", total, err)
	}
}

func TestListRunningBeforeCutoff(t *testing.T) {
	r := New()
	ctx := context.Background()
	id, _ := r.Create(ctx, domain.Job{Status: domain.JobQueued})
	_ = r.UpdateStatus(ctx, id, domain.JobRunning, nil)

	future := time.Now().UTC().Add(time.Hour)
	stuck, err := r.ListRunningBefore(ctx, future)
	if err != nil || len(stuck) != 1 || stuck[0].ID != id {
		t.Fatalf("ListRunningBefore(future) = (%+v, %v), want job %s", stuck, err, id)
	}

	past := time.Now().UTC().Add(-time.Hour)
	notYet, err := r.ListRunningBefore(ctx, past)
	if err != nil || len(notYet) != 0 {
		t.Fatalf("ListRunningBefore(past) = (%+v, %v), want none", notYet, err)
	}
}
