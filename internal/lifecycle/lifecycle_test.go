package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rodan32/imgen-orchestrator/internal/adapter/repo/memory"
	"github.com/rodan32/imgen-orchestrator/internal/adapter/workerclient"
	"github.com/rodan32/imgen-orchestrator/internal/aggregator"
	"github.com/rodan32/imgen-orchestrator/internal/domain"
	"github.com/rodan32/imgen-orchestrator/internal/registry"
)

type fakeClient struct {
	submitID   string
	submitErr  error
	historySeq []*workerclient.History
	historyErr error
	calls      int
}

func (f *fakeClient) Submit(ctx context.Context, graph domain.Graph) (string, error) {
	return f.submitID, f.submitErr
}

func (f *fakeClient) History(ctx context.Context, workerJobID string) (*workerclient.History, error) {
	if f.historyErr != nil && f.calls >= len(f.historySeq) {
		return nil, f.historyErr
	}
	var h *workerclient.History
	if f.calls < len(f.historySeq) {
		h = f.historySeq[f.calls]
	}
	f.calls++
	return h, nil
}

func buildTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yaml")
	body := "nodes:\n  - id: w1\n    tier: standard\n    host: 127.0.0.1\n    port: 9001\n    capabilities: [sd15]\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write fleet config: %v", err)
	}
	r, err := registry.Load(path, nil)
	if err != nil {
		t.Fatalf("registry.Load() error = %v", err)
	}
	return r
}

type recordingSink struct {
	events []aggregator.ClientEvent
}

func (s *recordingSink) Send(ev aggregator.ClientEvent) error {
	s.events = append(s.events, ev)
	return nil
}

func terminalHistoryWithOneOutput() *workerclient.History {
	return &workerclient.History{
		Outputs: map[string]workerclient.NodeOutput{
			"9": {Images: []workerclient.ImageRef{{Filename: "out.png", Type: "output"}}},
		},
	}
}

func TestRunCompletesJobAndPersistsOutputs(t *testing.T) {
	repo := memory.New()
	reg := buildTestRegistry(t)
	agg := aggregator.New()
	sink := &recordingSink{}
	agg.Subscribe("s1", sink)

	jobID, _ := repo.Create(context.Background(), domain.Job{SessionID: "s1", Status: domain.JobQueued})
	worker, _ := reg.Get("w1")
	client := &fakeClient{submitID: "p1", historySeq: []*workerclient.History{nil, terminalHistoryWithOneOutput()}}

	d := New(repo, reg, agg, func(domain.WorkerNode) WorkerClient { return client },
		WithPollInterval(time.Millisecond), WithDeadline(time.Second))

	d.Run(context.Background(), domain.Job{ID: jobID, SessionID: "s1"}, worker, domain.Graph{}, RunOptions{})

	got, err := repo.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != domain.JobComplete {
		t.Fatalf("job status = %v, want complete", got.Status)
	}
	if len(got.Outputs) != 1 || got.Outputs[0].Filename != "out.png" {
		t.Fatalf("outputs = %+v, want one out.png", got.Outputs)
	}

	n, _ := reg.Get("w1")
	if n.QueueLength != 0 {
		t.Errorf("queue_length = %d, want 0 after decrement in defer", n.QueueLength)
	}

	var sawComplete bool
	for _, ev := range sink.events {
		if ev.Type == "generation_complete" {
			sawComplete = true
		}
	}
	if !sawComplete {
		t.Errorf("sink.events = %+v, want a generation_complete event", sink.events)
	}
}

func TestRunSubmitRejectedEndsError(t *testing.T) {
	repo := memory.New()
	reg := buildTestRegistry(t)
	agg := aggregator.New()
	sink := &recordingSink{}
	agg.Subscribe("s1", sink)

	jobID, _ := repo.Create(context.Background(), domain.Job{SessionID: "s1", Status: domain.JobQueued})
	worker, _ := reg.Get("w1")
	client := &fakeClient{submitErr: domain.ErrSubmitRejected}

	d := New(repo, reg, agg, func(domain.WorkerNode) WorkerClient { return client })
	d.Run(context.Background(), domain.Job{ID: jobID, SessionID: "s1"}, worker, domain.Graph{}, RunOptions{})

	got, _ := repo.Get(context.Background(), jobID)
	if got.Status != domain.JobError {
		t.Fatalf("job status = %v, want error", got.Status)
	}
	n, _ := reg.Get("w1")
	if n.QueueLength != 0 {
		t.Errorf("queue_length = %d, want 0 (decremented on the submit-reject exit path)", n.QueueLength)
	}
}

func TestRunTimeoutEndsError(t *testing.T) {
	repo := memory.New()
	reg := buildTestRegistry(t)
	agg := aggregator.New()

	jobID, _ := repo.Create(context.Background(), domain.Job{SessionID: "s1", Status: domain.JobQueued})
	worker, _ := reg.Get("w1")
	client := &fakeClient{submitID: "p1"} // History always returns nil, nil: never terminal

	d := New(repo, reg, agg, func(domain.WorkerNode) WorkerClient { return client },
		WithPollInterval(time.Millisecond), WithDeadline(10*time.Millisecond))
	d.Run(context.Background(), domain.Job{ID: jobID, SessionID: "s1"}, worker, domain.Graph{}, RunOptions{})

	got, _ := repo.Get(context.Background(), jobID)
	if got.Status != domain.JobError {
		t.Fatalf("job status = %v, want error", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Fatal("expected a non-empty error message recording the timeout")
	}
}

func TestRunNoOutputEndsError(t *testing.T) {
	repo := memory.New()
	reg := buildTestRegistry(t)
	agg := aggregator.New()

	jobID, _ := repo.Create(context.Background(), domain.Job{SessionID: "s1", Status: domain.JobQueued})
	worker, _ := reg.Get("w1")
	client := &fakeClient{submitID: "p1", historySeq: []*workerclient.History{{Outputs: map[string]workerclient.NodeOutput{}}}}

	d := New(repo, reg, agg, func(domain.WorkerNode) WorkerClient { return client },
		WithPollInterval(time.Millisecond), WithDeadline(time.Second))
	d.Run(context.Background(), domain.Job{ID: jobID, SessionID: "s1"}, worker, domain.Graph{}, RunOptions{})

	got, _ := repo.Get(context.Background(), jobID)
	if got.Status != domain.JobError {
		t.Fatalf("job status = %v, want error", got.Status)
	}
}

// TestRunWorkerCrashMidJobEndsErrorAndReleasesLoad covers the driver's
// part of scenario S6: a worker becomes unavailable partway through the
// poll loop, the job ends in error within the deadline, and the worker's
// load is released.
func TestRunWorkerCrashMidJobEndsErrorAndReleasesLoad(t *testing.T) {
	repo := memory.New()
	reg := buildTestRegistry(t)
	agg := aggregator.New()

	jobID, _ := repo.Create(context.Background(), domain.Job{SessionID: "s1", Status: domain.JobQueued})
	worker, _ := reg.Get("w1")
	client := &fakeClient{submitID: "p1", historySeq: []*workerclient.History{nil}, historyErr: domain.ErrWorkerUnavailable}

	d := New(repo, reg, agg, func(domain.WorkerNode) WorkerClient { return client },
		WithPollInterval(time.Millisecond), WithDeadline(time.Second))
	d.Run(context.Background(), domain.Job{ID: jobID, SessionID: "s1"}, worker, domain.Graph{}, RunOptions{})

	got, _ := repo.Get(context.Background(), jobID)
	if got.Status != domain.JobError {
		t.Fatalf("job status = %v, want error", got.Status)
	}
	n, _ := reg.Get("w1")
	if n.QueueLength != 0 {
		t.Errorf("queue_length = %d, want 0 after crash-path decrement", n.QueueLength)
	}
}

// TestBatchProgressMonotoneAndCompleteOnLastJob is scenario S5: as each
// of 3 same-batch jobs terminates, completed is monotone non-decreasing
// and batch_complete fires exactly once, on the last one.
func TestBatchProgressMonotoneAndCompleteOnLastJob(t *testing.T) {
	repo := memory.New()
	reg := buildTestRegistry(t)
	agg := aggregator.New()
	sink := &recordingSink{}
	agg.Subscribe("s1", sink)

	worker, _ := reg.Get("w1")
	d := New(repo, reg, agg, nil, WithPollInterval(time.Millisecond), WithDeadline(time.Second))

	for i := 0; i < 3; i++ {
		jobID, _ := repo.Create(context.Background(), domain.Job{SessionID: "s1", BatchID: "b1", Status: domain.JobQueued})
		client := &fakeClient{submitID: "p", historySeq: []*workerclient.History{terminalHistoryWithOneOutput()}}
		d.newClient = func(domain.WorkerNode) WorkerClient { return client }
		d.Run(context.Background(), domain.Job{ID: jobID, SessionID: "s1", BatchID: "b1"}, worker, domain.Graph{}, RunOptions{BatchTotal: 3})
	}

	var completedSeq []int
	var batchCompleteCount int
	for _, ev := range sink.events {
		switch ev.Type {
		case "batch_progress":
			completedSeq = append(completedSeq, ev.Completed)
		case "batch_complete":
			batchCompleteCount++
		}
	}
	if len(completedSeq) != 3 {
		t.Fatalf("batch_progress events = %v, want 3", completedSeq)
	}
	for i := 1; i < len(completedSeq); i++ {
		if completedSeq[i] < completedSeq[i-1] {
			t.Fatalf("completed sequence %v is not monotone non-decreasing", completedSeq)
		}
	}
	if completedSeq[len(completedSeq)-1] != 3 {
		t.Fatalf("final completed = %d, want 3", completedSeq[len(completedSeq)-1])
	}
	if batchCompleteCount != 1 {
		t.Fatalf("batch_complete count = %d, want exactly 1", batchCompleteCount)
	}
}
