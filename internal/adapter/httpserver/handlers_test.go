package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	httpserver "github.com/rodan32/imgen-orchestrator/internal/adapter/httpserver"
	"github.com/rodan32/imgen-orchestrator/internal/adapter/workerclient"
	"github.com/rodan32/imgen-orchestrator/internal/aggregator"
	"github.com/rodan32/imgen-orchestrator/internal/config"
	"github.com/rodan32/imgen-orchestrator/internal/domain"
	"github.com/rodan32/imgen-orchestrator/internal/lifecycle"
	"github.com/rodan32/imgen-orchestrator/internal/registry"
	"github.com/rodan32/imgen-orchestrator/internal/router"
	"github.com/rodan32/imgen-orchestrator/internal/template"
)

const testFleetYAML = `
nodes:
  - id: gpu-0
    name: standard-node
    host: 127.0.0.1
    port: 9000
    vram_gb: 24
    tier: standard
    capabilities: [sd15, sdxl]
    max_resolution: 1536
    max_batch: 8
`

type fakeProber struct{}

func (fakeProber) Probe(ctx context.Context) (int, error) { return 0, nil }

// instantCompleteClient finishes every job on its first poll, so Run
// reaches a terminal state without sleeping through a real poll interval.
type instantCompleteClient struct{}

func (instantCompleteClient) Submit(ctx context.Context, graph domain.Graph) (string, error) {
	return "prompt-1", nil
}

func (instantCompleteClient) History(ctx context.Context, workerJobID string) (*workerclient.History, error) {
	return &workerclient.History{
		Outputs: map[string]workerclient.NodeOutput{
			"7": {Images: []workerclient.ImageRef{{Filename: "out.png", Type: "output"}}},
		},
	}, nil
}

func newTestServer(t *testing.T) *httpserver.Server {
	t.Helper()

	fleetPath := filepath.Join(t.TempDir(), "fleet.yaml")
	if err := os.WriteFile(fleetPath, []byte(testFleetYAML), 0o600); err != nil {
		t.Fatalf("write fleet config: %v", err)
	}
	reg, err := registry.Load(fleetPath, func(domain.WorkerNode) registry.Prober { return fakeProber{} })
	if err != nil {
		t.Fatalf("registry.Load() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	reg.StartHealthLoop(ctx, 0)
	cancel()
	reg.StopAndWait()

	templatesDir, err := filepath.Abs(filepath.Join("..", "..", "..", "configs", "templates"))
	if err != nil {
		t.Fatalf("resolve templates dir: %v", err)
	}
	tmpls, err := template.Load(templatesDir)
	if err != nil {
		t.Fatalf("template.Load() error = %v", err)
	}

	jobs := &memoryJobRepo{jobs: map[string]domain.Job{}}
	rt := router.New(reg, nil)
	agg := aggregator.New()
	driver := lifecycle.New(jobs, reg, agg, func(domain.WorkerNode) lifecycle.WorkerClient {
		return instantCompleteClient{}
	}, lifecycle.WithPollInterval(time.Millisecond))

	cfg := config.Config{AdmissionGateFactor: 2.0, RateLimitPerMin: 1000}

	return httpserver.NewServer(cfg, jobs, reg, rt, tmpls, driver, agg, nil, nil, nil)
}

// memoryJobRepo is a minimal hand-rolled domain.JobRepository fake, used
// instead of the real postgres/memory adapters so tests stay independent
// of a database and can inspect stored jobs directly.
type memoryJobRepo struct {
	jobs map[string]domain.Job
}

func (m *memoryJobRepo) Create(ctx context.Context, j domain.Job) (string, error) {
	m.jobs[j.ID] = j
	return j.ID, nil
}

func (m *memoryJobRepo) UpdateStatus(ctx context.Context, id string, status domain.JobStatus, errMsg *string) error {
	j := m.jobs[id]
	j.Status = status
	if errMsg != nil {
		j.ErrorMessage = *errMsg
	}
	m.jobs[id] = j
	return nil
}

func (m *memoryJobRepo) SetWorkerJobID(ctx context.Context, id, workerJobID string) error {
	j := m.jobs[id]
	j.WorkerJobID = workerJobID
	m.jobs[id] = j
	return nil
}

func (m *memoryJobRepo) SetOutputs(ctx context.Context, id string, outputs []domain.OutputArtifact) error {
	j := m.jobs[id]
	j.Outputs = outputs
	m.jobs[id] = j
	return nil
}

func (m *memoryJobRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (m *memoryJobRepo) CountByBatchStatus(ctx context.Context, batchID string, status domain.JobStatus) (int64, error) {
	var n int64
	for _, j := range m.jobs {
		if j.BatchID == batchID && j.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *memoryJobRepo) CountByBatch(ctx context.Context, batchID string) (int64, error) {
	var n int64
	for _, j := range m.jobs {
		if j.BatchID == batchID {
			n++
		}
	}
	return n, nil
}

func (m *memoryJobRepo) ListRunningBefore(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	return nil, nil
}

func newRequest(t *testing.T, method, path string, body any, urlParams map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if len(urlParams) > 0 {
		rctx := chi.NewRouteContext()
		for k, v := range urlParams {
			rctx.URLParams.Add(k, v)
		}
		req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	}
	return req
}

func TestGenerateHandler_AcceptsValidRequest(t *testing.T) {
	srv := newTestServer(t)
	body := map[string]any{
		"session_id": "sess-1",
		"task_type":  "standard",
		"prompt":     "a red panda",
		"width":      1024,
		"height":     1024,
	}
	req := newRequest(t, http.MethodPost, "/v1/generate", body, nil)
	rec := httptest.NewRecorder()

	srv.GenerateHandler()(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d, body = %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	var resp struct {
		GenerationID string `json:"generation_id"`
		WorkerID     string `json:"worker_id"`
		Status       string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.GenerationID == "" || resp.WorkerID != "gpu-0" || resp.Status != "queued" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGenerateHandler_RejectsMissingPrompt(t *testing.T) {
	srv := newTestServer(t)
	body := map[string]any{
		"session_id": "sess-1",
		"task_type":  "standard",
	}
	req := newRequest(t, http.MethodPost, "/v1/generate", body, nil)
	rec := httptest.NewRecorder()

	srv.GenerateHandler()(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGenerateHandler_RejectsUnknownTaskType(t *testing.T) {
	srv := newTestServer(t)
	body := map[string]any{
		"session_id": "sess-1",
		"task_type":  "bogus",
		"prompt":     "a cat",
	}
	req := newRequest(t, http.MethodPost, "/v1/generate", body, nil)
	rec := httptest.NewRecorder()

	srv.GenerateHandler()(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGetGenerationHandler_NotFound(t *testing.T) {
	srv := newTestServer(t)
	req := newRequest(t, http.MethodGet, "/v1/generate/missing", nil, map[string]string{"id": "missing"})
	rec := httptest.NewRecorder()

	srv.GetGenerationHandler()(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestFleetHandler_ReportsLoadedNodes(t *testing.T) {
	srv := newTestServer(t)
	req := newRequest(t, http.MethodGet, "/v1/fleet", nil, nil)
	rec := httptest.NewRecorder()

	srv.FleetHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var nodes []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &nodes); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(nodes) != 1 || nodes[0]["id"] != "gpu-0" {
		t.Fatalf("unexpected fleet snapshot: %+v", nodes)
	}
}

func TestHealthzHandler_AlwaysOK(t *testing.T) {
	srv := newTestServer(t)
	req := newRequest(t, http.MethodGet, "/healthz", nil, nil)
	rec := httptest.NewRecorder()

	srv.HealthzHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyzHandler_NoChecksConfiguredIsReady(t *testing.T) {
	srv := newTestServer(t)
	req := newRequest(t, http.MethodGet, "/readyz", nil, nil)
	rec := httptest.NewRecorder()

	srv.ReadyzHandler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", rec.Code, http.StatusOK, rec.Body.String())
	}
}
