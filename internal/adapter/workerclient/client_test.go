package workerclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/rodan32/imgen-orchestrator/internal/domain"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse test server port: %v", err)
	}
	node := domain.WorkerNode{ID: "w1", Host: u.Hostname(), Port: port}
	return New(node)
}

func TestSubmitSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prompt" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"prompt_id": "abc123"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	defer c.Close()

	id, err := c.Submit(context.Background(), domain.Graph{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id != "abc123" {
		t.Errorf("Submit() = %q, want %q", id, "abc123")
	}
}

func TestSubmitRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": "missing required input"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	defer c.Close()

	_, err := c.Submit(context.Background(), domain.Graph{})
	if !errors.Is(err, domain.ErrSubmitRejected) {
		t.Fatalf("Submit() error = %v, want ErrSubmitRejected", err)
	}
}

func TestSubmitWorkerUnavailableOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	defer c.Close()

	_, err := c.Submit(context.Background(), domain.Graph{})
	if !errors.Is(err, domain.ErrWorkerUnavailable) {
		t.Fatalf("Submit() error = %v, want ErrWorkerUnavailable", err)
	}
}

func TestHistoryNotYetTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	defer c.Close()

	h, err := c.History(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if h != nil {
		t.Errorf("History() = %+v, want nil", h)
	}
}

func TestHistoryTerminalExtractsOutputs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"abc123": map[string]any{
				"outputs": map[string]any{
					"9": map[string]any{
						"images": []map[string]any{
							{"filename": "out1.png", "subfolder": "", "type": "output"},
						},
					},
				},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	defer c.Close()

	h, err := c.History(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if h == nil {
		t.Fatal("History() = nil, want terminal record")
	}
	outs := Outputs(h)
	if len(outs) != 1 || outs[0].Filename != "out1.png" {
		t.Errorf("Outputs() = %+v, want one out1.png entry", outs)
	}
}

func TestUploadRejectsNonImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("worker should not be contacted for a non-image payload")
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	defer c.Close()

	_, err := c.Upload(context.Background(), []byte("not an image"), "seed.png")
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("Upload() error = %v, want ErrInvalidArgument", err)
	}
}

func TestProbeCombinesQueueDepth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/system_stats":
			w.WriteHeader(http.StatusOK)
		case "/queue":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"queue_running": []any{map[string]any{}},
				"queue_pending": []any{map[string]any{}, map[string]any{}},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	defer c.Close()

	n, err := c.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Probe() = %d, want 3", n)
	}
}

func TestProbeFailsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	defer c.Close()

	_, err := c.Probe(context.Background())
	if !errors.Is(err, domain.ErrWorkerUnavailable) {
		t.Fatalf("Probe() error = %v, want ErrWorkerUnavailable", err)
	}
}
