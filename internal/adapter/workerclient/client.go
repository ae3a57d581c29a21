// Package workerclient implements the HTTP transport to one GPU worker
// node. One Client is created per domain.WorkerNode and shares a single
// persistent connection pool with that worker for the node's lifetime.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/rodan32/imgen-orchestrator/internal/domain"
)

// Client talks to a single worker's HTTP surface (§6 of the external
// interfaces). It never retries: the lifecycle driver owns retry policy.
type Client struct {
	node     domain.WorkerNode
	clientID string
	http     *http.Client
	baseURL  string
}

// New constructs a Client for the given worker with a 30s total / 10s
// connect timeout transport, matching the worker's typical generation
// latency budget.
func New(node domain.WorkerNode) *Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		node:     node,
		clientID: uuid.NewString(),
		baseURL:  node.BaseURL(),
		http: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
	}
}

// Close releases the connection pool.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Submit posts a job graph for execution and returns the worker-assigned
// job id. Validation failures and other 4xx responses surface as
// ErrSubmitRejected; connect failures, 5xx, and timeouts surface as
// ErrWorkerUnavailable.
func (c *Client) Submit(ctx context.Context, graph domain.Graph) (string, error) {
	payload := map[string]any{
		"prompt":    graph,
		"client_id": c.clientID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("workerclient: encode submit payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrWorkerUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrWorkerUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: worker %s returned %d", domain.ErrWorkerUnavailable, c.node.ID, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%w: worker %s returned %d: %s", domain.ErrSubmitRejected, c.node.ID, resp.StatusCode, string(respBody))
	}

	var out struct {
		PromptID string `json:"prompt_id"`
		Error    string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("%w: decode submit response: %v", domain.ErrWorkerUnavailable, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("%w: %s", domain.ErrSubmitRejected, out.Error)
	}
	if out.PromptID == "" {
		return "", fmt.Errorf("%w: worker %s returned no prompt_id", domain.ErrSubmitRejected, c.node.ID)
	}
	return out.PromptID, nil
}

// History entry, decoded from the worker's /history/{id} endpoint.
type History struct {
	Outputs map[string]NodeOutput `json:"outputs"`
}

// NodeOutput is one node's output record, present once that node has run.
type NodeOutput struct {
	Images []ImageRef `json:"images"`
}

// ImageRef identifies one output image on the worker's filesystem.
type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// History returns the terminal record for a submitted job, or nil if it
// has not yet reached a terminal state on the worker. It never blocks.
func (c *Client) History(ctx context.Context, workerJobID string) (*History, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+workerJobID, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrWorkerUnavailable, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrWorkerUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: worker %s history returned %d", domain.ErrWorkerUnavailable, c.node.ID, resp.StatusCode)
	}

	var envelope map[string]History
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: decode history response: %v", domain.ErrWorkerUnavailable, err)
	}
	entry, ok := envelope[workerJobID]
	if !ok || entry.Outputs == nil {
		return nil, nil
	}
	return &entry, nil
}

// Outputs enumerates every image attached to a terminal history record.
func Outputs(h *History) []domain.OutputArtifact {
	var out []domain.OutputArtifact
	if h == nil {
		return out
	}
	for _, nodeOutput := range h.Outputs {
		for _, img := range nodeOutput.Images {
			out = append(out, domain.OutputArtifact{
				Filename:  img.Filename,
				Subfolder: img.Subfolder,
				Type:      img.Type,
			})
		}
	}
	return out
}

// Fetch downloads the raw bytes of one output artifact.
func (c *Client) Fetch(ctx context.Context, a domain.OutputArtifact) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrWorkerUnavailable, err)
	}
	q := req.URL.Query()
	q.Set("filename", a.Filename)
	q.Set("subfolder", a.Subfolder)
	q.Set("type", a.Type)
	req.URL.RawQuery = q.Encode()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrWorkerUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: worker %s fetch returned %d", domain.ErrWorkerUnavailable, c.node.ID, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read fetch body: %v", domain.ErrWorkerUnavailable, err)
	}
	return data, nil
}

// Upload sends a seed image to the worker and echoes back the
// worker-side filename for use as an img2img input. The payload is
// sniffed with mimetype before upload so non-image seeds are rejected
// before they reach the worker.
func (c *Client) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	mt := mimetype.Detect(data)
	if mt == nil || !isImageMIME(mt.String()) {
		return "", fmt.Errorf("%w: seed image %q has unsupported content type %q", domain.ErrInvalidArgument, filename, mtString(mt))
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return "", fmt.Errorf("workerclient: build upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("workerclient: write upload body: %w", err)
	}
	_ = mw.WriteField("subfolder", "")
	_ = mw.WriteField("type", "input")
	_ = mw.WriteField("overwrite", "true")
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("workerclient: close upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/image", &buf)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrWorkerUnavailable, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrWorkerUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: worker %s upload returned %d", domain.ErrWorkerUnavailable, c.node.ID, resp.StatusCode)
	}

	var out struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode upload response: %v", domain.ErrWorkerUnavailable, err)
	}
	return out.Name, nil
}

func isImageMIME(s string) bool {
	return len(s) >= 6 && s[:6] == "image/"
}

func mtString(mt *mimetype.MIME) string {
	if mt == nil {
		return "unknown"
	}
	return mt.String()
}
