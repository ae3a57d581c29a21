package workerclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rodan32/imgen-orchestrator/internal/domain"
)

// queueStatus mirrors the worker's /queue response.
type queueStatus struct {
	Running []json.RawMessage `json:"queue_running"`
	Pending []json.RawMessage `json:"queue_pending"`
}

// Probe performs the registry's per-interval health check: a capability
// fetch (any 2xx from /system_stats is sufficient) followed by a
// queue-depth fetch. It returns the worker's reported queue length
// (running + pending). Any failure returns domain.ErrWorkerUnavailable;
// the registry never propagates probe errors beyond flipping Healthy.
func (c *Client) Probe(ctx context.Context) (queueLength int, err error) {
	if err := c.getOK(ctx, "/system_stats"); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/queue", nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrWorkerUnavailable, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrWorkerUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("%w: worker %s queue probe returned %d", domain.ErrWorkerUnavailable, c.node.ID, resp.StatusCode)
	}

	var q queueStatus
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return 0, fmt.Errorf("%w: decode queue probe: %v", domain.ErrWorkerUnavailable, err)
	}
	return len(q.Running) + len(q.Pending), nil
}

func (c *Client) getOK(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrWorkerUnavailable, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrWorkerUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: worker %s %s returned %d", domain.ErrWorkerUnavailable, c.node.ID, path, resp.StatusCode)
	}
	return nil
}
