// Package registry implements the GPU fleet registry: fleet configuration
// loading, concurrent worker state, and the periodic health probe loop.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rodan32/imgen-orchestrator/internal/adapter/observability"
	"github.com/rodan32/imgen-orchestrator/internal/domain"
)

// Prober is the subset of workerclient.Client the registry needs to
// health-check one worker. Accepting an interface lets tests swap in a
// fake prober without an HTTP server.
type Prober interface {
	Probe(ctx context.Context) (queueLength int, err error)
}

// ProberFactory builds a Prober for a given worker node, deferring the
// concrete transport (workerclient.New) to the registry's caller so this
// package stays decoupled from net/http.
type ProberFactory func(domain.WorkerNode) Prober

type entry struct {
	mu   sync.Mutex
	node domain.WorkerNode
}

// Registry holds the fleet's worker nodes and their live runtime state.
// The node table is a reader-majority concurrent map; each entry's
// mutable fields are guarded by its own short-lived mutex, so a probe on
// one worker never blocks reads or writes on another (design notes §9).
type Registry struct {
	nodes   sync.Map // id -> *entry
	ids     []string // stable load order, for tie-break in least_loaded
	prober  ProberFactory
	cancel  context.CancelFunc
	done    chan struct{}
}

// fleetConfig mirrors the declarative document of §6: a `nodes` sequence.
// Unknown fields are ignored by yaml.Unmarshal's default behavior.
type fleetConfig struct {
	Nodes []nodeConfig `yaml:"nodes"`
}

type nodeConfig struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	VRAMGB        int      `yaml:"vram_gb"`
	Tier          string   `yaml:"tier"`
	Host          string   `yaml:"host"`
	Port          int      `yaml:"port"`
	Capabilities  []string `yaml:"capabilities"`
	MaxResolution int      `yaml:"max_resolution"`
	MaxBatch      int      `yaml:"max_batch"`
}

// Load parses a fleet configuration file into a new Registry. Missing
// required fields (id, host, port, tier) abort startup with an error.
func Load(path string, prober ProberFactory) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read fleet config: %w", err)
	}
	var cfg fleetConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("registry: parse fleet config: %w", err)
	}

	r := &Registry{prober: prober}
	for _, n := range cfg.Nodes {
		if n.ID == "" || n.Host == "" || n.Port == 0 || n.Tier == "" {
			return nil, fmt.Errorf("registry: node entry missing required field: %+v", n)
		}
		tier, err := domain.ParseTier(n.Tier)
		if err != nil {
			return nil, fmt.Errorf("registry: node %s: %w", n.ID, err)
		}
		caps := make(map[string]struct{}, len(n.Capabilities))
		for _, c := range n.Capabilities {
			caps[c] = struct{}{}
		}
		maxRes := n.MaxResolution
		if maxRes == 0 {
			maxRes = 1024
		}
		maxBatch := n.MaxBatch
		if maxBatch == 0 {
			maxBatch = 1
		}
		node := domain.WorkerNode{
			ID:            n.ID,
			Name:          n.Name,
			Host:          n.Host,
			Port:          n.Port,
			VRAMGB:        n.VRAMGB,
			Tier:          tier,
			Capabilities:  caps,
			MaxResolution: maxRes,
			MaxBatch:      maxBatch,
		}
		r.nodes.Store(n.ID, &entry{node: node})
		r.ids = append(r.ids, n.ID)
	}
	return r, nil
}

func (r *Registry) entry(id string) (*entry, bool) {
	v, ok := r.nodes.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// Get returns the worker with the given id.
func (r *Registry) Get(id string) (domain.WorkerNode, bool) {
	e, ok := r.entry(id)
	if !ok {
		return domain.WorkerNode{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.node, true
}

// All returns every registered worker, in load order.
func (r *Registry) All() []domain.WorkerNode {
	out := make([]domain.WorkerNode, 0, len(r.ids))
	for _, id := range r.ids {
		if n, ok := r.Get(id); ok {
			out = append(out, n)
		}
	}
	return out
}

// Healthy returns every worker currently marked healthy, in load order.
func (r *Registry) Healthy() []domain.WorkerNode {
	var out []domain.WorkerNode
	for _, n := range r.All() {
		if n.Healthy {
			out = append(out, n)
		}
	}
	return out
}

// Capable returns every healthy worker advertising the given capability.
func (r *Registry) Capable(capability string) []domain.WorkerNode {
	var out []domain.WorkerNode
	for _, n := range r.Healthy() {
		if n.HasCapability(capability) {
			out = append(out, n)
		}
	}
	return out
}

// AtOrAboveTier returns every healthy worker whose tier rank is at least
// that of t.
func (r *Registry) AtOrAboveTier(t domain.Tier) []domain.WorkerNode {
	minRank := t.TierRank()
	var out []domain.WorkerNode
	for _, n := range r.Healthy() {
		if n.Tier.TierRank() >= minRank {
			out = append(out, n)
		}
	}
	return out
}

// LeastLoaded returns the candidate with the smallest queue_length, ties
// broken by the candidates' input order (stable).
func LeastLoaded(candidates []domain.WorkerNode) (domain.WorkerNode, bool) {
	if len(candidates) == 0 {
		return domain.WorkerNode{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.QueueLength < best.QueueLength {
			best = c
		}
	}
	return best, true
}

// IncrementLoad bumps a worker's queue_length by one.
func (r *Registry) IncrementLoad(id string) {
	e, ok := r.entry(id)
	if !ok {
		return
	}
	e.mu.Lock()
	e.node.QueueLength++
	e.mu.Unlock()
}

// DecrementLoad lowers a worker's queue_length by one, clamped at zero.
func (r *Registry) DecrementLoad(id string) {
	e, ok := r.entry(id)
	if !ok {
		return
	}
	e.mu.Lock()
	if e.node.QueueLength > 0 {
		e.node.QueueLength--
	}
	e.mu.Unlock()
}

// StartHealthLoop probes every worker concurrently every interval
// (default 10s) until ctx is canceled. Probe errors never propagate:
// they only flip the worker's Healthy field. The loop is cancellation
// safe; StopAndWait cancels it and awaits termination.
func (r *Registry) StartHealthLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		r.probeAll(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.probeAll(ctx)
			}
		}
	}()
}

// StopAndWait cancels the health probe loop and waits for it to return.
func (r *Registry) StopAndWait() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

func (r *Registry) probeAll(ctx context.Context) {
	ids := r.ids
	var wg sync.WaitGroup
	wg.Add(len(ids))
	for _, id := range ids {
		id := id
		go func() {
			defer wg.Done()
			r.probeOne(ctx, id)
		}()
	}
	wg.Wait()
}

func (r *Registry) probeOne(ctx context.Context, id string) {
	e, ok := r.entry(id)
	if !ok || r.prober == nil {
		return
	}
	e.mu.Lock()
	node := e.node
	e.mu.Unlock()

	prober := r.prober(node)
	start := time.Now()
	queueLength, err := prober.Probe(ctx)
	latency := time.Since(start)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.node.LastProbeTime = start
	if err != nil {
		e.node.Healthy = false
		observability.RecordWorkerProbe(id, false, e.node.QueueLength, latency.Seconds())
		slog.Warn("worker probe failed", slog.String("worker_id", id), slog.Any("error", err))
		return
	}
	e.node.Healthy = true
	e.node.LastProbeLatencyMS = latency.Milliseconds()
	e.node.QueueLength = queueLength
	observability.RecordWorkerProbe(id, true, queueLength, latency.Seconds())
}
