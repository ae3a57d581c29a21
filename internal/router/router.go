// Package router implements task-to-worker dispatch: single-job routing
// with preferred-worker override, and weighted batch distribution across
// every capable worker.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/rodan32/imgen-orchestrator/internal/domain"
	"github.com/rodan32/imgen-orchestrator/internal/registry"
)

// OverflowThreshold is the queue depth past which a worker is treated as
// overloaded for batch capacity weighting.
const OverflowThreshold = 5

// PreferenceConfidenceThreshold is the minimum oracle confidence required
// before a recommended checkpoint is honored. The learning model behind
// the oracle is out of scope; this threshold is this router's own Open
// Question decision (see DESIGN.md).
const PreferenceConfidenceThreshold = 0.6

// capabilityRequirements is the minimum capability a worker must advertise
// to accept a given task type.
var capabilityRequirements = map[domain.TaskType]string{
	domain.TaskDraft:       "sd15",
	domain.TaskStandard:    "sdxl",
	domain.TaskQuality:     "sdxl",
	domain.TaskUpscale:     "upscale",
	domain.TaskFlux:        "flux_fp8",
	domain.TaskFluxQuality: "flux",
}

// RequiredCapability resolves the capability a worker needs for a task,
// letting an explicit model family override the task-type default.
func RequiredCapability(task domain.TaskType, family string) string {
	if family != "" {
		return family
	}
	if c, ok := capabilityRequirements[task]; ok {
		return c
	}
	return "sd15"
}

// Router dispatches jobs against a fleet Registry. The preference oracle
// is optional; a nil oracle disables checkpoint narrowing entirely.
type Router struct {
	registry *registry.Registry
	oracle   domain.PreferenceOracle
}

// New builds a Router over reg. oracle may be nil.
func New(reg *registry.Registry, oracle domain.PreferenceOracle) *Router {
	return &Router{registry: reg, oracle: oracle}
}

// Route finds the best worker for a single task.
//
//  1. If preferred names a healthy, capable worker, use it.
//  2. Otherwise pick the least loaded among all healthy capable workers.
//
// The second return value is a recommended checkpoint from the preference
// oracle, empty unless the oracle was consulted and cleared the confidence
// threshold; callers pass it through to the template build step.
func (r *Router) Route(ctx context.Context, task domain.TaskType, preferred, family string) (domain.WorkerNode, string, error) {
	required := RequiredCapability(task, family)

	if preferred != "" {
		if n, ok := r.registry.Get(preferred); ok && n.Healthy && n.HasCapability(required) {
			slog.Info("routed to preferred worker", slog.String("worker_id", preferred), slog.String("task_type", string(task)))
			return n, r.recommend(ctx, family, task), nil
		}
	}

	candidates := r.registry.Capable(required)
	if len(candidates) == 0 {
		return domain.WorkerNode{}, "", fmt.Errorf("%w: task_type=%s required_capability=%s", domain.ErrNoAvailableWorker, task, required)
	}

	best, ok := registry.LeastLoaded(candidates)
	if !ok {
		return domain.WorkerNode{}, "", fmt.Errorf("%w: task_type=%s", domain.ErrNoAvailableWorker, task)
	}
	slog.Info("routed task", slog.String("worker_id", best.ID), slog.String("task_type", string(task)), slog.Int("queue_length", best.QueueLength))
	return best, r.recommend(ctx, family, task), nil
}

func (r *Router) recommend(ctx context.Context, family string, task domain.TaskType) string {
	if r.oracle == nil {
		return ""
	}
	checkpoint, confidence := r.oracle.RecommendCheckpoint(ctx, family, task)
	if confidence < PreferenceConfidenceThreshold {
		return ""
	}
	return checkpoint
}

// RouteBatch distributes count tasks across every capable, healthy worker.
// Distribution is weighted by available queue capacity and tier: a worker
// with a shorter queue and a higher tier is assigned proportionally more
// of the batch. The last candidate absorbs the rounding remainder.
//
// If every candidate's weight is zero, the batch falls back to an even
// split (remainder to the first candidates) rather than dividing by zero.
func (r *Router) RouteBatch(ctx context.Context, task domain.TaskType, count int, family string) ([]domain.WorkerAssignment, error) {
	required := RequiredCapability(task, family)
	candidates := r.registry.Capable(required)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: batch task_type=%s required_capability=%s", domain.ErrNoAvailableWorker, task, required)
	}

	weights := make([]float64, len(candidates))
	var total float64
	for i, n := range candidates {
		capacity := float64(OverflowThreshold - n.QueueLength)
		if capacity < 1 {
			capacity = 1
		}
		tierBonus := 1.0 + float64(n.Tier.TierRank())*0.25
		weights[i] = capacity * tierBonus
		total += weights[i]
	}

	var assignments []domain.WorkerAssignment
	if total == 0 {
		per := count / len(candidates)
		rem := count % len(candidates)
		for i, n := range candidates {
			c := per
			if i < rem {
				c++
			}
			if c > 0 {
				assignments = append(assignments, domain.WorkerAssignment{WorkerID: n.ID, Count: c})
			}
		}
		return assignments, nil
	}

	remaining := count
	for i, n := range candidates {
		var c int
		if i == len(candidates)-1 {
			c = remaining
		} else {
			c = int(math.Round(float64(count) * weights[i] / total))
			if c > remaining {
				c = remaining
			}
		}
		remaining -= c
		if c > 0 {
			assignments = append(assignments, domain.WorkerAssignment{WorkerID: n.ID, Count: c})
		}
	}

	slog.Info("batch distribution", slog.Int("count", count), slog.String("task_type", string(task)), slog.Int("candidates", len(candidates)))
	return assignments, nil
}
