// Package domain defines core entities, ports, and domain-specific errors
// for the fleet dispatch and progress aggregation orchestrator.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels). Each component raises at most a handful of
// these.
var (
	ErrNoAvailableWorker = errors.New("no available worker")
	ErrNoTemplate        = errors.New("no matching template")
	ErrBadTemplate       = errors.New("bad template")
	ErrSubmitRejected    = errors.New("worker rejected submission")
	ErrWorkerUnavailable = errors.New("worker unavailable")
	ErrTimeout           = errors.New("generation timed out")
	ErrNoOutput          = errors.New("worker produced no output")
	ErrNotFound          = errors.New("not found")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInternal          = errors.New("internal error")
)

// Tier is an ordinal grouping over workers used for routing bias.
// The zero value is not a valid tier.
type Tier int

// Worker tiers, in ascending order. TierRank mirrors this ordering for
// arithmetic (route_batch's tier_bonus term).
const (
	TierDraft Tier = iota + 1
	TierStandard
	TierQuality
	TierPremium
)

// TierRank returns the zero-based rank used by the router's tier bonus
// (draft=0 … premium=3). Unknown tiers rank as draft.
func (t Tier) TierRank() int {
	switch t {
	case TierStandard:
		return 1
	case TierQuality:
		return 2
	case TierPremium:
		return 3
	default:
		return 0
	}
}

// ParseTier converts a fleet-config string into a Tier.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "draft":
		return TierDraft, nil
	case "standard":
		return TierStandard, nil
	case "quality":
		return TierQuality, nil
	case "premium":
		return TierPremium, nil
	default:
		return 0, fmt.Errorf("unknown tier %q", s)
	}
}

func (t Tier) String() string {
	switch t {
	case TierDraft:
		return "draft"
	case TierStandard:
		return "standard"
	case TierQuality:
		return "quality"
	case TierPremium:
		return "premium"
	default:
		return "unknown"
	}
}

// TaskType is a coarse request label mapping to a required capability.
type TaskType string

// Supported task types.
const (
	TaskDraft        TaskType = "draft"
	TaskStandard     TaskType = "standard"
	TaskQuality      TaskType = "quality"
	TaskUpscale      TaskType = "upscale"
	TaskFlux         TaskType = "flux"
	TaskFluxQuality  TaskType = "flux_quality"
)

// WorkerNode is a single GPU-backed inference process. Capability set and
// Tier are immutable once loaded; the remaining fields are the mutable
// runtime view maintained by the Registry's health probe and the
// Lifecycle Driver's load accounting.
type WorkerNode struct {
	ID            string
	Name          string
	Host          string
	Port          int
	VRAMGB        int
	Tier          Tier
	Capabilities  map[string]struct{}
	MaxResolution int
	MaxBatch      int

	// Mutable runtime fields, guarded by a per-node mutex in the registry.
	Healthy            bool
	QueueLength        int
	LastProbeLatencyMS int64
	LastProbeTime      time.Time
}

// BaseURL returns the worker's HTTP base address.
func (w WorkerNode) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", w.Host, w.Port)
}

// HasCapability reports whether the node advertises the given capability.
func (w WorkerNode) HasCapability(cap string) bool {
	_, ok := w.Capabilities[cap]
	return ok
}

// JobStatus captures the lifecycle state of a generation job.
type JobStatus string

// Job status values. Status is monotone along queued -> running ->
// {complete, error}; no other sequence is valid.
const (
	JobQueued   JobStatus = "queued"
	JobRunning  JobStatus = "running"
	JobComplete JobStatus = "complete"
	JobError    JobStatus = "error"
)

// OutputArtifact references one generated image on a worker.
type OutputArtifact struct {
	Filename  string
	Subfolder string
	Type      string
}

// Job is one image-production unit, from submission to terminal state.
// AssignedWorker is set exactly once at creation and never reassigned;
// WorkerJobID is set exactly once, while status transitions to running.
type Job struct {
	ID             string
	SessionID      string
	BatchID        string
	BatchIndex     int
	TaskType       TaskType
	ModelFamily    string
	Params         map[string]any
	AssignedWorker string
	WorkerJobID    string
	Seed           int64
	Status         JobStatus
	ErrorMessage   string
	Outputs        []OutputArtifact
	CreatedAt      time.Time
	StartedAt      time.Time
	FinishedAt     time.Time
}

// BatchDescriptor is the shape of a batch submission record. No component
// constructs one; the batch handler works from the []WorkerAssignment that
// RouteBatch returns. Sum of Assignments' counts equals Count; sum of
// CheckpointCounts equals Count.
type BatchDescriptor struct {
	ID                string
	SessionID         string
	Count             int
	Assignments       []WorkerAssignment
	CheckpointCounts  map[string]int
}

// WorkerAssignment is one (worker, count) pair produced by route_batch.
type WorkerAssignment struct {
	WorkerID string
	Count    int
}

// AdapterSpec names a secondary model module (e.g. a LoRA) to splice into
// a job graph. Order within a request is meaningful and preserved.
type AdapterSpec struct {
	Name               string
	ModelStrength      float64
	ClipStrength       float64
}

// GraphNode is one node of a job-graph template or a built job graph: a
// typed operation with named input ports. An input value is either a
// literal (string, number, bool) or a [nodeID, outputIndex] link encoded
// as a two-element slice.
type GraphNode struct {
	ClassType string
	Inputs    map[string]any
}

// Graph is a job-graph (template or built), keyed by string node id as on
// the wire (§6); node ids are numeric strings.
type Graph map[string]*GraphNode

// JobGraphTemplate is an immutable, process-wide parameterized job graph.
type JobGraphTemplate struct {
	Name              string
	Description       string
	ModelFamilies      []string
	SupportsImg2Img   bool
	SupportsLoRA      bool
	DefaultParams     map[string]any
	Graph             Graph
}

// PromptMapEntry correlates a worker-assigned job id with the client
// session, orchestrator job id, and worker that own it.
type PromptMapEntry struct {
	SessionID string
	JobID     string
	WorkerID  string
}

// JobRepository persists Job records. Two adapters exist: a Postgres
// adapter for production and an in-memory adapter used by default and in
// tests (see internal/adapter/repo).
type JobRepository interface {
	Create(ctx context.Context, j Job) (string, error)
	UpdateStatus(ctx context.Context, id string, status JobStatus, errMsg *string) error
	SetWorkerJobID(ctx context.Context, id, workerJobID string) error
	SetOutputs(ctx context.Context, id string, outputs []OutputArtifact) error
	Get(ctx context.Context, id string) (Job, error)
	CountByBatchStatus(ctx context.Context, batchID string, status JobStatus) (int64, error)
	CountByBatch(ctx context.Context, batchID string) (int64, error)
	ListRunningBefore(ctx context.Context, cutoff time.Time) ([]Job, error)
}

// PreferenceOracle is an advisory hook consulted by the router for a
// recommended checkpoint. It is never required:
// callers ignore a nil oracle or a low-confidence recommendation. The
// learning model itself is out of scope; only the interface is specified.
type PreferenceOracle interface {
	RecommendCheckpoint(ctx context.Context, family string, taskType TaskType) (checkpoint string, confidence float64)
}
