package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/rodan32/imgen-orchestrator/internal/adapter/observability"
	"github.com/rodan32/imgen-orchestrator/internal/aggregator"
	"github.com/rodan32/imgen-orchestrator/internal/config"
	"github.com/rodan32/imgen-orchestrator/internal/domain"
	"github.com/rodan32/imgen-orchestrator/internal/lifecycle"
	"github.com/rodan32/imgen-orchestrator/internal/registry"
	"github.com/rodan32/imgen-orchestrator/internal/router"
	"github.com/rodan32/imgen-orchestrator/internal/template"
)

// Limiter is the subset of ratelimiter.RedisLuaLimiter the HTTP surface
// needs for per-IP throttling of mutating endpoints.
type Limiter interface {
	Allow(ctx context.Context, key string, cost int64) (allowed bool, retryAfter time.Duration, err error)
}

// Server holds every dependency the HTTP surface dispatches against.
type Server struct {
	cfg       config.Config
	jobs      domain.JobRepository
	registry  *registry.Registry
	router    *router.Router
	templates *template.Engine
	driver    *lifecycle.Driver
	agg       *aggregator.Aggregator
	limiter   Limiter
	dbCheck   func(ctx context.Context) error
	fleetCheck func(ctx context.Context) error
}

// NewServer builds a Server. limiter and the readiness checks may be nil.
func NewServer(
	cfg config.Config,
	jobs domain.JobRepository,
	reg *registry.Registry,
	rt *router.Router,
	templates *template.Engine,
	driver *lifecycle.Driver,
	agg *aggregator.Aggregator,
	limiter Limiter,
	dbCheck, fleetCheck func(ctx context.Context) error,
) *Server {
	return &Server{
		cfg: cfg, jobs: jobs, registry: reg, router: rt, templates: templates,
		driver: driver, agg: agg, limiter: limiter, dbCheck: dbCheck, fleetCheck: fleetCheck,
	}
}

func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed request body: %v", err))
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("validation failed: %v", err))
		return false
	}
	return true
}

func (s *Server) rateLimited(w http.ResponseWriter, r *http.Request, cost int64) bool {
	if s.limiter == nil {
		return false
	}
	key := r.RemoteAddr
	allowed, retryAfter, err := s.limiter.Allow(r.Context(), key, cost)
	if err != nil {
		slog.Warn("rate limiter error, failing open", slog.Any("error", err))
		return false
	}
	if !allowed {
		w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return true
	}
	return false
}

// admissionGated reports whether every worker capable of the given task is
// at or above the admission-gate queue depth, per design notes §9's
// optional admission gate.
func (s *Server) admissionGated(task domain.TaskType, family string) bool {
	required := router.RequiredCapability(task, family)
	candidates := s.registry.Capable(required)
	if len(candidates) == 0 {
		return false // ErrNoAvailableWorker path reports this more precisely
	}
	gate := int(float64(router.OverflowThreshold) * s.cfg.AdmissionGateFactor)
	for _, n := range candidates {
		if n.QueueLength < gate {
			return false
		}
	}
	return true
}

// GenerateHandler handles POST /v1/generate: single job submission.
func (s *Server) GenerateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimited(w, r, 1) {
			return
		}
		var req generateRequest
		if !s.decodeAndValidate(w, r, &req) {
			return
		}
		if s.admissionGated(req.TaskType, req.ModelFamily) {
			writeError(w, http.StatusServiceUnavailable, "fleet at capacity, try again shortly")
			return
		}

		worker, recommendedCheckpoint, err := s.router.Route(r.Context(), req.TaskType, req.PreferredWorker, req.ModelFamily)
		if err != nil {
			observability.RecordRouterDecision("no_available_worker")
			writeError(w, statusForError(err), err.Error())
			return
		}
		observability.RecordRouterDecision("routed")

		checkpoint := req.Checkpoint
		if checkpoint == "" {
			checkpoint = recommendedCheckpoint
		}

		templateName, err := s.templates.Select(req.ModelFamily, req.SourceImageName != "", len(req.Adapters) > 0)
		if err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}
		tmpl := s.templates.Lookup(templateName)

		generationID := ulid.Make().String()
		graph, err := template.Build(tmpl, template.BuildParams{
			ModelFamily:         req.ModelFamily,
			Prompt:              req.Prompt,
			NegativePrompt:      req.NegativePrompt,
			Checkpoint:          checkpoint,
			Width:               req.Width,
			Height:              req.Height,
			Steps:               req.Steps,
			CFGScale:            req.CFGScale,
			Sampler:             req.Sampler,
			Scheduler:           req.Scheduler,
			DenoiseStrength:     req.DenoiseStrength,
			Seed:                req.Seed,
			FilenamePrefix:      fmt.Sprintf("imgen_%s_%s", req.SessionID, generationID),
			SourceImageFilename: req.SourceImageName,
			Adapters:            req.toAdapters(),
		}, worker)
		if err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}

		job := domain.Job{
			ID:             generationID,
			SessionID:      req.SessionID,
			TaskType:       req.TaskType,
			ModelFamily:    req.ModelFamily,
			AssignedWorker: worker.ID,
			Seed:           req.Seed,
			Status:         domain.JobQueued,
		}
		if _, err := s.jobs.Create(r.Context(), job); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		observability.EnqueueJob(string(req.TaskType))
		observability.StartRunningJob(string(req.TaskType))
		go s.driver.Run(context.Background(), job, worker, graph, lifecycle.RunOptions{})

		writeJSON(w, http.StatusAccepted, generationResponse{
			GenerationID: generationID,
			WorkerID:     worker.ID,
			Status:       string(domain.JobQueued),
		})
	}
}

// GenerateBatchHandler handles POST /v1/generate/batch.
func (s *Server) GenerateBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimited(w, r, 1) {
			return
		}
		var req batchGenerateRequest
		if !s.decodeAndValidate(w, r, &req) {
			return
		}
		if s.admissionGated(req.TaskType, req.ModelFamily) {
			writeError(w, http.StatusServiceUnavailable, "fleet at capacity, try again shortly")
			return
		}

		assignments, err := s.router.RouteBatch(r.Context(), req.TaskType, req.Count, req.ModelFamily)
		if err != nil {
			observability.RecordRouterDecision("no_available_worker")
			writeError(w, statusForError(err), err.Error())
			return
		}
		observability.RecordRouterDecision("routed_batch")

		templateName, err := s.templates.Select(req.ModelFamily, false, len(req.Adapters) > 0)
		if err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}
		tmpl := s.templates.Lookup(templateName)

		batchID := uuid.NewString()
		workerAssignments := make(map[string]int, len(assignments))
		seed := req.SeedStart

		index := 0
		for _, a := range assignments {
			worker, ok := s.registry.Get(a.WorkerID)
			if !ok {
				continue
			}
			workerAssignments[a.WorkerID] = a.Count
			for i := 0; i < a.Count; i++ {
				jobSeed := seed + int64(index)
				generationID := ulid.Make().String()

				graph, err := template.Build(tmpl, template.BuildParams{
					ModelFamily:     req.ModelFamily,
					Prompt:          req.Prompt,
					NegativePrompt:  req.NegativePrompt,
					Checkpoint:      req.Checkpoint,
					Width:           req.Width,
					Height:          req.Height,
					Steps:           req.Steps,
					CFGScale:        req.CFGScale,
					Sampler:         req.Sampler,
					Scheduler:       req.Scheduler,
					DenoiseStrength: 1.0,
					Seed:            jobSeed,
					FilenamePrefix:  fmt.Sprintf("imgen_%s_%s", req.SessionID, generationID),
					Adapters:        req.toAdapters(),
				}, worker)
				if err != nil {
					slog.Error("batch build failed", slog.String("batch_id", batchID), slog.Any("error", err))
					index++
					continue
				}

				job := domain.Job{
					ID:             generationID,
					SessionID:      req.SessionID,
					BatchID:        batchID,
					BatchIndex:     index,
					TaskType:       req.TaskType,
					ModelFamily:    req.ModelFamily,
					AssignedWorker: worker.ID,
					Seed:           jobSeed,
					Status:         domain.JobQueued,
				}
				if _, err := s.jobs.Create(r.Context(), job); err != nil {
					slog.Error("batch job persist failed", slog.String("batch_id", batchID), slog.Any("error", err))
					index++
					continue
				}

				observability.EnqueueJob(string(req.TaskType))
				observability.StartRunningJob(string(req.TaskType))
				go s.driver.Run(context.Background(), job, worker, graph, lifecycle.RunOptions{BatchTotal: req.Count})
				index++
			}
		}

		writeJSON(w, http.StatusAccepted, batchResponse{
			BatchID:           batchID,
			TotalCount:        req.Count,
			WorkerAssignments: workerAssignments,
		})
	}
}

// GetGenerationHandler handles GET /v1/generate/{id}.
func (s *Server) GetGenerationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := s.jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, toJobStatusResponse(job))
	}
}

// FleetHandler handles GET /v1/fleet, a registry snapshot for operators.
func (s *Server) FleetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodes := s.registry.All()
		out := make([]fleetNodeResponse, 0, len(nodes))
		for _, n := range nodes {
			out = append(out, toFleetNodeResponse(n))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// HealthzHandler reports liveness unconditionally: the process is up.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler reports readiness: db connectivity and a healthy fleet.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{}
		ready := true
		if s.dbCheck != nil {
			if err := s.dbCheck(r.Context()); err != nil {
				checks["db"] = err.Error()
				ready = false
			} else {
				checks["db"] = "ok"
			}
		}
		if s.fleetCheck != nil {
			if err := s.fleetCheck(r.Context()); err != nil {
				checks["fleet"] = err.Error()
				ready = false
			} else {
				checks["fleet"] = "ok"
			}
		}
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ready": ready, "checks": checks})
	}
}

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSink adapts a client-facing websocket connection to aggregator.Sink.
// Writes are serialized by a mutex since gorilla/websocket connections are
// not safe for concurrent writers.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Send(ev aggregator.ClientEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	observability.RecordAggregatorEvent(ev.Type)
	return s.conn.WriteJSON(ev)
}

// StreamHandler handles GET /v1/sessions/{session_id}/stream: upgrades to
// a WebSocket and registers it as a SessionSink for the session's events.
func (s *Server) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "session_id")
		conn, err := streamUpgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("stream upgrade failed", slog.String("session_id", sessionID), slog.Any("error", err))
			return
		}
		defer conn.Close()

		sink := &wsSink{conn: conn}
		unsubscribe := s.agg.Subscribe(sessionID, sink)
		defer unsubscribe()

		// Drain reads to notice client disconnects; the client never sends
		// application frames on this stream.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}
