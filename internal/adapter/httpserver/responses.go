// Package httpserver contains HTTP handlers and middleware.
//
// It provides REST API endpoints for the application including
// generation submission, status lookup, and fleet inspection.
// The package follows clean architecture principles and provides
// a clear separation between HTTP concerns and business logic.
package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/rodan32/imgen-orchestrator/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response body", slog.Any("error", err))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusForError maps a domain sentinel to the HTTP status code the REST
// surface reports it as.
func statusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case isErr(err, domain.ErrNotFound):
		return http.StatusNotFound
	case isErr(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case isErr(err, domain.ErrNoAvailableWorker), isErr(err, domain.ErrNoTemplate), isErr(err, domain.ErrBadTemplate):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func isErr(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// generationResponse is the body returned by single-job submission.
type generationResponse struct {
	GenerationID string `json:"generation_id"`
	WorkerID     string `json:"worker_id"`
	Status       string `json:"status"`
}

// batchResponse is the body returned by batch submission.
type batchResponse struct {
	BatchID          string         `json:"batch_id"`
	TotalCount       int            `json:"total_count"`
	WorkerAssignments map[string]int `json:"worker_assignments"`
}

// jobStatusResponse is a snapshot of one job's state and outputs.
type jobStatusResponse struct {
	ID           string                   `json:"id"`
	SessionID    string                   `json:"session_id"`
	BatchID      string                   `json:"batch_id,omitempty"`
	Status       domain.JobStatus         `json:"status"`
	AssignedWorker string                 `json:"assigned_worker,omitempty"`
	ErrorMessage string                   `json:"error_message,omitempty"`
	Outputs      []domain.OutputArtifact  `json:"outputs,omitempty"`
}

func toJobStatusResponse(j domain.Job) jobStatusResponse {
	return jobStatusResponse{
		ID:             j.ID,
		SessionID:      j.SessionID,
		BatchID:        j.BatchID,
		Status:         j.Status,
		AssignedWorker: j.AssignedWorker,
		ErrorMessage:   j.ErrorMessage,
		Outputs:        j.Outputs,
	}
}

// fleetNodeResponse is one worker's operator-facing snapshot.
type fleetNodeResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Tier        string `json:"tier"`
	Healthy     bool   `json:"healthy"`
	QueueLength int    `json:"queue_length"`
}

func toFleetNodeResponse(n domain.WorkerNode) fleetNodeResponse {
	return fleetNodeResponse{
		ID:          n.ID,
		Name:        n.Name,
		Tier:        n.Tier.String(),
		Healthy:     n.Healthy,
		QueueLength: n.QueueLength,
	}
}
