// Package api provides the HTTP handlers and routing for the status API.
//
// The surface is read-only: jobs are created by uploading a descriptor to
// the object store, and all state changes flow through the registry loop.
// The API only reports what the metadata store knows.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"jobd/internal/apperrors"
	"jobd/internal/health"
	"jobd/internal/job"
	"jobd/internal/metastore"
)

// Handler contains HTTP handlers for the status API
type Handler struct {
	store  *metastore.Store
	health *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(store *metastore.Store, healthChecker *health.Checker) *Handler {
	return &Handler{
		store:  store,
		health: healthChecker,
	}
}

// ListJobsResponse is the payload for GET /v1/jobs.
type ListJobsResponse struct {
	Jobs  []job.Job `json:"jobs"`
	Count int       `json:"count"`
}

// ListFilesResponse is the payload for GET /v1/jobs/{username}/{jobID}/files.
type ListFilesResponse struct {
	Files []job.FileRecord `json:"files"`
	Count int              `json:"count"`
}

// ListJobs handles GET /v1/jobs.
// The unfinished=1 query parameter narrows the listing to jobs that have
// not reached a terminal status.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var (
		jobs []job.Job
		err  error
	)
	if r.URL.Query().Get("unfinished") == "1" {
		jobs, err = h.store.ListUnfinishedJobs(r.Context())
	} else {
		jobs, err = h.store.ListJobs(r.Context())
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs, Count: len(jobs)})
}

// GetJob handles GET /v1/jobs/{username}/{jobID}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	jobID, err := job.ParseJobID(r.PathValue("jobID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	j, err := h.store.GetJob(r.Context(), username, jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// ListJobFiles handles GET /v1/jobs/{username}/{jobID}/files
func (h *Handler) ListJobFiles(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	jobID, err := job.ParseJobID(r.PathValue("jobID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	exists, err := h.store.JobExists(r.Context(), username, jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !exists {
		h.handleError(w, r, apperrors.NotFound("job", job.Key(username, jobID)))
		return
	}

	files, err := h.store.ListFiles(r.Context(), username, jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, ListFilesResponse{Files: files, Count: len(files)})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if a dependency (metadata store, object store) is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from the store layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
