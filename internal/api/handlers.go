// Package api exposes the pipeline over HTTP (chi router, bearer auth) and
// over MCP stdio.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/veselov/askdoc/internal/jobs"
	"github.com/veselov/askdoc/internal/pipeline"
	"github.com/veselov/askdoc/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

const (
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 2 * time.Minute
)

// JobLister is the slice of the store the listing endpoint needs.
type JobLister interface {
	ListJobs(limit int) ([]storage.Job, error)
}

type Deps struct {
	Engine *pipeline.Engine
	Store  JobLister
	Token  string
}

type IngestRequest struct {
	DocumentID string `json:"document_id"`
	FilePath   string `json:"file_path"`
}

type QueryRequest struct {
	Question string `json:"question"`
	TopK     int    `json:"top_k"`
}

// jobView is the wire rendering of a job. Result is raw JSON so clients see
// the job output as an object, not a string.
type jobView struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	FailedStep string          `json:"failed_step,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  string          `json:"created_at"`
	UpdatedAt  string          `json:"updated_at"`
}

func viewOf(job storage.Job) jobView {
	v := jobView{
		ID:         job.ID,
		Type:       job.Type,
		Status:     job.Status,
		FailedStep: job.FailedStep,
		Error:      job.LastError,
		CreatedAt:  job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  job.UpdatedAt.Format(time.RFC3339),
	}
	if job.ResultJSON != "" {
		v.Result = json.RawMessage(job.ResultJSON)
	}
	return v
}

// NewHandler builds the HTTP API. Everything except /health requires the
// bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/documents", handleIngestDocument(deps))
		r.Post("/queries", handleQuery(deps))
		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Get("/jobs/{id}/wait", handleWaitJob(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleIngestDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.FilePath == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file_path is required")
			return
		}
		if req.DocumentID == "" {
			req.DocumentID = uuid.New().String()
		}

		jobID, err := deps.Engine.Trigger(jobs.TypeIngest, jobs.IngestPayload{
			DocumentID: req.DocumentID,
			FilePath:   req.FilePath,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue ingest: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"job_id":      jobID,
			"document_id": req.DocumentID,
			"status":      "queued",
		})
	}
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		jobID, err := deps.Engine.Trigger(jobs.TypeQuery, jobs.QueryPayload{
			Question: req.Question,
			TopK:     req.TopK,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue query: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"job_id": jobID,
			"status": "queued",
		})
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		job, err := deps.Engine.GetJob(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(viewOf(job))
	}
}

// handleWaitJob blocks until the job is terminal or the timeout elapses,
// then returns the job in whatever state it reached. Timing out is not an
// error; clients inspect status.
func handleWaitJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		timeout := defaultWaitTimeout
		if raw := r.URL.Query().Get("timeout"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid timeout %q", raw)
				return
			}
			timeout = d
		}
		if timeout > maxWaitTimeout {
			timeout = maxWaitTimeout
		}

		job, err := deps.Engine.Wait(r.Context(), id, timeout)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil && !errors.Is(err, pipeline.ErrWaitTimeout) {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to wait for job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(viewOf(job))
	}
}

func handleListJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		list, err := deps.Store.ListJobs(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}

		views := make([]jobView, len(list))
		for i, job := range list {
			views[i] = viewOf(job)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(views)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
