package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"course-content-jobs/internal/config"
	"course-content-jobs/internal/feed"
	"course-content-jobs/internal/models"
	"course-content-jobs/internal/ratelimit"
	"course-content-jobs/internal/status"
	"course-content-jobs/internal/store"
	"course-content-jobs/internal/telemetry"
)

// Server wires the operator-facing HTTP surface: idempotent submission,
// classified job status, bounded requeue, and the migration status feed.
// The production gateway in front of this adds auth and content endpoints.
type Server struct {
	cfg           config.Config
	store         store.JobStore
	limiter       *ratelimit.Limiter
	migrationFeed feed.Sink
}

// New constructs the API server. limiter and migrationFeed may be nil.
func New(cfg config.Config, st store.JobStore, limiter *ratelimit.Limiter, migrationFeed feed.Sink) *Server {
	return &Server{
		cfg:           cfg,
		store:         st,
		limiter:       limiter,
		migrationFeed: migrationFeed,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/stats", s.handleStats)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/status", s.handleJobStatus)
	r.Post("/jobs/requeue", s.handleRequeue)
	r.Get("/migration/status", s.handleMigrationStatus)
	return r
}

type submitRequest struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type submitResponse struct {
	Job      models.Job `json:"job"`
	Existing bool       `json:"existing"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		decision, err := s.limiter.Allow(r.Context(), callerScope(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, existing, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		Type:           req.Type,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if existing {
		// Duplicate submission resolved to the original row; not an error.
		telemetry.IdempotentHits.Inc()
		writeJSON(w, http.StatusOK, submitResponse{Job: job, Existing: true})
		return
	}
	telemetry.SubmitCounter.Inc()
	writeJSON(w, http.StatusAccepted, submitResponse{Job: job, Existing: false})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status.ForJob(job, time.Now(), s.cfg.HangTimeout))
}

type requeueRequest struct {
	Type          string `json:"type"`
	CourseID      string `json:"course_id"`
	Status        string `json:"status"`
	ErrorContains string `json:"error_contains"`
	Limit         int    `json:"limit"`
}

type requeueResponse struct {
	Updated int      `json:"updated"`
	IDs     []string `json:"ids"`
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	var req requeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Limit > s.cfg.RequeueHardCap {
		http.Error(w, "limit exceeds hard cap", http.StatusBadRequest)
		return
	}

	ids, err := s.store.Requeue(r.Context(), store.RequeueFilter{
		Type:          req.Type,
		CourseID:      req.CourseID,
		Status:        req.Status,
		ErrorContains: req.ErrorContains,
		Limit:         req.Limit,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.RequeueCounter.Add(float64(len(ids)))
	writeJSON(w, http.StatusOK, requeueResponse{Updated: len(ids), IDs: ids})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleMigrationStatus(w http.ResponseWriter, r *http.Request) {
	if s.migrationFeed == nil {
		http.Error(w, "migration feed not configured", http.StatusNotFound)
		return
	}
	rec, found, err := s.migrationFeed.Load(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status.ForMigration(rec, found, time.Now(), s.cfg.MigrationHangTimeout))
}

func callerScope(r *http.Request) string {
	if v := r.Header.Get("X-Caller-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
