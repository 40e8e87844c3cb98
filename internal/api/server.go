// Package api exposes the HTTP interface for the snapshot service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pagesnap/pagesnap/internal/config"
	"github.com/pagesnap/pagesnap/internal/metrics"
	"github.com/pagesnap/pagesnap/internal/service"
	"github.com/pagesnap/pagesnap/internal/snap"
)

// defaultSyncWait bounds how long a synchronous crawl request holds
// the connection before answering 408.
const defaultSyncWait = 60 * time.Second

// Server wires HTTP handlers to the snapshot service.
type Server struct {
	router chi.Router
	svc    *service.Service
	cfg    config.Config
	log    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc *service.Service, cfg config.Config, log *zap.Logger) *Server {
	s := &Server{svc: svc, cfg: cfg, log: log}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(log))
	r.Use(recoverMiddleware(log))
	r.Use(timeoutMiddleware(2 * defaultSyncWait))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())
	r.Handle("/data/*", http.FileServer(http.Dir(cfg.Data.Dir)))

	r.Route("/api", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/crawl", s.crawl)
		r.Post("/carbon", s.carbon)
		r.Get("/snap", s.latestSnapshot)
		r.Get("/snap/{job_id}", s.snapshotByJob)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/jobs", s.listJobs)
			r.Get("/jobs/stats", s.jobStats)
			r.Delete("/jobs", s.deleteJobs)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.svc.Stats(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// crawl accepts a crawl payload. Async requests answer 202 with the
// job id; sync requests hold the connection for the finished snapshot
// and answer 408 with the job id if it does not arrive in time.
func (s *Server) crawl(w http.ResponseWriter, r *http.Request) {
	var payload snap.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.svc.Crawl(r.Context(), payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !payload.Sync {
		writeJSON(w, http.StatusAccepted, res)
		return
	}
	s.waitAndAnswer(w, r, res)
}

func (s *Server) carbon(w http.ResponseWriter, r *http.Request) {
	var req service.CodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.svc.CrawlCode(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Sync {
		writeJSON(w, http.StatusAccepted, res)
		return
	}
	s.waitAndAnswer(w, r, res)
}

func (s *Server) waitAndAnswer(w http.ResponseWriter, r *http.Request, res service.EnqueueResult) {
	view, err := s.svc.WaitForResult(r.Context(), res.JobID, defaultSyncWait)
	if errors.Is(err, service.ErrWaitTimeout) {
		writeJSON(w, http.StatusRequestTimeout, res)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if view == nil {
		writeError(w, http.StatusNotFound, "snapshot not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) snapshotByJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	view, err := s.svc.GetSnapshot(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if view == nil {
		writeError(w, http.StatusNotFound, "snapshot not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) latestSnapshot(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	view, err := s.svc.GetLatestSnapshot(r.Context(), url)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if view == nil {
		writeError(w, http.StatusNotFound, "snapshot not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", 20)
	queue := snap.Queue(r.URL.Query().Get("queue"))

	jobs, err := s.svc.Paginate(r.Context(), page, pageSize, queue)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) jobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type deleteJobsRequest struct {
	IDs []string `json:"ids"`
}

// deleteJobs removes jobs either by queue (?queue=) or by explicit ids
// in the body.
func (s *Server) deleteJobs(w http.ResponseWriter, r *http.Request) {
	if queue := r.URL.Query().Get("queue"); queue != "" {
		n, err := s.svc.DeleteByQueue(r.Context(), snap.Queue(queue))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
		return
	}

	var req deleteJobsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "queue parameter or ids body required")
		return
	}
	n, err := s.svc.DeleteByIDs(r.Context(), req.IDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}
