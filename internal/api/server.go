// Package api exposes the operator HTTP API: site registry management,
// manual collection triggers, queue control, and anomaly review.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/syatt-io/perfwatch/internal/detector"
	"github.com/syatt-io/perfwatch/internal/model"
	"github.com/syatt-io/perfwatch/internal/monitoring"
	"github.com/syatt-io/perfwatch/internal/scheduler"
	"github.com/syatt-io/perfwatch/internal/store"
)

// Server holds the API's dependencies.
type Server struct {
	store     store.Store
	scheduler *scheduler.Scheduler
	detector  *detector.Detector
	status    *monitoring.StatusCollector
}

// New creates an API server.
func New(st store.Store, sch *scheduler.Scheduler, det *detector.Detector, status *monitoring.StatusCollector) *Server {
	return &Server{store: st, scheduler: sch, detector: det, status: status}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Post("/collect", s.handleCollectAll)

		r.Route("/sites", func(r chi.Router) {
			r.Get("/", s.handleListSites)
			r.Post("/", s.handleCreateSite)
			r.Post("/{id}/enable", s.handleSetSiteEnabled(true))
			r.Post("/{id}/disable", s.handleSetSiteEnabled(false))
			r.Post("/{id}/collect", s.handleCollectSite)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/reap", s.handleReap)
		})

		r.Route("/pool", func(r chi.Router) {
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
		})

		r.Route("/anomalies", func(r chi.Router) {
			r.Get("/", s.handleListAnomalies)
			r.Post("/{id}/resolve", s.handleAnomalyTransition(model.AnomalyResolved))
			r.Post("/{id}/false-positive", s.handleAnomalyTransition(model.AnomalyFalsePositive))
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.status.Collect(r.Context(), 24)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleCollectAll fans out jobs for every enabled site and dispatches
// them in the background. The request returns once jobs are created.
func (s *Server) handleCollectAll(w http.ResponseWriter, r *http.Request) {
	created, err := s.scheduler.ScheduleAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	go s.dispatch()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"jobs_created": len(created),
	})
}

func (s *Server) handleCollectSite(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "id")
	site, err := s.store.GetSite(r.Context(), siteID)
	if eris.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	created := 0
	for _, device := range model.DefaultDeviceProfiles {
		active, err := s.store.ListActiveJobs(r.Context(), site.ID, device)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if len(active) > 0 {
			continue
		}
		_, err = s.store.CreateJob(r.Context(), model.Job{
			SiteID: site.ID,
			Device: device,
			Kind:   model.JobKindCollect,
		})
		if eris.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		created++
	}
	go s.dispatch()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"site_id":      site.ID,
		"jobs_created": created,
	})
}

// dispatch drains the pending queue off the request path.
func (s *Server) dispatch() {
	if err := s.scheduler.RunPending(context.Background()); err != nil {
		zap.L().Error("api: background dispatch failed", zap.Error(err))
	}
}

func (s *Server) handleListSites(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	sites, err := s.store.ListSites(r.Context(), enabledOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sites)
}

func (s *Server) handleCreateSite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		URL      string `json:"url"`
		PageType string `json:"page_type"`
		Enabled  *bool  `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, eris.New("invalid request body"))
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, eris.New("url is required"))
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	site, err := s.store.CreateSite(r.Context(), model.Site{
		Name:              req.Name,
		URL:               req.URL,
		PageType:          req.PageType,
		MonitoringEnabled: enabled,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, site)
}

func (s *Server) handleSetSiteEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := s.store.SetSiteEnabled(r.Context(), id, enabled)
		if eris.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": enabled})
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{
		Status: model.JobStatus(r.URL.Query().Get("status")),
		SiteID: r.URL.Query().Get("site_id"),
	}
	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleReap(w http.ResponseWriter, r *http.Request) {
	reaped, err := s.scheduler.ReapStuckJobs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reaped": reaped})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	filter := store.AnomalyFilter{
		Status: model.AnomalyStatus(r.URL.Query().Get("status")),
		SiteID: r.URL.Query().Get("site_id"),
	}
	recs, err := s.store.ListAnomalies(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleAnomalyTransition moves an active anomaly to an operator-chosen
// terminal state. A conflict means the record already left active.
func (s *Server) handleAnomalyTransition(to model.AnomalyStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := s.store.SetAnomalyStatus(r.Context(), id, model.AnomalyActive, to)
		if eris.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, eris.New("anomaly is not active"))
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(to)})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
