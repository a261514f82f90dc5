package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/tkuiper/audiofleet/internal/application"
	"github.com/tkuiper/audiofleet/internal/domain/audio"
	"github.com/tkuiper/audiofleet/internal/domain/models"
	"github.com/tkuiper/audiofleet/internal/domain/recorders"
	"github.com/tkuiper/audiofleet/internal/middleware"
)

type Router struct {
	audioRepo    audio.Repository
	modelRepo    models.Repository
	recorderRepo recorders.Repository
	clock        application.Clock
}

func NewRouter(audioRepo audio.Repository, modelRepo models.Repository, recorderRepo recorders.Repository, clock application.Clock, checkers map[string]middleware.HealthChecker) http.Handler {
	r := &Router{
		audioRepo:    audioRepo,
		modelRepo:    modelRepo,
		recorderRepo: recorderRepo,
		clock:        clock,
	}
	mux := chi.NewRouter()

	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	mux.Get("/health", middleware.HealthHandler(checkers))
	mux.Get("/live", middleware.LivenessHandler)
	mux.Get("/metrics", middleware.MetricsHandler)

	mux.Route("/v1/{project}", func(rt chi.Router) {
		rt.Get("/models", r.wrap(r.handleListModels))
		rt.Get("/models/{id}", r.wrap(r.handleGetModel))
		rt.Post("/models/{id}/requeue", r.wrap(r.handleRequeueModel))
		rt.Get("/audio/{id}", r.wrap(r.handleGetAudio))
		rt.Get("/recorders", r.wrap(r.handleListRecorders))
		rt.Get("/summary", r.wrap(r.handleSummary))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := h(w, req); err != nil {
			switch {
			case errors.Is(err, audio.ErrNotFound),
				errors.Is(err, models.ErrNotFound),
				errors.Is(err, recorders.ErrNotFound):
				http.Error(w, "not found", http.StatusNotFound)
			case errors.Is(err, models.ErrStaleTransition):
				http.Error(w, "record is not in a requeueable state", http.StatusConflict)
			default:
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
		}
	}
}

// GET /v1/{project}/models?recorder=&status=&limit=50
func (r *Router) handleListModels(w http.ResponseWriter, req *http.Request) error {
	project := chi.URLParam(req, "project")
	recorder := req.URL.Query().Get("recorder")
	status := models.Status(req.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))

	list, err := r.modelRepo.List(req.Context(), project, recorder, status, limit)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(list)
}

// GET /v1/{project}/models/{id}
func (r *Router) handleGetModel(w http.ResponseWriter, req *http.Request) error {
	rec, err := r.modelRepo.Get(req.Context(), models.RecordID(chi.URLParam(req, "id")))
	if err != nil {
		return err
	}
	if rec.Project != chi.URLParam(req, "project") {
		return models.ErrNotFound
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(rec)
}

// POST /v1/{project}/models/{id}/requeue
// Operator path for failed trainings: reset the record to pending so the
// dispatcher queues it again on its next sweep.
func (r *Router) handleRequeueModel(w http.ResponseWriter, req *http.Request) error {
	id := models.RecordID(chi.URLParam(req, "id"))

	rec, err := r.modelRepo.Get(req.Context(), id)
	if err != nil {
		return err
	}
	if rec.Project != chi.URLParam(req, "project") {
		return models.ErrNotFound
	}

	if err := r.modelRepo.MarkPending(req.Context(), id); err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(map[string]any{
		"id":          id,
		"status":      models.StatusPending,
		"requeued_at": r.clock.Now(),
	})
}

// GET /v1/{project}/audio/{id}
func (r *Router) handleGetAudio(w http.ResponseWriter, req *http.Request) error {
	rec, err := r.audioRepo.Get(req.Context(), audio.RecordID(chi.URLParam(req, "id")))
	if err != nil {
		return err
	}
	if rec.Project != chi.URLParam(req, "project") {
		return audio.ErrNotFound
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(rec)
}

// GET /v1/{project}/recorders
func (r *Router) handleListRecorders(w http.ResponseWriter, req *http.Request) error {
	list, err := r.recorderRepo.List(req.Context(), chi.URLParam(req, "project"))
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(list)
}

// GET /v1/{project}/summary?days=7
func (r *Router) handleSummary(w http.ResponseWriter, req *http.Request) error {
	project := chi.URLParam(req, "project")
	days, _ := strconv.Atoi(req.URL.Query().Get("days"))
	if days <= 0 {
		days = 7
	}

	records, withDetections, detections, err := r.audioRepo.Summary(req.Context(), project, days)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(map[string]any{
		"project":         project,
		"days":            days,
		"records":         records,
		"with_detections": withDetections,
		"detections":      detections,
		"generated_at":    time.Now().UTC(),
	})
}
