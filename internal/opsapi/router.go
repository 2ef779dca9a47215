package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"slotsync/internal/domain"
	"slotsync/internal/scheduler"
	"slotsync/internal/storage"
	"slotsync/internal/worker"
)

// Sources is what the ops surface reads from.
type Sources struct {
	Jobs      storage.JobStore
	Workers   *worker.Pool
	Scheduler *scheduler.Service
}

type RouterOptions struct {
	Token string
	Pprof bool
}

// NewRouter builds the ops handler:
//
//	GET  /healthz
//	GET  /jobs/stats
//	GET  /jobs?status=&type=&limit=
//	GET  /workers
//	GET  /scheduler
//	POST /scheduler/{name}/run
//	     /debug/*  (pprof, when enabled)
func NewRouter(src Sources, opt RouterOptions) http.Handler {
	h := &handlers{src: src}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(opt.Token))
		r.Get("/jobs/stats", h.jobStats)
		r.Get("/jobs", h.jobs)
		r.Get("/workers", h.workers)
		r.Get("/scheduler", h.scheduler)
		r.Post("/scheduler/{name}/run", h.runSchedule)
		if opt.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

type handlers struct {
	src Sources
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) jobStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	counts, err := h.src.Jobs.CountJobs(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "byStatus": counts})
}

const maxJobsLimit = 500

func (h *handlers) jobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.JobFilter{
		Status: domain.JobStatus(strings.TrimSpace(q.Get("status"))),
		Type:   domain.JobType(strings.TrimSpace(q.Get("type"))),
		Limit:  50,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		f.Limit = min(n, maxJobsLimit)
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	jobs, err := h.src.Jobs.ListJobs(ctx, f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handlers) workers(w http.ResponseWriter, r *http.Request) {
	if h.src.Workers == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("worker pool not configured"))
		return
	}
	writeJSON(w, http.StatusOK, h.src.Workers.Snapshot())
}

func (h *handlers) scheduler(w http.ResponseWriter, r *http.Request) {
	if h.src.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("scheduler not configured"))
		return
	}
	writeJSON(w, http.StatusOK, h.src.Scheduler.Snapshot())
}

func (h *handlers) runSchedule(w http.ResponseWriter, r *http.Request) {
	if h.src.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("scheduler not configured"))
		return
	}
	name := chi.URLParam(r, "name")
	// The trigger runs detached so a slow sweep does not hold the request.
	if !h.src.Scheduler.Has(name) {
		writeError(w, http.StatusNotFound, scheduler.ErrUnknownSchedule)
		return
	}
	go func() { _ = h.src.Scheduler.RunNow(name) }()
	writeJSON(w, http.StatusAccepted, map[string]string{"schedule": name})
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" && got == tok {
				next.ServeHTTP(w, r)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(ah[len(p):]) == tok {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
