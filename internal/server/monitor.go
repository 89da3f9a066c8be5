package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

const defaultContentionWindow = time.Hour

func (h *handlers) monitorRoutes(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		health, err := h.Monitor.Health(r.Context())
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, health)
	})

	r.Get("/locks", func(w http.ResponseWriter, r *http.Request) {
		window := defaultContentionWindow
		if s := r.URL.Query().Get("windowSeconds"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 {
				window = time.Duration(n) * time.Second
			}
		}
		stats, err := h.Monitor.LockContention(r.Context(), window)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	r.Get("/queues", func(w http.ResponseWriter, r *http.Request) {
		depth, err := h.Monitor.QueueDepth(r.Context())
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, depth)
	})

	r.Get("/jobs", func(w http.ResponseWriter, r *http.Request) {
		stats, err := h.Monitor.JobStats(r.Context())
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})
}

func (h *handlers) jobRoutes(r chi.Router) {
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		list, err := h.Jobs.Jobs(r.Context())
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	})

	r.Get("/{name}/executions", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		execs, err := h.Jobs.Executions(r.Context(), chi.URLParam(r, "name"), limit)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, execs)
	})

	r.Post("/{name}/run", func(w http.ResponseWriter, r *http.Request) {
		res, err := h.Jobs.RunNow(r.Context(), chi.URLParam(r, "name"))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})
}
