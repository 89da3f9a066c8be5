package server

import (
	"fmt"
	"net/http"
	"strconv"

	"polaris/internal/store"
	"polaris/internal/workclaim"

	"github.com/go-chi/chi/v5"
)

func messageID(r *http.Request, param string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid message id", errBadRequest)
	}
	return id, nil
}

func (h *handlers) queueRoutes(r chi.Router) {
	r.Post("/claim", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Channel    string   `json:"channel"`
			WorkerID   string   `json:"workerId"`
			EventTypes []string `json:"eventTypes"`
			BatchSize  int      `json:"batchSize"`
		}
		if err := decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
		if req.Channel == "" {
			h.fail(w, r, fmt.Errorf("%w: channel is required", errBadRequest))
			return
		}
		worker, err := h.holder(r, req.WorkerID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		msgs, err := h.Claimer.Claim(r.Context(), workclaim.ClaimRequest{
			Channel:    req.Channel,
			Worker:     worker,
			EventTypes: req.EventTypes,
			BatchSize:  req.BatchSize,
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if msgs == nil {
			msgs = []store.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	})

	r.Get("/{messageId}", func(w http.ResponseWriter, r *http.Request) {
		id, err := messageID(r, "messageId")
		if err != nil {
			h.fail(w, r, err)
			return
		}
		m, err := h.Admin.GetMessage(r.Context(), id)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	})

	r.Post("/{messageId}/claim", func(w http.ResponseWriter, r *http.Request) {
		id, err := messageID(r, "messageId")
		if err != nil {
			h.fail(w, r, err)
			return
		}
		var req struct {
			WorkerID string `json:"workerId"`
		}
		if err := decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
		worker, err := h.holder(r, req.WorkerID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		m, ok, err := h.Claimer.ClaimByID(r.Context(), id, worker)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if !ok {
			writeJSON(w, http.StatusOK, map[string]bool{"claimed": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"claimed": true, "message": m})
	})

	r.Post("/{messageId}/complete", func(w http.ResponseWriter, r *http.Request) {
		id, err := messageID(r, "messageId")
		if err != nil {
			h.fail(w, r, err)
			return
		}
		var req struct {
			Status   string `json:"status"`
			Error    string `json:"error"`
			WorkerID string `json:"workerId"`
		}
		if err := decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
		// Authenticated callers may only complete their own claims.
		if h.JWTSecret != "" {
			if req.WorkerID, err = h.holder(r, req.WorkerID); err != nil {
				h.fail(w, r, err)
				return
			}
		}
		var success bool
		switch req.Status {
		case "completed", "success":
			success = true
		case "failed":
		default:
			h.fail(w, r, fmt.Errorf("%w: status must be completed or failed", errBadRequest))
			return
		}
		status, err := h.Claimer.Complete(r.Context(), workclaim.CompleteRequest{
			ID:      id,
			Worker:  req.WorkerID,
			Success: success,
			Error:   req.Error,
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		body := map[string]any{"ok": true, "status": status}
		if status == store.StatusDeadLetter {
			body["code"] = "RetriesExhausted"
		}
		writeJSON(w, http.StatusOK, body)
	})

	r.Get("/dead-letters", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		msgs, err := h.Admin.ListDeadLetters(r.Context(), r.URL.Query().Get("channel"), limit)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if msgs == nil {
			msgs = []store.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	})

	r.Post("/dead-letters/{messageId}/requeue", func(w http.ResponseWriter, r *http.Request) {
		id, err := messageID(r, "messageId")
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if err := h.Admin.RequeueDeadLetter(r.Context(), id); err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	r.Delete("/dead-letters/{messageId}", func(w http.ResponseWriter, r *http.Request) {
		id, err := messageID(r, "messageId")
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if err := h.Admin.DeleteDeadLetter(r.Context(), id); err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
}
