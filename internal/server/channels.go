package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"polaris/internal/broker"
	"polaris/internal/store"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const streamKeepAlive = 15 * time.Second

func (h *handlers) channelRoutes(r chi.Router) {
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		channels, err := h.Admin.ListChannels(r.Context())
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, channels)
	})

	r.Post("/", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name               string   `json:"name"`
			EventTypes         []string `json:"eventTypes"`
			RetentionSeconds   int64    `json:"retentionSeconds"`
			MaxEventsPerMinute int      `json:"maxEventsPerMinute"`
			MaxRetries         int      `json:"maxRetries"`
		}
		if err := decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
		if req.Name == "" || req.MaxEventsPerMinute < 0 || req.MaxRetries < 0 {
			h.fail(w, r, fmt.Errorf("%w: name is required and limits must not be negative", errBadRequest))
			return
		}
		ch, err := h.Admin.CreateChannel(r.Context(), store.Channel{
			Name:               req.Name,
			EventTypes:         req.EventTypes,
			Retention:          time.Duration(req.RetentionSeconds) * time.Second,
			MaxEventsPerMinute: req.MaxEventsPerMinute,
			MaxRetries:         req.MaxRetries,
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, ch)
	})

	r.Post("/{name}/deactivate", func(w http.ResponseWriter, r *http.Request) {
		if err := h.Admin.DeactivateChannel(r.Context(), chi.URLParam(r, "name")); err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	r.Post("/{name}/publish", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			EventType string          `json:"eventType"`
			Payload   json.RawMessage `json:"payload"`
			Sender    string          `json:"sender"`
			Persist   bool            `json:"persist"`
		}
		if err := decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
		if req.Sender == "" {
			req.Sender = Subject(r.Context())
		}
		res, err := h.Broker.Publish(r.Context(), broker.PublishRequest{
			Channel:   chi.URLParam(r, "name"),
			EventType: req.EventType,
			Payload:   req.Payload,
			Sender:    req.Sender,
			Persist:   req.Persist,
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		body := map[string]any{"notifiedCount": res.NotifiedCount}
		if res.Persisted {
			body["messageId"] = res.MessageID
		}
		writeJSON(w, http.StatusOK, body)
	})

	r.Post("/{name}/subscribe", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SubscriberID string                 `json:"subscriberId"`
			Mode         store.SubscriptionMode `json:"mode"`
			Filter       string                 `json:"filter"`
		}
		if err := decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
		_, err := h.Broker.Subscribe(r.Context(), broker.SubscribeRequest{
			Channel:      chi.URLParam(r, "name"),
			SubscriberID: req.SubscriberID,
			Mode:         req.Mode,
			Filter:       req.Filter,
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	r.Post("/{name}/unsubscribe", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SubscriberID string `json:"subscriberId"`
		}
		if err := decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
		removed, err := h.Broker.Unsubscribe(r.Context(), chi.URLParam(r, "name"), req.SubscriberID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": removed})
	})

	r.Get("/{name}/subscribers/{id}/stream", h.stream)
}

// stream pushes live notifications as server-sent events until the client
// goes away. Keep-alives also count as subscriber activity.
func (h *handlers) stream(w http.ResponseWriter, r *http.Request) {
	channel, subscriberID := chi.URLParam(r, "name"), chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Internal", "streaming unsupported")
		return
	}
	events, stop, err := h.Broker.Stream(r.Context(), channel, subscriberID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := h.Broker.Touch(r.Context(), channel, subscriberID); err != nil {
				h.logger.Warn("Failed to touch subscriber", zap.String("channel", channel), zap.Error(err))
			}
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case n, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.EventType, data)
			flusher.Flush()
		}
	}
}
