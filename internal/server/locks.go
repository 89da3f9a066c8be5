package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"polaris/internal/lock"
	"polaris/internal/store"

	"github.com/go-chi/chi/v5"
)

// Locks is the lock surface the API exposes. Every call names the remote
// holder it acts for.
type Locks interface {
	Register(ctx context.Context, name, description string, scope store.LockScope) (int64, error)
	TryAcquire(ctx context.Context, holder, name, purpose string, shared bool) (bool, error)
	Acquire(ctx context.Context, holder, name, purpose string, shared bool, timeout time.Duration) (bool, error)
	Release(ctx context.Context, holder, name string) (bool, error)
	Heartbeat(ctx context.Context, holder string) (int64, error)
	AllocateFromPool(ctx context.Context, holder, pool string, size int) (int, error)
	ReleasePoolSlot(ctx context.Context, holder, pool string, slot int) (bool, error)
	Holds(ctx context.Context) ([]store.LockAcquisition, error)
}

type serviceLocks struct {
	svc *lock.Service
}

func LockService(svc *lock.Service) Locks {
	return serviceLocks{svc: svc}
}

func (l serviceLocks) as(holder string) *lock.Service {
	return l.svc.Remote(holder)
}

func (l serviceLocks) Register(ctx context.Context, name, description string, scope store.LockScope) (int64, error) {
	return l.svc.Register(ctx, name, description, scope)
}

func (l serviceLocks) TryAcquire(ctx context.Context, holder, name, purpose string, shared bool) (bool, error) {
	if shared {
		return l.as(holder).TryAcquireShared(ctx, name, purpose)
	}
	return l.as(holder).TryAcquire(ctx, name, purpose)
}

func (l serviceLocks) Acquire(ctx context.Context, holder, name, purpose string, shared bool, timeout time.Duration) (bool, error) {
	if shared {
		return l.as(holder).AcquireShared(ctx, name, purpose, timeout)
	}
	return l.as(holder).Acquire(ctx, name, purpose, timeout)
}

func (l serviceLocks) Release(ctx context.Context, holder, name string) (bool, error) {
	return l.as(holder).Release(ctx, name)
}

func (l serviceLocks) Heartbeat(ctx context.Context, holder string) (int64, error) {
	return l.as(holder).Heartbeat(ctx)
}

func (l serviceLocks) AllocateFromPool(ctx context.Context, holder, pool string, size int) (int, error) {
	svc := l.as(holder)
	return svc.AllocateFromPool(ctx, pool, size, svc.Holder())
}

func (l serviceLocks) ReleasePoolSlot(ctx context.Context, holder, pool string, slot int) (bool, error) {
	svc := l.as(holder)
	return svc.ReleasePoolSlot(ctx, pool, slot, svc.Holder())
}

func (l serviceLocks) Holds(ctx context.Context) ([]store.LockAcquisition, error) {
	return l.svc.Holds(ctx)
}

type lockRequest struct {
	Holder         string `json:"holder"`
	Context        string `json:"context"`
	Shared         bool   `json:"shared"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// holder resolves the caller identity. With authentication on it is the
// token subject, and a body holder naming anyone else is refused. Without
// authentication the body must name the holder.
func (h *handlers) holder(r *http.Request, explicit string) (string, error) {
	if h.JWTSecret != "" {
		sub := Subject(r.Context())
		if explicit != "" && explicit != sub {
			return "", fmt.Errorf("%w: token subject %q cannot act as holder %q", errForbidden, sub, explicit)
		}
		explicit = sub
	}
	if explicit == "" {
		return "", fmt.Errorf("%w: holder is required", errBadRequest)
	}
	return explicit, nil
}

func (h *handlers) lockRoutes(r chi.Router) {
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		holds, err := h.Locks.Holds(r.Context())
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, holds)
	})

	r.Post("/", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			Scope       store.LockScope `json:"scope"`
		}
		if err := decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
		if req.Name == "" {
			h.fail(w, r, fmt.Errorf("%w: name is required", errBadRequest))
			return
		}
		id, err := h.Locks.Register(r.Context(), req.Name, req.Description, req.Scope)
		if err != nil {
			h.fail(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id, "name": req.Name})
	})

	r.Post("/{name}/try-acquire", func(w http.ResponseWriter, r *http.Request) {
		var req lockRequest
		if err := decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
		who, err := h.holder(r, req.Holder)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		ok, err := h.Locks.TryAcquire(r.Context(), who, chi.URLParam(r, "name"), req.Context, req.Shared)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"acquired": ok})
	})

	r.Post("/{name}/acquire", func(w http.ResponseWriter, r *http.Request) {
		var req lockRequest
		if err := decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
		timeout := time.Duration(req.TimeoutSeconds) * time.Second
		if timeout <= 0 || (h.LockWaitMax > 0 && timeout > h.LockWaitMax) {
			timeout = h.LockWaitMax
		}
		who, err := h.holder(r, req.Holder)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		ok, err := h.Locks.Acquire(r.Context(), who, chi.URLParam(r, "name"), req.Context, req.Shared, timeout)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"acquired": ok})
	})

	r.Post("/{name}/release", func(w http.ResponseWriter, r *http.Request) {
		var req lockRequest
		if err := decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
		who, err := h.holder(r, req.Holder)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		released, err := h.Locks.Release(r.Context(), who, chi.URLParam(r, "name"))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"released": released})
	})

	// Remote holders keep their session holds alive here.
	r.Post("/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		var req lockRequest
		if err := decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
		who, err := h.holder(r, req.Holder)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		n, err := h.Locks.Heartbeat(r.Context(), who)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"renewed": n})
	})

	r.Post("/pools/{pool}/allocate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Holder string `json:"holder"`
			Size   int    `json:"size"`
		}
		if err := decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
		if req.Size <= 0 {
			h.fail(w, r, fmt.Errorf("%w: size must be positive", errBadRequest))
			return
		}
		who, err := h.holder(r, req.Holder)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		slot, err := h.Locks.AllocateFromPool(r.Context(), who, chi.URLParam(r, "pool"), req.Size)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"slot": slot})
	})

	r.Post("/pools/{pool}/release", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Holder string `json:"holder"`
			Slot   int    `json:"slot"`
		}
		if err := decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
		who, err := h.holder(r, req.Holder)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		released, err := h.Locks.ReleasePoolSlot(r.Context(), who, chi.URLParam(r, "pool"), req.Slot)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"released": released})
	})
}
