package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"polaris/internal/log"
	"polaris/internal/monitor"
	"polaris/internal/store"

	"go.uber.org/zap"
)

// Registry maps operation names to their implementations. Jobs refer to
// operations by name only; nothing is ever built from a string.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Operation
}

func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Operation)}
}

func (r *Registry) Register(name string, op Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[name] = op
}

func (r *Registry) Lookup(name string) (Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	return op, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type Purger interface {
	Purge(ctx context.Context, p store.RetentionPolicy) (int64, error)
}

type LockReaper interface {
	ReleaseAbandoned(ctx context.Context, maxHold time.Duration) ([]store.LockAcquisition, error)
}

type SubscriberSweeper interface {
	SweepInactive(ctx context.Context, idle time.Duration) (int64, error)
}

type HealthSource interface {
	Health(ctx context.Context) (monitor.Health, error)
}

type ClaimReaper interface {
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

type DeadLetterExporter interface {
	ExportPending(ctx context.Context) (int64, error)
}

// Builtins wires the maintenance operations. Nil dependencies leave their
// operation unregistered.
type Builtins struct {
	Purger          Purger
	Locks           LockReaper
	Subscribers     SubscriberSweeper
	Monitor         HealthSource
	Exporter        DeadLetterExporter
	Claims          ClaimReaper
	LockMaxHold     time.Duration
	ClaimTimeout    time.Duration
	SubscriberIdle  time.Duration
	PurgeDeadLetter bool
	Logger          *log.Logger
}

func (b Builtins) Register(r *Registry) {
	if b.Purger != nil {
		r.Register("purge_messages", func(ctx context.Context) (int64, error) {
			return b.Purger.Purge(ctx, store.RetentionPolicy{IncludeDeadLetter: b.PurgeDeadLetter})
		})
	}
	if b.Locks != nil {
		r.Register("release_abandoned_locks", func(ctx context.Context) (int64, error) {
			released, err := b.Locks.ReleaseAbandoned(ctx, b.LockMaxHold)
			return int64(len(released)), err
		})
	}
	if b.Subscribers != nil {
		r.Register("sweep_subscribers", func(ctx context.Context) (int64, error) {
			return b.Subscribers.SweepInactive(ctx, b.SubscriberIdle)
		})
	}
	if b.Monitor != nil {
		r.Register("health_check", func(ctx context.Context) (int64, error) {
			h, err := b.Monitor.Health(ctx)
			if err != nil {
				return 0, fmt.Errorf("health check: %w", err)
			}
			if b.Logger != nil {
				b.Logger.Info("Coordination health",
					zap.Int64("pending_messages", h.PendingMessages),
					zap.Int64("dead_letter_messages", h.DeadLetterMessages),
					zap.Int64("active_locks", h.ActiveLocks),
					zap.Int64("long_held_locks", h.LongHeldLocks),
					zap.Float64("job_success_rate", h.JobSuccessRate))
			}
			return 0, nil
		})
	}
	if b.Exporter != nil {
		r.Register("export_dead_letters", b.Exporter.ExportPending)
	}
	if b.Claims != nil {
		r.Register("requeue_stale_claims", func(ctx context.Context) (int64, error) {
			return b.Claims.RequeueStale(ctx, b.ClaimTimeout)
		})
	}
}
