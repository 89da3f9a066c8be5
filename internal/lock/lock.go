package lock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"polaris/internal/log"
	"polaris/internal/metrics"
	"polaris/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrLockNotHeld is returned when releasing a lock held by someone else.
	ErrLockNotHeld = errors.New("lock not held by caller")
	// ErrLockTimeout is returned when a blocking acquire runs out of time.
	ErrLockTimeout = errors.New("lock acquire timed out")
)

// Store is the persistence the lock service needs.
type Store interface {
	RegisterLock(ctx context.Context, l store.Lock) (store.Lock, error)
	TryAcquireLock(ctx context.Context, p store.AcquireParams) (bool, error)
	ReleaseLock(ctx context.Context, lockID int64, holder string) (released, heldByOther bool, err error)
	HeartbeatLocks(ctx context.Context, holders []string) (int64, error)
	ReleaseExpiredSessions(ctx context.Context, ttl time.Duration) ([]store.LockAcquisition, error)
	ReleaseAbandonedLocks(ctx context.Context, maxHold time.Duration) ([]store.LockAcquisition, error)
	ActiveHolds(ctx context.Context) ([]store.LockAcquisition, error)
}

// ID returns the numeric identifier of a lock name. It is the same in every
// process, so no registration round trip is needed to agree on it.
func ID(name string) int64 {
	return store.LockID(name)
}

// holderSet tracks the holders acquiring through this process so their
// session holds can be heartbeated.
type holderSet struct {
	mu      sync.Mutex
	holders map[string]struct{}
}

func (h *holderSet) add(holder string) {
	h.mu.Lock()
	h.holders[holder] = struct{}{}
	h.mu.Unlock()
}

func (h *holderSet) list() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.holders))
	for holder := range h.holders {
		out = append(out, holder)
	}
	slices.Sort(out)
	return out
}

// Service hands out named locks on behalf of one holder.
type Service struct {
	store   Store
	holder  string
	poll    time.Duration
	local   *holderSet
	metrics *metrics.Metrics
	logger  *log.Logger
}

type Options struct {
	Holder       string
	PollInterval time.Duration
	Metrics      *metrics.Metrics
}

func NewService(st Store, opts Options, logger *log.Logger) *Service {
	if opts.Holder == "" {
		opts.Holder = uuid.NewString()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	return &Service{
		store:   st,
		holder:  opts.Holder,
		poll:    opts.PollInterval,
		local:   &holderSet{holders: make(map[string]struct{})},
		metrics: opts.Metrics,
		logger:  logger,
	}
}

func (s *Service) Holder() string {
	return s.holder
}

// WithHolder returns a service acting as holder within this process. Its
// session holds are kept alive by this process's heartbeat.
func (s *Service) WithHolder(holder string) *Service {
	if holder == "" || holder == s.holder {
		return s
	}
	c := *s
	c.holder = holder
	return &c
}

// Remote returns a service acting for a holder outside this process. Its
// session holds stay alive only while the holder heartbeats them itself.
func (s *Service) Remote(holder string) *Service {
	c := *s
	if holder != "" {
		c.holder = holder
	}
	c.local = nil
	return &c
}

func (s *Service) Register(ctx context.Context, name, description string, scope store.LockScope) (int64, error) {
	if scope == "" {
		scope = store.ScopeSession
	}
	if !scope.Valid() {
		return 0, fmt.Errorf("invalid lock scope %q", scope)
	}
	l, err := s.store.RegisterLock(ctx, store.Lock{ID: ID(name), Name: name, Description: description, Scope: scope})
	if err != nil {
		return 0, err
	}
	return l.ID, nil
}

// TryAcquire takes the lock exclusively if nobody holds it. Contention is
// reported as false, not as an error. Every attempt is audited.
func (s *Service) TryAcquire(ctx context.Context, name, purpose string) (bool, error) {
	return s.try(ctx, name, purpose, store.LockTryExclusive, true)
}

// TryAcquireShared takes the lock in shared mode if no exclusive hold exists.
func (s *Service) TryAcquireShared(ctx context.Context, name, purpose string) (bool, error) {
	return s.try(ctx, name, purpose, store.LockTryShared, true)
}

// Acquire waits for the lock, polling until it is free. With a positive
// timeout it gives up with ErrLockTimeout; otherwise it waits until ctx is
// done. Only the final outcome is audited.
func (s *Service) Acquire(ctx context.Context, name, purpose string, timeout time.Duration) (bool, error) {
	return s.acquire(ctx, name, purpose, store.LockExclusive, timeout)
}

func (s *Service) AcquireShared(ctx context.Context, name, purpose string, timeout time.Duration) (bool, error) {
	return s.acquire(ctx, name, purpose, store.LockShared, timeout)
}

func (s *Service) acquire(parent context.Context, name, lockCtx string, mode store.LockMode, timeout time.Duration) (bool, error) {
	ctx := parent
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}

	ok, err := s.try(ctx, name, lockCtx, mode, false)
	if err != nil || ok {
		return ok, err
	}
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Record the failed wait with one last attempt.
			ok, err := s.try(context.WithoutCancel(parent), name, lockCtx, mode, true)
			if err != nil || ok {
				return ok, err
			}
			if parent.Err() != nil {
				return false, parent.Err()
			}
			s.logger.Debug("Lock acquire timed out", zap.String("lock", name), zap.String("holder", s.holder),
				zap.Duration("timeout", timeout))
			return false, fmt.Errorf("%w: %s after %s", ErrLockTimeout, name, timeout)
		case <-ticker.C:
			ok, err := s.try(ctx, name, lockCtx, mode, false)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				return false, err
			}
			if ok {
				return true, nil
			}
		}
	}
}

func (s *Service) try(ctx context.Context, name, lockCtx string, mode store.LockMode, record bool) (bool, error) {
	ok, err := s.store.TryAcquireLock(ctx, store.AcquireParams{
		LockID:  ID(name),
		Name:    name,
		Holder:  s.holder,
		Mode:    mode,
		Context: lockCtx,
		Record:  record,
	})
	if err != nil {
		s.logger.Error("Failed to acquire lock", zap.String("lock", name), zap.String("holder", s.holder), zap.Error(err))
		return false, err
	}
	if ok {
		if s.local != nil {
			s.local.add(s.holder)
		}
		s.metrics.LockAttempt("acquired")
	} else if record {
		s.metrics.LockAttempt("contended")
	}
	return ok, nil
}

// Release gives up this holder's hold. Releasing a lock nobody holds
// returns false; releasing one held by another holder returns ErrLockNotHeld.
func (s *Service) Release(ctx context.Context, name string) (bool, error) {
	released, heldByOther, err := s.store.ReleaseLock(ctx, ID(name), s.holder)
	if err != nil {
		return false, err
	}
	if heldByOther {
		return false, fmt.Errorf("%w: %s", ErrLockNotHeld, name)
	}
	return released, nil
}

// PoolSlotName is the lock backing one slot of a pool.
func PoolSlotName(pool string, slot int) string {
	return fmt.Sprintf("pool:%s:%d", pool, slot)
}

// AllocateFromPool tries slots 1..size in order and returns the first one
// acquired for requester, or -1 when every slot is taken.
func (s *Service) AllocateFromPool(ctx context.Context, pool string, size int, requester string) (int, error) {
	svc := s.WithHolder(requester)
	for slot := 1; slot <= size; slot++ {
		ok, err := svc.TryAcquire(ctx, PoolSlotName(pool, slot), "pool allocation")
		if err != nil {
			return -1, err
		}
		if ok {
			return slot, nil
		}
	}
	return -1, nil
}

func (s *Service) ReleasePoolSlot(ctx context.Context, pool string, slot int, requester string) (bool, error) {
	return s.WithHolder(requester).Release(ctx, PoolSlotName(pool, slot))
}

// Heartbeat renews the session holds of every holder acquiring through this
// process, or of the remote holder itself.
func (s *Service) Heartbeat(ctx context.Context) (int64, error) {
	holders := []string{s.holder}
	if s.local != nil {
		holders = s.local.list()
	}
	return s.store.HeartbeatLocks(ctx, holders)
}

// ReleaseAbandoned force-releases holds older than maxHold.
func (s *Service) ReleaseAbandoned(ctx context.Context, maxHold time.Duration) ([]store.LockAcquisition, error) {
	released, err := s.store.ReleaseAbandonedLocks(ctx, maxHold)
	if err != nil {
		return nil, err
	}
	for _, a := range released {
		s.logger.Warn("Force-released abandoned lock",
			zap.String("lock", a.LockName), zap.String("holder", a.Holder), zap.Time("acquired_at", a.AcquiredAt))
	}
	return released, nil
}

// ReleaseExpiredSessions releases session holds whose holder stopped
// heartbeating for longer than ttl.
func (s *Service) ReleaseExpiredSessions(ctx context.Context, ttl time.Duration) ([]store.LockAcquisition, error) {
	released, err := s.store.ReleaseExpiredSessions(ctx, ttl)
	if err != nil {
		return nil, err
	}
	for _, a := range released {
		s.logger.Warn("Released lock of expired session",
			zap.String("lock", a.LockName), zap.String("holder", a.Holder), zap.Time("heartbeat_at", a.HeartbeatAt))
	}
	return released, nil
}

func (s *Service) Holds(ctx context.Context) ([]store.LockAcquisition, error) {
	return s.store.ActiveHolds(ctx)
}
