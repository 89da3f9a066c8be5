package workclaim

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"polaris/internal/lock"
	"polaris/internal/log"
	"polaris/internal/metrics"
	"polaris/internal/store"

	"go.uber.org/zap"
)

// errClaimConflict means another worker holds the task lock of a message we
// claimed. The claim is handed back and the message skipped.
var errClaimConflict = errors.New("claim conflict")

type Store interface {
	ClaimBatch(ctx context.Context, p store.ClaimParams) ([]store.Message, error)
	ClaimMessage(ctx context.Context, id int64, worker string) (store.Message, bool, error)
	ReleaseClaim(ctx context.Context, id int64, worker string) error
	GetMessage(ctx context.Context, id int64) (store.Message, error)
	Complete(ctx context.Context, id int64, p store.CompleteParams) (store.Status, error)
	RequeueStaleClaims(ctx context.Context, olderThan time.Duration, lockPrefix string) (requeued, deadLettered int64, err error)
}

// TaskLocks takes and releases per-message locks on behalf of a worker.
type TaskLocks interface {
	TryAcquire(ctx context.Context, worker, name, purpose string) (bool, error)
	Release(ctx context.Context, worker, name string) (bool, error)
}

type serviceLocks struct {
	svc *lock.Service
}

// ServiceLocks adapts a lock service so each worker acquires under its own
// holder identity.
func ServiceLocks(svc *lock.Service) TaskLocks {
	return serviceLocks{svc: svc}
}

func (l serviceLocks) TryAcquire(ctx context.Context, worker, name, purpose string) (bool, error) {
	return l.svc.WithHolder(worker).TryAcquire(ctx, name, purpose)
}

func (l serviceLocks) Release(ctx context.Context, worker, name string) (bool, error) {
	return l.svc.WithHolder(worker).Release(ctx, name)
}

const taskLockPrefix = "task:"

// TaskLockName is the advisory lock guarding one message while it is processed.
func TaskLockName(id int64) string {
	return taskLockPrefix + strconv.FormatInt(id, 10)
}

type ClaimRequest struct {
	Channel    string
	Worker     string
	EventTypes []string
	BatchSize  int
}

type CompleteRequest struct {
	ID      int64
	Worker  string
	Success bool
	Error   string
}

// Claimer implements the claim protocol: a skip-locked batch claim, a task
// lock per message, and a re-read confirming the claim before work starts.
type Claimer struct {
	store   Store
	locks   TaskLocks
	metrics *metrics.Metrics
	logger  *log.Logger
}

func NewClaimer(st Store, locks TaskLocks, m *metrics.Metrics, logger *log.Logger) *Claimer {
	return &Claimer{store: st, locks: locks, metrics: m, logger: logger}
}

// Claim returns the messages the worker now exclusively owns, in id order.
// Messages that lose the task-lock race are returned to pending and left out.
func (c *Claimer) Claim(ctx context.Context, req ClaimRequest) ([]store.Message, error) {
	if req.Worker == "" {
		return nil, errors.New("worker id is required")
	}
	msgs, err := c.store.ClaimBatch(ctx, store.ClaimParams{
		Channel:    req.Channel,
		Worker:     req.Worker,
		EventTypes: req.EventTypes,
		BatchSize:  req.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	out := make([]store.Message, 0, len(msgs))
	for _, m := range msgs {
		confirmed, err := c.confirm(ctx, m, req.Worker)
		if errors.Is(err, errClaimConflict) {
			c.logger.Debug("Skipping conflicting claim", zap.Int64("message_id", m.ID), zap.String("worker", req.Worker))
			continue
		}
		if err != nil {
			c.logger.Error("Failed to confirm claim", zap.Int64("message_id", m.ID), zap.String("worker", req.Worker), zap.Error(err))
			continue
		}
		out = append(out, confirmed)
	}
	c.metrics.Claimed(req.Channel, len(out))
	return out, nil
}

// ClaimByID claims a single pending message by id. The bool is false when the
// message is not claimable right now.
func (c *Claimer) ClaimByID(ctx context.Context, id int64, worker string) (store.Message, bool, error) {
	if worker == "" {
		return store.Message{}, false, errors.New("worker id is required")
	}
	m, ok, err := c.store.ClaimMessage(ctx, id, worker)
	if err != nil || !ok {
		return store.Message{}, false, err
	}
	confirmed, err := c.confirm(ctx, m, worker)
	if errors.Is(err, errClaimConflict) {
		return store.Message{}, false, nil
	}
	if err != nil {
		return store.Message{}, false, err
	}
	c.metrics.Claimed(m.Channel, 1)
	return confirmed, true, nil
}

func (c *Claimer) confirm(ctx context.Context, m store.Message, worker string) (store.Message, error) {
	name := TaskLockName(m.ID)
	ok, err := c.locks.TryAcquire(ctx, worker, name, "claim")
	if err != nil {
		c.giveBack(ctx, m.ID, worker)
		return store.Message{}, fmt.Errorf("acquire task lock: %w", err)
	}
	if !ok {
		c.giveBack(ctx, m.ID, worker)
		return store.Message{}, errClaimConflict
	}
	current, err := c.store.GetMessage(ctx, m.ID)
	if err == nil && current.ClaimedByWorker(worker) {
		return current, nil
	}
	if err != nil {
		c.giveBack(ctx, m.ID, worker)
	}
	c.releaseTask(ctx, m.ID, worker)
	if err != nil {
		return store.Message{}, err
	}
	return store.Message{}, errClaimConflict
}

func (c *Claimer) giveBack(ctx context.Context, id int64, worker string) {
	if err := c.store.ReleaseClaim(ctx, id, worker); err != nil {
		c.logger.Error("Failed to release claim", zap.Int64("message_id", id), zap.String("worker", worker), zap.Error(err))
	}
}

func (c *Claimer) releaseTask(ctx context.Context, id int64, worker string) {
	if _, err := c.locks.Release(ctx, worker, TaskLockName(id)); err != nil {
		c.logger.Warn("Failed to release task lock", zap.Int64("message_id", id), zap.String("worker", worker), zap.Error(err))
	}
}

// RequeueStale recovers messages left processing for longer than olderThan
// whose task lock nobody holds, typically because the claimant crashed.
// Each recovery consumes a retry.
func (c *Claimer) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	requeued, dead, err := c.store.RequeueStaleClaims(ctx, olderThan, taskLockPrefix)
	if err != nil {
		return 0, err
	}
	if requeued+dead > 0 {
		c.logger.Warn("Recovered abandoned claims", zap.Int64("requeued", requeued), zap.Int64("dead_lettered", dead))
	}
	return requeued + dead, nil
}

// RunReaper calls RequeueStale on every tick until ctx is done.
func (c *Claimer) RunReaper(ctx context.Context, interval, olderThan time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.RequeueStale(ctx, olderThan); err != nil {
				c.logger.Error("Failed to recover abandoned claims", zap.Error(err))
			}
		}
	}
}

// Complete records the processing outcome and releases the message's task
// lock whatever the outcome. The returned status is the stored one: pending
// when a failure will be retried, dead_letter when retries are exhausted.
func (c *Claimer) Complete(ctx context.Context, req CompleteRequest) (store.Status, error) {
	holder := req.Worker
	if holder == "" {
		// The task lock belongs to the claimant.
		m, err := c.store.GetMessage(ctx, req.ID)
		if err != nil {
			return "", err
		}
		if m.ClaimedBy != nil {
			holder = *m.ClaimedBy
		}
	}
	if holder != "" {
		defer c.releaseTask(context.WithoutCancel(ctx), req.ID, holder)
	}
	status, err := c.store.Complete(ctx, req.ID, store.CompleteParams{
		Success: req.Success,
		Error:   req.Error,
		Worker:  req.Worker,
	})
	if err != nil {
		return "", err
	}
	c.metrics.Completed(string(status))
	return status, nil
}
