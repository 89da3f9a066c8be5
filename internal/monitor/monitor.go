package monitor

import (
	"context"
	"time"

	"polaris/internal/log"
	"polaris/internal/store"
)

type Store interface {
	Counts(ctx context.Context, longHeld time.Duration) (store.Counts, error)
	LockContention(ctx context.Context, window time.Duration) ([]store.LockContention, error)
	QueueDepth(ctx context.Context) ([]store.ChannelDepth, error)
	ListJobs(ctx context.Context) ([]store.ScheduledJob, error)
}

// Health is the operability summary of the coordination core.
type Health struct {
	ActiveSubscribers  int64     `json:"activeSubscribers"`
	PendingMessages    int64     `json:"pendingMessages"`
	ProcessingMessages int64     `json:"processingMessages"`
	FailedMessages     int64     `json:"failedMessages"`
	DeadLetterMessages int64     `json:"deadLetterMessages"`
	ActiveLocks        int64     `json:"activeLocks"`
	LongHeldLocks      int64     `json:"longHeldLocks"`
	JobSuccessRate     float64   `json:"jobSuccessRate"`
	CheckedAt          time.Time `json:"checkedAt"`
}

type JobStat struct {
	Name           string     `json:"name"`
	Active         bool       `json:"active"`
	TotalRuns      int64      `json:"totalRuns"`
	SuccessfulRuns int64      `json:"successfulRuns"`
	SuccessRate    float64    `json:"successRate"`
	LastRun        *time.Time `json:"lastRun,omitempty"`
	NextRun        *time.Time `json:"nextRun,omitempty"`
}

// Monitor reads coordination state. It never mutates anything.
type Monitor struct {
	store    Store
	longHeld time.Duration
	logger   *log.Logger
}

func New(st Store, longHeld time.Duration, logger *log.Logger) *Monitor {
	return &Monitor{store: st, longHeld: longHeld, logger: logger}
}

func (m *Monitor) Health(ctx context.Context) (Health, error) {
	c, err := m.store.Counts(ctx, m.longHeld)
	if err != nil {
		return Health{}, err
	}
	return Health{
		ActiveSubscribers:  c.ActiveSubscribers,
		PendingMessages:    c.PendingMessages,
		ProcessingMessages: c.ProcessingMessages,
		FailedMessages:     c.FailedMessages,
		DeadLetterMessages: c.DeadLetterMessages,
		ActiveLocks:        c.ActiveLocks,
		LongHeldLocks:      c.LongHeldLocks,
		JobSuccessRate:     successRate(c.SuccessfulExecs, c.FinishedExecutions),
		CheckedAt:          time.Now().UTC(),
	}, nil
}

// LockContention reports attempts and failures per lock within window.
func (m *Monitor) LockContention(ctx context.Context, window time.Duration) ([]store.LockContention, error) {
	return m.store.LockContention(ctx, window)
}

func (m *Monitor) QueueDepth(ctx context.Context) ([]store.ChannelDepth, error) {
	return m.store.QueueDepth(ctx)
}

func (m *Monitor) JobStats(ctx context.Context) ([]JobStat, error) {
	jobs, err := m.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]JobStat, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, JobStat{
			Name:           j.Name,
			Active:         j.Active,
			TotalRuns:      j.TotalRuns,
			SuccessfulRuns: j.SuccessfulRuns,
			SuccessRate:    successRate(j.SuccessfulRuns, j.TotalRuns),
			LastRun:        j.LastRun,
			NextRun:        j.NextRun,
		})
	}
	return out, nil
}

// successRate is 1 when nothing has run yet.
func successRate(ok, total int64) float64 {
	if total <= 0 {
		return 1
	}
	return float64(ok) / float64(total)
}
