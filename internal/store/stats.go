package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Counts is a point-in-time snapshot of coordination state.
type Counts struct {
	ActiveSubscribers  int64
	PendingMessages    int64
	ProcessingMessages int64
	FailedMessages     int64
	DeadLetterMessages int64
	ActiveLocks        int64
	LongHeldLocks      int64
	FinishedExecutions int64
	SuccessfulExecs    int64
}

type LockContention struct {
	LockName    string `json:"lockName"`
	Attempts    int64  `json:"attempts"`
	Failures    int64  `json:"failures"`
	ActiveHolds int64  `json:"activeHolds"`
}

type ChannelDepth struct {
	Channel    string     `json:"channel"`
	Pending    int64      `json:"pending"`
	Processing int64      `json:"processing"`
	Completed  int64      `json:"completed"`
	DeadLetter int64      `json:"deadLetter"`
	OldestAt   *time.Time `json:"oldestPendingAt,omitempty"`
}

func (s *PGStore) Counts(ctx context.Context, longHeld time.Duration) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `
        SELECT
            (SELECT COUNT(*) FROM subscribers WHERE active),
            (SELECT COUNT(*) FROM messages WHERE status = 'pending'),
            (SELECT COUNT(*) FROM messages WHERE status = 'processing'),
            (SELECT COUNT(*) FROM messages WHERE status IN ('failed', 'dead_letter')),
            (SELECT COUNT(*) FROM messages WHERE status = 'dead_letter'),
            (SELECT COUNT(*) FROM lock_acquisitions WHERE success AND released_at IS NULL),
            (SELECT COUNT(*) FROM lock_acquisitions WHERE success AND released_at IS NULL
                AND acquired_at < now() - $1::double precision * interval '1 second'),
            (SELECT COUNT(*) FROM job_executions WHERE status <> 'running'),
            (SELECT COUNT(*) FROM job_executions WHERE status = 'completed')
    `, longHeld.Seconds()).Scan(&c.ActiveSubscribers, &c.PendingMessages, &c.ProcessingMessages, &c.FailedMessages,
		&c.DeadLetterMessages, &c.ActiveLocks, &c.LongHeldLocks, &c.FinishedExecutions, &c.SuccessfulExecs)
	if err != nil {
		return Counts{}, fmt.Errorf("collect counts: %w", err)
	}
	return c, nil
}

// LockContention aggregates acquisition attempts per lock over the window,
// most contended first.
func (s *PGStore) LockContention(ctx context.Context, window time.Duration) ([]LockContention, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT lock_name,
               COUNT(*),
               COUNT(*) FILTER (WHERE NOT success),
               COUNT(*) FILTER (WHERE success AND released_at IS NULL)
        FROM lock_acquisitions
        WHERE acquired_at > now() - $1::double precision * interval '1 second'
           OR (success AND released_at IS NULL)
        GROUP BY lock_name
        ORDER BY 3 DESC, 2 DESC, lock_name
    `, window.Seconds())
	if err != nil {
		return nil, fmt.Errorf("lock contention: %w", err)
	}
	defer rows.Close()
	var out []LockContention
	for rows.Next() {
		var lc LockContention
		if err := rows.Scan(&lc.LockName, &lc.Attempts, &lc.Failures, &lc.ActiveHolds); err != nil {
			return nil, fmt.Errorf("scan lock contention: %w", err)
		}
		out = append(out, lc)
	}
	return out, rows.Err()
}

func (s *PGStore) QueueDepth(ctx context.Context) ([]ChannelDepth, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT c.name,
               COUNT(m.id) FILTER (WHERE m.status = 'pending'),
               COUNT(m.id) FILTER (WHERE m.status = 'processing'),
               COUNT(m.id) FILTER (WHERE m.status = 'completed'),
               COUNT(m.id) FILTER (WHERE m.status = 'dead_letter'),
               MIN(m.created_at) FILTER (WHERE m.status = 'pending')
        FROM channels c
        LEFT JOIN messages m ON m.channel = c.name
        GROUP BY c.name
        ORDER BY c.name
    `)
	if err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	defer rows.Close()
	var out []ChannelDepth
	for rows.Next() {
		var d ChannelDepth
		var oldest sql.NullTime
		if err := rows.Scan(&d.Channel, &d.Pending, &d.Processing, &d.Completed, &d.DeadLetter, &oldest); err != nil {
			return nil, fmt.Errorf("scan queue depth: %w", err)
		}
		d.OldestAt = timePtr(oldest)
		out = append(out, d)
	}
	return out, rows.Err()
}
