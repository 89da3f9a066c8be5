package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const messageColumns = `id, channel, event_type, payload, sender, status, retry_count, max_retries,
       last_error, claimed_by, claimed_at, available_at, created_at, processed_at`

type EnqueueParams struct {
	Channel   string
	EventType string
	Payload   json.RawMessage
	Sender    string
	// MaxRetries overrides the channel default when positive.
	MaxRetries int
}

type ClaimParams struct {
	Channel    string
	Worker     string
	EventTypes []string
	BatchSize  int
}

type CompleteParams struct {
	Success bool
	Error   string
	// Worker, when set, must match the message's claimant.
	Worker string
}

type RetentionPolicy struct {
	// Channel restricts the purge to one channel; empty means all.
	Channel           string
	IncludeDeadLetter bool
	// History is how long released lock acquisitions and finished job
	// executions are kept. Zero keeps them forever.
	History time.Duration
}

func scanMessage(sc scanner) (Message, error) {
	var m Message
	var payload []byte
	var lastErr, claimedBy sql.NullString
	var claimedAt, processedAt sql.NullTime
	err := sc.Scan(&m.ID, &m.Channel, &m.EventType, &payload, &m.Sender, &m.Status, &m.RetryCount, &m.MaxRetries,
		&lastErr, &claimedBy, &claimedAt, &m.AvailableAt, &m.CreatedAt, &processedAt)
	if err != nil {
		return Message{}, err
	}
	m.Payload = json.RawMessage(payload)
	m.LastError = stringPtr(lastErr)
	m.ClaimedBy = stringPtr(claimedBy)
	m.ClaimedAt = timePtr(claimedAt)
	m.ProcessedAt = timePtr(processedAt)
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Enqueue persists a message and its audit record.
func (s *PGStore) Enqueue(ctx context.Context, p EnqueueParams) (int64, error) {
	return s.AppendEvent(ctx, p, true, 0)
}

// AppendEvent writes the publish audit record and, when persist is set, the
// message row in one transaction. It returns the new message id, or 0 when
// nothing was persisted.
func (s *PGStore) AppendEvent(ctx context.Context, p EnqueueParams, persist bool, subscriberCount int) (int64, error) {
	var msgID int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ch, err := getChannel(ctx, tx, p.Channel, "")
		if err != nil {
			return err
		}
		if !ch.Active {
			return fmt.Errorf("%w: %s is inactive", ErrUnknownChannel, p.Channel)
		}
		if ch.MaxEventsPerMinute > 0 {
			// Serialise publishers on a rate-limited channel so the count is exact.
			if _, err := getChannel(ctx, tx, p.Channel, " FOR UPDATE"); err != nil {
				return err
			}
			var recent int
			err := tx.QueryRowContext(ctx, `
                SELECT COUNT(*) FROM publish_log
                WHERE channel = $1 AND published_at > now() - interval '1 minute'
            `, p.Channel).Scan(&recent)
			if err != nil {
				return fmt.Errorf("count recent publishes: %w", err)
			}
			if recent >= ch.MaxEventsPerMinute {
				return fmt.Errorf("%w: channel %s allows %d events/minute", ErrRateLimited, p.Channel, ch.MaxEventsPerMinute)
			}
		}

		var logged sql.NullInt64
		if persist {
			maxRetries := p.MaxRetries
			if maxRetries <= 0 {
				maxRetries = ch.MaxRetries
			}
			msgID = s.node.Generate()
			_, err := tx.ExecContext(ctx, `
                INSERT INTO messages (id, channel, event_type, payload, sender, status, max_retries)
                VALUES ($1, $2, $3, $4, $5, 'pending', $6)
            `, msgID, p.Channel, p.EventType, string(p.Payload), p.Sender, maxRetries)
			if err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
			logged = sql.NullInt64{Int64: msgID, Valid: true}
		}

		_, err = tx.ExecContext(ctx, `
            INSERT INTO publish_log (channel, event_type, payload, sender, subscriber_count, message_id)
            VALUES ($1, $2, $3, $4, $5, $6)
        `, p.Channel, p.EventType, string(p.Payload), p.Sender, subscriberCount, logged)
		if err != nil {
			return fmt.Errorf("insert publish log: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return msgID, nil
}

// ClaimBatch moves up to BatchSize pending messages to processing for the
// worker. Rows locked by a concurrent claimer are skipped, never waited on.
func (s *PGStore) ClaimBatch(ctx context.Context, p ClaimParams) ([]Message, error) {
	if p.BatchSize <= 0 {
		p.BatchSize = 1
	}
	eventTypes := p.EventTypes
	if eventTypes == nil {
		eventTypes = []string{}
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM channels WHERE name = $1)`, p.Channel).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check channel: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, p.Channel)
	}

	rows, err := s.db.QueryContext(ctx, `
        UPDATE messages
        SET status = 'processing', claimed_by = $2, claimed_at = now()
        WHERE id IN (
            SELECT id FROM messages
            WHERE channel = $1 AND status = 'pending' AND available_at <= now()
              AND (COALESCE(cardinality($3::text[]), 0) = 0 OR event_type = ANY($3::text[]))
            ORDER BY id
            LIMIT $4
            FOR UPDATE SKIP LOCKED
        )
        RETURNING `+messageColumns,
		p.Channel, p.Worker, pq.Array(eventTypes), p.BatchSize)
	if err != nil {
		s.logger.Error("Failed to claim batch", zap.String("channel", p.Channel), zap.Error(err))
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING does not preserve the subquery order.
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs, nil
}

// ClaimMessage claims one pending message by primary key. The bool is false
// when the message exists but is not claimable.
func (s *PGStore) ClaimMessage(ctx context.Context, id int64, worker string) (Message, bool, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
        UPDATE messages
        SET status = 'processing', claimed_by = $2, claimed_at = now()
        WHERE id = $1 AND status = 'pending' AND available_at <= now()
        RETURNING `+messageColumns, id, worker))
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, fmt.Errorf("claim message: %w", err)
	}
	if _, err := s.GetMessage(ctx, id); err != nil {
		return Message{}, false, err
	}
	return Message{}, false, nil
}

// ReleaseClaim returns a processing message to pending without consuming a retry.
func (s *PGStore) ReleaseClaim(ctx context.Context, id int64, worker string) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE messages
        SET status = 'pending', claimed_by = NULL, claimed_at = NULL
        WHERE id = $1 AND status = 'processing' AND claimed_by = $2
    `, id, worker)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// RequeueStaleClaims recovers messages whose claimant went away. A message
// counts as abandoned once it has been processing for longer than olderThan
// and nobody holds its task lock (lockPrefix followed by the message id).
// Recovery consumes a retry: the message goes back to pending, or to
// dead_letter when its budget is used up.
func (s *PGStore) RequeueStaleClaims(ctx context.Context, olderThan time.Duration, lockPrefix string) (requeued, deadLettered int64, err error) {
	rows, err := s.db.QueryContext(ctx, `
        UPDATE messages m
        SET status = CASE WHEN m.retry_count + 1 >= m.max_retries THEN 'dead_letter' ELSE 'pending' END,
            retry_count = m.retry_count + 1,
            last_error = 'claim expired (' || COALESCE(m.claimed_by, '') || ')',
            available_at = now(),
            processed_at = CASE WHEN m.retry_count + 1 >= m.max_retries THEN now() ELSE NULL END,
            claimed_by = NULL, claimed_at = NULL
        WHERE m.status = 'processing'
          AND m.claimed_at < now() - $1::double precision * interval '1 second'
          AND NOT EXISTS (
              SELECT 1 FROM lock_acquisitions la
              WHERE la.lock_name = $2 || m.id::text AND la.success AND la.released_at IS NULL
          )
        RETURNING m.status
    `, olderThan.Seconds(), lockPrefix)
	if err != nil {
		return 0, 0, fmt.Errorf("requeue stale claims: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status Status
		if err := rows.Scan(&status); err != nil {
			return 0, 0, fmt.Errorf("scan stale claim: %w", err)
		}
		if status == StatusDeadLetter {
			deadLettered++
		} else {
			requeued++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("requeue stale claims: %w", err)
	}
	return requeued, deadLettered, nil
}

func (s *PGStore) GetMessage(ctx context.Context, id int64) (Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("%w: %d", ErrMessageNotFound, id)
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// Complete records the outcome of processing. Success moves the message to
// completed. Failure increments retry_count and either requeues it with
// backoff or moves it to dead_letter once the retry budget is used up. The
// update is conditional on the row not having changed since it was read.
func (s *PGStore) Complete(ctx context.Context, id int64, p CompleteParams) (Status, error) {
	for attempt := 0; attempt < 3; attempt++ {
		m, err := s.GetMessage(ctx, id)
		if err != nil {
			return "", err
		}
		if m.Status != StatusProcessing {
			return "", fmt.Errorf("%w: message %d is %s", ErrInvalidTransition, id, m.Status)
		}
		if p.Worker != "" && !m.ClaimedByWorker(p.Worker) {
			return "", fmt.Errorf("%w: message %d is not claimed by %s", ErrInvalidTransition, id, p.Worker)
		}

		next := StatusCompleted
		retries := m.RetryCount
		var lastErr sql.NullString
		var delay time.Duration
		if !p.Success {
			retries++
			lastErr = sql.NullString{String: p.Error, Valid: true}
			if s.policy.Exhausted(retries, m.MaxRetries) {
				next = StatusDeadLetter
			} else {
				next = StatusPending
				delay = s.policy.Backoff(retries)
			}
		}

		res, err := s.db.ExecContext(ctx, `
            UPDATE messages
            SET status = $2, retry_count = $3, last_error = COALESCE($4::text, last_error),
                available_at = now() + ($5::bigint * interval '1 millisecond'),
                processed_at = CASE WHEN $2 IN ('completed', 'dead_letter') THEN now() ELSE NULL END,
                claimed_by = NULL, claimed_at = NULL
            WHERE id = $1 AND status = 'processing' AND retry_count = $6
        `, id, string(next), retries, lastErr, delay.Milliseconds(), m.RetryCount)
		if err != nil {
			return "", fmt.Errorf("complete message: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return "", fmt.Errorf("complete message: %w", err)
		}
		if n == 1 {
			if next == StatusDeadLetter {
				s.logger.Warn("Message moved to dead letter",
					zap.Int64("message_id", id), zap.String("channel", m.Channel), zap.Int("retries", retries))
			}
			return next, nil
		}
	}
	return "", fmt.Errorf("%w: message %d changed concurrently", ErrInvalidTransition, id)
}

// Purge deletes finished messages past their channel's retention window along
// with expired audit and history rows. It returns the number of messages
// removed and is safe to repeat.
func (s *PGStore) Purge(ctx context.Context, p RetentionPolicy) (int64, error) {
	statuses := []string{string(StatusCompleted)}
	if p.IncludeDeadLetter {
		statuses = append(statuses, string(StatusDeadLetter))
	}
	res, err := s.db.ExecContext(ctx, `
        DELETE FROM messages m
        USING channels c
        WHERE m.channel = c.name
          AND ($1::text = '' OR m.channel = $1)
          AND m.status = ANY($2::text[])
          AND COALESCE(m.processed_at, m.created_at) < now() - c.retention_seconds * interval '1 second'
    `, p.Channel, pq.Array(statuses))
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	purged, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}

	res, err = s.db.ExecContext(ctx, `
        DELETE FROM publish_log l
        USING channels c
        WHERE l.channel = c.name
          AND ($1::text = '' OR l.channel = $1)
          AND l.published_at < now() - c.retention_seconds * interval '1 second'
    `, p.Channel)
	if err != nil {
		return purged, fmt.Errorf("purge publish log: %w", err)
	}
	logRows, _ := res.RowsAffected()

	var history int64
	if p.History > 0 {
		secs := int64(p.History / time.Second)
		res, err = s.db.ExecContext(ctx, `
            DELETE FROM lock_acquisitions
            WHERE (released_at IS NOT NULL AND released_at < now() - $1::double precision * interval '1 second')
               OR (NOT success AND acquired_at < now() - $1::double precision * interval '1 second')
        `, secs)
		if err != nil {
			return purged, fmt.Errorf("purge lock history: %w", err)
		}
		history, _ = res.RowsAffected()
		res, err = s.db.ExecContext(ctx, `
            DELETE FROM job_executions
            WHERE status <> 'running' AND completed_at < now() - $1::double precision * interval '1 second'
        `, secs)
		if err != nil {
			return purged, fmt.Errorf("purge job history: %w", err)
		}
		execs, _ := res.RowsAffected()
		history += execs
	}

	s.logger.Info("Purged expired rows",
		zap.String("channel", p.Channel),
		zap.Int64("messages", purged),
		zap.Int64("publish_log", logRows),
		zap.Int64("history", history))
	return purged, nil
}
