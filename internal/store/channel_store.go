package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const channelColumns = `name, event_types, active, retention_seconds, max_events_per_minute, max_retries, created_at, updated_at`

func scanChannel(sc scanner) (Channel, error) {
	var c Channel
	var eventTypes []string
	var retention int64
	err := sc.Scan(&c.Name, pq.Array(&eventTypes), &c.Active, &retention, &c.MaxEventsPerMinute, &c.MaxRetries,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Channel{}, err
	}
	c.EventTypes = eventTypes
	c.Retention = time.Duration(retention) * time.Second
	return c, nil
}

func getChannel(ctx context.Context, q dbtx, name, suffix string) (Channel, error) {
	c, err := scanChannel(q.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE name = $1`+suffix, name))
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	if err != nil {
		return Channel{}, fmt.Errorf("get channel: %w", err)
	}
	return c, nil
}

// CreateChannel creates the channel or updates its settings, reactivating it
// if it had been deactivated.
func (s *PGStore) CreateChannel(ctx context.Context, c Channel) (Channel, error) {
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = s.defaultMaxRetries
	}
	eventTypes := c.EventTypes
	if eventTypes == nil {
		eventTypes = []string{}
	}
	out, err := scanChannel(s.db.QueryRowContext(ctx, `
        INSERT INTO channels (name, event_types, active, retention_seconds, max_events_per_minute, max_retries)
        VALUES ($1, $2, TRUE, $3, $4, $5)
        ON CONFLICT (name) DO UPDATE
        SET event_types = EXCLUDED.event_types,
            active = TRUE,
            retention_seconds = EXCLUDED.retention_seconds,
            max_events_per_minute = EXCLUDED.max_events_per_minute,
            max_retries = EXCLUDED.max_retries,
            updated_at = now()
        RETURNING `+channelColumns,
		c.Name, pq.Array(eventTypes), int64(c.Retention/time.Second), c.MaxEventsPerMinute, c.MaxRetries))
	if err != nil {
		s.logger.Error("Failed to create channel", zap.String("channel", c.Name), zap.Error(err))
		return Channel{}, fmt.Errorf("create channel: %w", err)
	}
	return out, nil
}

// GetChannel returns the channel whether or not it is active.
func (s *PGStore) GetChannel(ctx context.Context, name string) (Channel, error) {
	return getChannel(ctx, s.db, name, "")
}

func (s *PGStore) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeactivateChannel marks the channel inactive. Channels are never deleted.
func (s *PGStore) DeactivateChannel(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE channels SET active = FALSE, updated_at = now() WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("deactivate channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	s.logger.Info("Channel deactivated", zap.String("channel", name))
	return nil
}
