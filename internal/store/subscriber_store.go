package store

import (
	"context"
	"fmt"
	"time"
)

const subscriberColumns = `channel, subscriber_id, mode, filter, active, last_activity, created_at`

func scanSubscriber(sc scanner) (Subscriber, error) {
	var sub Subscriber
	err := sc.Scan(&sub.Channel, &sub.SubscriberID, &sub.Mode, &sub.Filter, &sub.Active, &sub.LastActivity, &sub.CreatedAt)
	return sub, err
}

// UpsertSubscriber registers or refreshes a subscription, reactivating it
// when it had gone inactive.
func (s *PGStore) UpsertSubscriber(ctx context.Context, sub Subscriber) (Subscriber, error) {
	out, err := scanSubscriber(s.db.QueryRowContext(ctx, `
        INSERT INTO subscribers (channel, subscriber_id, mode, filter, active, last_activity)
        VALUES ($1, $2, $3, $4, TRUE, now())
        ON CONFLICT (channel, subscriber_id) DO UPDATE
        SET mode = EXCLUDED.mode,
            filter = EXCLUDED.filter,
            active = TRUE,
            last_activity = now()
        RETURNING `+subscriberColumns,
		sub.Channel, sub.SubscriberID, string(sub.Mode), sub.Filter))
	if err != nil {
		return Subscriber{}, fmt.Errorf("upsert subscriber: %w", err)
	}
	return out, nil
}

func (s *PGStore) ActiveSubscribers(ctx context.Context, channel string) ([]Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+subscriberColumns+`
        FROM subscribers
        WHERE channel = $1 AND active
        ORDER BY subscriber_id
    `, channel)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()
	var out []Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// DeactivateSubscriber reports whether an active subscription was found.
func (s *PGStore) DeactivateSubscriber(ctx context.Context, channel, subscriberID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE subscribers SET active = FALSE
        WHERE channel = $1 AND subscriber_id = $2 AND active
    `, channel, subscriberID)
	if err != nil {
		return false, fmt.Errorf("deactivate subscriber: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deactivate subscriber: %w", err)
	}
	return n > 0, nil
}

// TouchSubscriber refreshes last_activity of an active subscription.
func (s *PGStore) TouchSubscriber(ctx context.Context, channel, subscriberID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE subscribers SET last_activity = now()
        WHERE channel = $1 AND subscriber_id = $2 AND active
    `, channel, subscriberID)
	if err != nil {
		return false, fmt.Errorf("touch subscriber: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("touch subscriber: %w", err)
	}
	return n > 0, nil
}

// DeactivateIdleSubscribers marks subscriptions idle for longer than idle as
// inactive and returns how many were affected.
func (s *PGStore) DeactivateIdleSubscribers(ctx context.Context, idle time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE subscribers SET active = FALSE
        WHERE active AND last_activity < now() - $1::double precision * interval '1 second'
    `, idle.Seconds())
	if err != nil {
		return 0, fmt.Errorf("sweep subscribers: %w", err)
	}
	return res.RowsAffected()
}
