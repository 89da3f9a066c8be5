package store

import (
	"context"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ListDeadLetters returns dead-lettered messages, oldest first. An empty
// channel lists all channels.
func (s *PGStore) ListDeadLetters(ctx context.Context, channel string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+messageColumns+`
        FROM messages
        WHERE status = 'dead_letter' AND ($1::text = '' OR channel = $1)
        ORDER BY id
        LIMIT $2
    `, channel, limit)
	if err != nil {
		s.logger.Error("Failed to get dead letters", zap.Error(err))
		return nil, fmt.Errorf("get dead letters: %w", err)
	}
	return scanMessages(rows)
}

// RequeueDeadLetter gives a dead-lettered message a fresh retry budget.
func (s *PGStore) RequeueDeadLetter(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE messages
        SET status = 'pending', retry_count = 0, available_at = now(), processed_at = NULL, exported_at = NULL
        WHERE id = $1 AND status = 'dead_letter'
    `, id)
	if err != nil {
		return fmt.Errorf("requeue dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetMessage(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: message %d is not dead-lettered", ErrInvalidTransition, id)
	}
	s.logger.Info("Requeued dead letter", zap.Int64("message_id", id))
	return nil
}

func (s *PGStore) DeleteDeadLetter(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1 AND status = 'dead_letter'`, id)
	if err != nil {
		s.logger.Error("Failed to delete dead letter", zap.Error(err), zap.Int64("message_id", id))
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: dead letter %d", ErrMessageNotFound, id)
	}
	s.logger.Info("Deleted dead letter", zap.Int64("message_id", id))
	return nil
}

// UnexportedDeadLetters returns dead letters not yet copied to the archive.
func (s *PGStore) UnexportedDeadLetters(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+messageColumns+`
        FROM messages
        WHERE status = 'dead_letter' AND exported_at IS NULL
        ORDER BY channel, id
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("get unexported dead letters: %w", err)
	}
	return scanMessages(rows)
}

func (s *PGStore) MarkExported(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE messages SET exported_at = now()
        WHERE id = ANY($1::bigint[]) AND status = 'dead_letter'
    `, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("mark exported: %w", err)
	}
	return res.RowsAffected()
}
