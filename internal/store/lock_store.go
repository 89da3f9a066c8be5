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

const acquisitionColumns = `id, lock_id, lock_name, holder, mode, success, context, acquired_at, heartbeat_at,
       released_at, force_released`

const uniqueViolation = "23505"

type AcquireParams struct {
	LockID  int64
	Name    string
	Holder  string
	Mode    LockMode
	Context string
	// Record writes an audit row for a failed attempt. Successful attempts
	// are always recorded since the row is the hold.
	Record bool
}

func scanAcquisition(sc scanner) (LockAcquisition, error) {
	var a LockAcquisition
	var released sql.NullTime
	err := sc.Scan(&a.ID, &a.LockID, &a.LockName, &a.Holder, &a.Mode, &a.Success, &a.Context, &a.AcquiredAt,
		&a.HeartbeatAt, &released, &a.ForceReleased)
	if err != nil {
		return LockAcquisition{}, err
	}
	a.ReleasedAt = timePtr(released)
	return a, nil
}

func scanAcquisitions(rows *sql.Rows) ([]LockAcquisition, error) {
	defer rows.Close()
	var out []LockAcquisition
	for rows.Next() {
		a, err := scanAcquisition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lock acquisition: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PGStore) RegisterLock(ctx context.Context, l Lock) (Lock, error) {
	if l.Scope == "" {
		l.Scope = ScopeSession
	}
	var out Lock
	err := s.db.QueryRowContext(ctx, `
        INSERT INTO locks (id, name, description, scope)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (id) DO UPDATE
        SET description = EXCLUDED.description, scope = EXCLUDED.scope
        RETURNING id, name, description, scope, created_at
    `, l.ID, l.Name, l.Description, string(l.Scope)).Scan(&out.ID, &out.Name, &out.Description, &out.Scope, &out.CreatedAt)
	if err != nil {
		return Lock{}, fmt.Errorf("register lock: %w", err)
	}
	return out, nil
}

func (s *PGStore) ListLocks(ctx context.Context) ([]Lock, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, scope, created_at FROM locks ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()
	var out []Lock
	for rows.Next() {
		var l Lock
		if err := rows.Scan(&l.ID, &l.Name, &l.Description, &l.Scope, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// TryAcquireLock attempts a hold without waiting. Attempts on the same lock
// are serialised by a transaction-scoped advisory lock on its id, and the
// partial unique index on lock_acquisitions rejects a second exclusive hold
// even if that serialisation is bypassed. A holder never re-enters its own
// hold.
func (s *PGStore) TryAcquireLock(ctx context.Context, p AcquireParams) (bool, error) {
	acquired := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, p.LockID); err != nil {
			return fmt.Errorf("serialise lock %s: %w", p.Name, err)
		}
		var conflicts int
		err := tx.QueryRowContext(ctx, `
            SELECT COUNT(*) FROM lock_acquisitions
            WHERE lock_id = $1 AND success AND released_at IS NULL
              AND ($2 OR mode IN ('exclusive', 'try_exclusive') OR holder = $3)
        `, p.LockID, p.Mode.Exclusive(), p.Holder).Scan(&conflicts)
		if err != nil {
			return fmt.Errorf("check lock holds: %w", err)
		}
		acquired = conflicts == 0
		if !acquired && !p.Record {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
            INSERT INTO lock_acquisitions (lock_id, lock_name, holder, mode, success, context)
            VALUES ($1, $2, $3, $4, $5, $6)
        `, p.LockID, p.Name, p.Holder, string(p.Mode), acquired, p.Context)
		if err != nil {
			return fmt.Errorf("record lock attempt: %w", err)
		}
		return nil
	})
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		s.logger.Warn("Concurrent exclusive hold rejected", zap.String("lock", p.Name), zap.String("holder", p.Holder))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// ReleaseLock ends the holder's hold on the lock. When nothing was released,
// heldByOther reports whether a different holder currently holds it.
func (s *PGStore) ReleaseLock(ctx context.Context, lockID int64, holder string) (released, heldByOther bool, err error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE lock_acquisitions SET released_at = now()
        WHERE id = (
            SELECT id FROM lock_acquisitions
            WHERE lock_id = $1 AND holder = $2 AND success AND released_at IS NULL
            ORDER BY acquired_at
            LIMIT 1
        )
    `, lockID, holder)
	if err != nil {
		return false, false, fmt.Errorf("release lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, false, fmt.Errorf("release lock: %w", err)
	}
	if n > 0 {
		return true, false, nil
	}
	err = s.db.QueryRowContext(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM lock_acquisitions
            WHERE lock_id = $1 AND success AND released_at IS NULL
        )
    `, lockID).Scan(&heldByOther)
	if err != nil {
		return false, false, fmt.Errorf("check lock holds: %w", err)
	}
	return false, heldByOther, nil
}

// HeartbeatLocks renews heartbeat_at on every active hold of the holders.
func (s *PGStore) HeartbeatLocks(ctx context.Context, holders []string) (int64, error) {
	if len(holders) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE lock_acquisitions SET heartbeat_at = now()
        WHERE holder = ANY($1::text[]) AND success AND released_at IS NULL
    `, pq.Array(holders))
	if err != nil {
		return 0, fmt.Errorf("heartbeat locks: %w", err)
	}
	return res.RowsAffected()
}

// ReleaseExpiredSessions releases session-scoped holds whose holder stopped
// heartbeating more than ttl ago. Locks that were never registered are
// treated as session-scoped.
func (s *PGStore) ReleaseExpiredSessions(ctx context.Context, ttl time.Duration) ([]LockAcquisition, error) {
	rows, err := s.db.QueryContext(ctx, `
        UPDATE lock_acquisitions a
        SET released_at = now(), force_released = TRUE
        WHERE a.success AND a.released_at IS NULL
          AND a.heartbeat_at < now() - $1::double precision * interval '1 second'
          AND COALESCE((SELECT l.scope FROM locks l WHERE l.id = a.lock_id), 'session') = 'session'
        RETURNING `+acquisitionColumns, ttl.Seconds())
	if err != nil {
		return nil, fmt.Errorf("release expired sessions: %w", err)
	}
	return scanAcquisitions(rows)
}

// ReleaseAbandonedLocks force-releases every hold older than maxHold.
func (s *PGStore) ReleaseAbandonedLocks(ctx context.Context, maxHold time.Duration) ([]LockAcquisition, error) {
	rows, err := s.db.QueryContext(ctx, `
        UPDATE lock_acquisitions
        SET released_at = now(), force_released = TRUE
        WHERE success AND released_at IS NULL
          AND acquired_at < now() - $1::double precision * interval '1 second'
        RETURNING `+acquisitionColumns, maxHold.Seconds())
	if err != nil {
		return nil, fmt.Errorf("release abandoned locks: %w", err)
	}
	return scanAcquisitions(rows)
}

// ActiveHolds lists unreleased holds, oldest first.
func (s *PGStore) ActiveHolds(ctx context.Context) ([]LockAcquisition, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+acquisitionColumns+`
        FROM lock_acquisitions
        WHERE success AND released_at IS NULL
        ORDER BY acquired_at
    `)
	if err != nil {
		return nil, fmt.Errorf("list active holds: %w", err)
	}
	return scanAcquisitions(rows)
}
