package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"hash/fnv"
	"sync/atomic"
	"time"

	"polaris/internal/id"
	"polaris/internal/log"
	"polaris/internal/retry"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultRetention = 7 * 24 * time.Hour

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type Options struct {
	Node              *id.Node
	Retry             retry.Policy
	DefaultMaxRetries int
	Logger            *log.Logger
}

// PGStore is the single source of truth for channels, messages,
// subscribers, locks and jobs.
type PGStore struct {
	db                *sql.DB
	node              *id.Node
	policy            retry.Policy
	defaultMaxRetries int
	logger            *log.Logger
	healthy           atomic.Bool
}

func NewPGStore(databaseURL string, opts Options) (*PGStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewWithDB(db, opts), nil
}

// NewWithDB wraps an already opened database handle.
func NewWithDB(db *sql.DB, opts Options) *PGStore {
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	if opts.Node == nil {
		opts.Node, _ = id.NewNode(0)
	}
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = 3
	}
	s := &PGStore{
		db:                db,
		node:              opts.Node,
		policy:            opts.Retry,
		defaultMaxRetries: opts.DefaultMaxRetries,
		logger:            opts.Logger,
	}
	s.healthy.Store(true)
	return s
}

func (s *PGStore) DB() *sql.DB {
	return s.db
}

func (s *PGStore) Close() error {
	return s.db.Close()
}

// Migrate applies pending schema migrations.
func (s *PGStore) Migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	driver, err := migratepg.WithInstance(s.db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *PGStore) Healthy() bool {
	return s.healthy.Load()
}

// MonitorHealth pings the database on every tick until ctx is done.
func (s *PGStore) MonitorHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := s.db.PingContext(pingCtx)
			cancel()
			if err != nil {
				if s.healthy.Swap(false) {
					s.logger.Error("Database unhealthy", zap.Error(err))
				}
				continue
			}
			if !s.healthy.Swap(true) {
				s.logger.Info("Database healthy again")
			}
		}
	}
}

// LockID derives the stable numeric identifier of a named lock. Every
// process computes the same value for the same name without a round trip.
func LockID(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

func (s *PGStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}
