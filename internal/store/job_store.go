package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const jobColumns = `name, schedule, operation, max_duration_seconds, active, last_run, next_run, total_runs, successful_runs`

const executionColumns = `id, job_name, holder, started_at, completed_at, status, rows_affected, error_message`

func scanJob(sc scanner) (ScheduledJob, error) {
	var j ScheduledJob
	var maxDuration int64
	var lastRun, nextRun sql.NullTime
	err := sc.Scan(&j.Name, &j.Schedule, &j.Operation, &maxDuration, &j.Active, &lastRun, &nextRun, &j.TotalRuns, &j.SuccessfulRuns)
	if err != nil {
		return ScheduledJob{}, err
	}
	j.MaxDuration = time.Duration(maxDuration) * time.Second
	j.LastRun = timePtr(lastRun)
	j.NextRun = timePtr(nextRun)
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]ScheduledJob, error) {
	defer rows.Close()
	var out []ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanExecution(sc scanner) (JobExecution, error) {
	var e JobExecution
	var completed sql.NullTime
	var errMsg sql.NullString
	err := sc.Scan(&e.ID, &e.JobName, &e.Holder, &e.StartedAt, &completed, &e.Status, &e.RowsAffected, &errMsg)
	if err != nil {
		return JobExecution{}, err
	}
	e.CompletedAt = timePtr(completed)
	e.ErrorMessage = stringPtr(errMsg)
	return e, nil
}

// UpsertJob creates or updates a job definition. next_run is kept unless the
// schedule changed or was never computed.
func (s *PGStore) UpsertJob(ctx context.Context, j ScheduledJob) (ScheduledJob, error) {
	var nextRun sql.NullTime
	if j.NextRun != nil {
		nextRun = sql.NullTime{Time: *j.NextRun, Valid: true}
	}
	out, err := scanJob(s.db.QueryRowContext(ctx, `
        INSERT INTO scheduled_jobs (name, schedule, operation, max_duration_seconds, active, next_run)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (name) DO UPDATE
        SET schedule = EXCLUDED.schedule,
            operation = EXCLUDED.operation,
            max_duration_seconds = EXCLUDED.max_duration_seconds,
            active = EXCLUDED.active,
            next_run = CASE
                WHEN scheduled_jobs.schedule = EXCLUDED.schedule AND scheduled_jobs.next_run IS NOT NULL
                THEN scheduled_jobs.next_run
                ELSE EXCLUDED.next_run
            END,
            updated_at = now()
        RETURNING `+jobColumns,
		j.Name, j.Schedule, j.Operation, int64(j.MaxDuration/time.Second), j.Active, nextRun))
	if err != nil {
		return ScheduledJob{}, fmt.Errorf("upsert job: %w", err)
	}
	return out, nil
}

func (s *PGStore) GetJob(ctx context.Context, name string) (ScheduledJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE name = $1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledJob{}, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	if err != nil {
		return ScheduledJob{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PGStore) ListJobs(ctx context.Context) ([]ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return scanJobs(rows)
}

// DueJobs returns active jobs whose next_run has passed.
func (s *PGStore) DueJobs(ctx context.Context) ([]ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+jobColumns+`
        FROM scheduled_jobs
        WHERE active AND next_run IS NOT NULL AND next_run <= now()
        ORDER BY next_run
    `)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	return scanJobs(rows)
}

// AdvanceJob moves next_run from prev to next. It reports false when another
// scheduler already advanced it, so each trigger fires once.
func (s *PGStore) AdvanceJob(ctx context.Context, name string, prev, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE scheduled_jobs SET next_run = $3, updated_at = now()
        WHERE name = $1 AND next_run = $2
    `, name, prev, next)
	if err != nil {
		return false, fmt.Errorf("advance job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance job: %w", err)
	}
	return n == 1, nil
}

func (s *PGStore) StartExecution(ctx context.Context, jobName, holder string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
        INSERT INTO job_executions (job_name, holder, status)
        VALUES ($1, $2, 'running')
        RETURNING id
    `, jobName, holder).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("start execution: %w", err)
	}
	return id, nil
}

// FinishExecution closes the execution record and bumps the job's counters.
func (s *PGStore) FinishExecution(ctx context.Context, e JobExecution) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var startedAt time.Time
		err := tx.QueryRowContext(ctx, `
            UPDATE job_executions
            SET status = $2, completed_at = now(), rows_affected = $3, error_message = $4
            WHERE id = $1
            RETURNING started_at
        `, e.ID, string(e.Status), e.RowsAffected, nullString(e.ErrorMessage)).Scan(&startedAt)
		if err != nil {
			return fmt.Errorf("finish execution: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
            UPDATE scheduled_jobs
            SET total_runs = total_runs + 1,
                successful_runs = successful_runs + CASE WHEN $2::boolean THEN 1 ELSE 0 END,
                last_run = $3,
                updated_at = now()
            WHERE name = $1
        `, e.JobName, e.Status == ExecutionCompleted, startedAt)
		if err != nil {
			return fmt.Errorf("update job counters: %w", err)
		}
		return nil
	})
}

func (s *PGStore) ListExecutions(ctx context.Context, jobName string, limit int) ([]JobExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+executionColumns+`
        FROM job_executions
        WHERE ($1::text = '' OR job_name = $1)
        ORDER BY started_at DESC
        LIMIT $2
    `, jobName, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var out []JobExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
