package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"polaris/internal/broker"
	"polaris/internal/log"
	"polaris/internal/metrics"
	"polaris/internal/store"

	"go.uber.org/zap"
)

// EventsChannel receives job.completed and job.failed notifications when it exists.
const EventsChannel = "job_events"

type Status string

const (
	StatusSkipped   Status = "SKIPPED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Result is the outcome of one RunSingleton call.
type Result struct {
	Status       Status        `json:"status"`
	Message      string        `json:"message"`
	RowsAffected int64         `json:"rowsAffected"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Operation is the body of a job. It returns the number of rows it affected.
type Operation func(ctx context.Context) (int64, error)

type Store interface {
	StartExecution(ctx context.Context, jobName, holder string) (int64, error)
	FinishExecution(ctx context.Context, e store.JobExecution) error
	GetJob(ctx context.Context, name string) (store.ScheduledJob, error)
	ListJobs(ctx context.Context) ([]store.ScheduledJob, error)
	DueJobs(ctx context.Context) ([]store.ScheduledJob, error)
	AdvanceJob(ctx context.Context, name string, prev, next time.Time) (bool, error)
	UpsertJob(ctx context.Context, j store.ScheduledJob) (store.ScheduledJob, error)
	ListExecutions(ctx context.Context, jobName string, limit int) ([]store.JobExecution, error)
}

// Locks is the part of the lock service the runner uses.
type Locks interface {
	Holder() string
	TryAcquire(ctx context.Context, name, purpose string) (bool, error)
	Release(ctx context.Context, name string) (bool, error)
}

type Publisher interface {
	Publish(ctx context.Context, req broker.PublishRequest) (broker.PublishResult, error)
}

// LockName is the singleton lock of a job.
func LockName(job string) string {
	return "job:" + job
}

// Runner executes jobs so that at most one instance of a job runs at a time
// across every process sharing the database.
type Runner struct {
	store   Store
	locks   Locks
	events  Publisher
	metrics *metrics.Metrics
	logger  *log.Logger
}

// NewRunner builds a runner. events may be nil to skip job notifications.
func NewRunner(st Store, locks Locks, events Publisher, m *metrics.Metrics, logger *log.Logger) *Runner {
	return &Runner{store: st, locks: locks, events: events, metrics: m, logger: logger}
}

// RunSingleton runs op under the job's lock. A concurrent run elsewhere makes
// it return SKIPPED without side effects. A positive maxDuration bounds the
// run through the context handed to op.
func (r *Runner) RunSingleton(ctx context.Context, name string, op Operation, maxDuration time.Duration) Result {
	start := time.Now()
	ok, err := r.locks.TryAcquire(ctx, LockName(name), "scheduled job")
	if err != nil {
		r.metrics.JobRun(name, "failed")
		return Result{Status: StatusFailed, Message: fmt.Sprintf("acquire job lock: %v", err), Elapsed: time.Since(start)}
	}
	if !ok {
		r.logger.Info("Job already running, skipping", zap.String("job", name))
		r.metrics.JobRun(name, "skipped")
		return Result{Status: StatusSkipped, Message: "job already running", Elapsed: time.Since(start)}
	}
	defer func() {
		if _, err := r.locks.Release(context.WithoutCancel(ctx), LockName(name)); err != nil {
			r.logger.Error("Failed to release job lock", zap.String("job", name), zap.Error(err))
		}
	}()

	execID, err := r.store.StartExecution(ctx, name, r.locks.Holder())
	if err != nil {
		r.metrics.JobRun(name, "failed")
		return Result{Status: StatusFailed, Message: err.Error(), Elapsed: time.Since(start)}
	}

	runCtx := ctx
	if maxDuration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, maxDuration)
		defer cancel()
	}
	rows, opErr := safeRun(runCtx, op)
	if opErr == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		opErr = fmt.Errorf("exceeded max duration %s", maxDuration)
	}

	res := Result{Status: StatusCompleted, Message: "ok", RowsAffected: rows, Elapsed: time.Since(start)}
	exec := store.JobExecution{ID: execID, JobName: name, Status: store.ExecutionCompleted, RowsAffected: rows}
	if opErr != nil {
		msg := opErr.Error()
		res.Status = StatusFailed
		res.Message = msg
		exec.Status = store.ExecutionFailed
		exec.ErrorMessage = &msg
	}
	if err := r.store.FinishExecution(context.WithoutCancel(ctx), exec); err != nil {
		r.logger.Error("Failed to record job execution", zap.String("job", name), zap.Int64("execution_id", execID), zap.Error(err))
	}

	r.announce(context.WithoutCancel(ctx), name, res)
	r.metrics.JobRun(name, strings.ToLower(string(res.Status)))
	if res.Status == StatusFailed {
		r.logger.Error("Job failed", zap.String("job", name), zap.Duration("elapsed", res.Elapsed), zap.String("error", res.Message))
	} else {
		r.logger.Info("Job completed", zap.String("job", name), zap.Int64("rows_affected", rows), zap.Duration("elapsed", res.Elapsed))
	}
	return res
}

func safeRun(ctx context.Context, op Operation) (rows int64, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job panic: %v", p)
		}
	}()
	return op(ctx)
}

type jobEvent struct {
	Job          string `json:"job"`
	Status       Status `json:"status"`
	RowsAffected int64  `json:"rowsAffected"`
	ElapsedMs    int64  `json:"elapsedMs"`
	Error        string `json:"error,omitempty"`
}

// announce publishes the outcome on EventsChannel. Failures are logged only.
func (r *Runner) announce(ctx context.Context, name string, res Result) {
	if r.events == nil {
		return
	}
	ev := jobEvent{Job: name, Status: res.Status, RowsAffected: res.RowsAffected, ElapsedMs: res.Elapsed.Milliseconds()}
	eventType := "job.completed"
	if res.Status == StatusFailed {
		eventType = "job.failed"
		ev.Error = res.Message
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, err = r.events.Publish(ctx, broker.PublishRequest{
		Channel:   EventsChannel,
		EventType: eventType,
		Payload:   payload,
		Sender:    r.locks.Holder(),
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrUnknownChannel):
		r.logger.Debug("No job events channel, skipping notification", zap.String("job", name))
	default:
		r.logger.Warn("Failed to publish job event", zap.String("job", name), zap.Error(err))
	}
}
