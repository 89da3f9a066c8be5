package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"polaris/internal/log"
	"polaris/internal/store"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// NextRun returns the first activation of schedule strictly after from.
// Schedules are five-field cron expressions or descriptors such as
// "@hourly" and "@every 90s".
func NextRun(schedule string, from time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	next := sched.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("schedule %q never fires", schedule)
	}
	return next, nil
}

// Scheduler fires due jobs. Triggers are claimed by advancing next_run with a
// compare-and-set, so each trigger fires in exactly one process.
type Scheduler struct {
	store    Store
	runner   *Runner
	registry *Registry
	tick     time.Duration
	logger   *log.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

func NewScheduler(st Store, runner *Runner, registry *Registry, tick time.Duration, logger *log.Logger) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{store: st, runner: runner, registry: registry, tick: tick, logger: logger, now: time.Now}
}

// Define validates and stores a job definition.
func (s *Scheduler) Define(ctx context.Context, j store.ScheduledJob) (store.ScheduledJob, error) {
	if j.Name == "" {
		return store.ScheduledJob{}, errors.New("job name is required")
	}
	if _, ok := s.registry.Lookup(j.Operation); !ok {
		return store.ScheduledJob{}, fmt.Errorf("job %s: unknown operation %q", j.Name, j.Operation)
	}
	next, err := NextRun(j.Schedule, s.now())
	if err != nil {
		return store.ScheduledJob{}, fmt.Errorf("job %s: %w", j.Name, err)
	}
	j.NextRun = &next
	return s.store.UpsertJob(ctx, j)
}

// Run ticks until ctx is done, then waits for running jobs.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	s.logger.Info("Scheduler started", zap.Duration("tick", s.tick))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler shutting down")
			s.Wait()
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Scheduler tick failed", zap.Error(err))
			}
		}
	}
}

// Tick starts every due job this scheduler wins the trigger for and returns
// how many it started. Use Wait to block until they finish.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	due, err := s.store.DueJobs(ctx)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, j := range due {
		if j.NextRun == nil {
			continue
		}
		next, err := NextRun(j.Schedule, s.now())
		if err != nil {
			s.logger.Error("Invalid job schedule", zap.String("job", j.Name), zap.Error(err))
			continue
		}
		won, err := s.store.AdvanceJob(ctx, j.Name, *j.NextRun, next)
		if err != nil {
			s.logger.Error("Failed to advance job", zap.String("job", j.Name), zap.Error(err))
			continue
		}
		if !won {
			continue
		}
		op, ok := s.registry.Lookup(j.Operation)
		if !ok {
			s.logger.Error("Job refers to unknown operation", zap.String("job", j.Name), zap.String("operation", j.Operation))
			continue
		}
		started++
		s.wg.Add(1)
		go func(j store.ScheduledJob) {
			defer s.wg.Done()
			s.runner.RunSingleton(ctx, j.Name, op, j.MaxDuration)
		}(j)
	}
	return started, nil
}

func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// RunNow runs a job immediately, outside its schedule. A name with no stored
// definition runs the registered operation of the same name.
func (s *Scheduler) RunNow(ctx context.Context, name string) (Result, error) {
	j, err := s.store.GetJob(ctx, name)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrJobNotFound):
		j = store.ScheduledJob{Name: name, Operation: name}
	default:
		return Result{}, err
	}
	op, ok := s.registry.Lookup(j.Operation)
	if !ok {
		if errors.Is(err, store.ErrJobNotFound) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("job %s: unknown operation %q", name, j.Operation)
	}
	return s.runner.RunSingleton(ctx, j.Name, op, j.MaxDuration), nil
}

func (s *Scheduler) Jobs(ctx context.Context) ([]store.ScheduledJob, error) {
	return s.store.ListJobs(ctx)
}

func (s *Scheduler) Executions(ctx context.Context, name string, limit int) ([]store.JobExecution, error) {
	return s.store.ListExecutions(ctx, name, limit)
}
