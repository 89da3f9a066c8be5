package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"polaris/internal/archive"
	"polaris/internal/broker"
	"polaris/internal/config"
	"polaris/internal/id"
	"polaris/internal/jobs"
	"polaris/internal/lock"
	"polaris/internal/log"
	"polaris/internal/metrics"
	"polaris/internal/monitor"
	"polaris/internal/notify"
	"polaris/internal/retry"
	"polaris/internal/store"
	"polaris/internal/workclaim"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// app holds the wired components shared by every command.
type app struct {
	cfg       *config.Config
	logger    *log.Logger
	store     *store.PGStore
	metrics   *metrics.Metrics
	transport notify.Transport
	broker    *broker.Broker
	locks     *lock.Service
	claimer   *workclaim.Claimer
	monitor   *monitor.Monitor
	registry  *jobs.Registry
	scheduler *jobs.Scheduler
}

func newApp(ctx context.Context, cfg *config.Config, logger *log.Logger) (*app, error) {
	node, err := id.NewNode(cfg.NodeID)
	if err != nil {
		return nil, err
	}
	st, err := store.NewPGStore(cfg.DatabaseURL, store.Options{
		Node:              node,
		Retry:             retry.NewPolicy(cfg.RetryBackoff, cfg.RetryBackoffMax),
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		Logger:            logger.Named("store"),
	})
	if err != nil {
		return nil, fmt.Errorf("initialize store: %w", err)
	}

	transport, err := newTransport(cfg, logger.Named("notify"))
	if err != nil {
		st.Close()
		return nil, err
	}

	m := metrics.New()
	locks := lock.NewService(st, lock.Options{
		Holder:       holderID(cfg),
		PollInterval: cfg.LockPollInterval,
		Metrics:      m,
	}, logger.Named("lock"))
	brk := broker.New(st, notify.NewBreaker(transport, logger.Named("notify")), transport, m, logger.Named("broker"))
	mon := monitor.New(st, cfg.LongHeldThreshold, logger.Named("monitor"))

	builtins := jobs.Builtins{
		Purger:         st,
		Locks:          locks,
		Subscribers:    brk,
		Monitor:        mon,
		LockMaxHold:    cfg.LockMaxHold,
		SubscriberIdle: cfg.SubscriberIdleTimeout,
		Logger:         logger.Named("jobs"),
	}
	if cfg.S3Bucket != "" {
		exporter, err := archive.NewS3Exporter(ctx, st, archive.Options{
			Bucket:   cfg.S3Bucket,
			Prefix:   cfg.S3Prefix,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		}, logger.Named("archive"))
		if err != nil {
			transport.Close()
			st.Close()
			return nil, err
		}
		builtins.Exporter = exporter
	}
	claimer := workclaim.NewClaimer(st, workclaim.ServiceLocks(locks), m, logger.Named("workclaim"))
	builtins.Claims = claimer
	builtins.ClaimTimeout = cfg.ClaimTimeout
	registry := jobs.NewRegistry()
	builtins.Register(registry)
	runner := jobs.NewRunner(st, locks, brk, m, logger.Named("jobs"))

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		metrics:   m,
		transport: transport,
		broker:    brk,
		locks:     locks,
		claimer:   claimer,
		monitor:   mon,
		registry:  registry,
		scheduler: jobs.NewScheduler(st, runner, registry, cfg.SchedulerTick, logger.Named("scheduler")),
	}, nil
}

func (a *app) Close() {
	if err := a.transport.Close(); err != nil {
		a.logger.Warn("Failed to close notification transport", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close store", zap.Error(err))
	}
}

func newTransport(cfg *config.Config, logger *log.Logger) (notify.Transport, error) {
	switch strings.ToLower(cfg.NotifyTransport) {
	case "nats":
		return notify.NewNATS(cfg.NATSURL, cfg.NotifySubjectPrefix, logger)
	case "redis":
		return notify.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.NotifySubjectPrefix, logger)
	default:
		return notify.Noop{}, nil
	}
}

// holderID names this process in the lock table.
func holderID(cfg *config.Config) string {
	if cfg.WorkerID != "" {
		return cfg.WorkerID
	}
	host, err := os.Hostname()
	if err != nil {
		host = "polaris"
	}
	return host + "-" + uuid.NewString()[:8]
}

// applyBootstrap creates the declared channels, locks and jobs. It is safe to
// run on every start.
func (a *app) applyBootstrap(ctx context.Context, path string) error {
	b, err := config.LoadBootstrap(path)
	if err != nil {
		return err
	}
	for _, c := range b.Channels {
		_, err := a.store.CreateChannel(ctx, store.Channel{
			Name:               c.Name,
			EventTypes:         c.EventTypes,
			Retention:          c.Retention.Duration,
			MaxEventsPerMinute: c.MaxEventsPerMinute,
			MaxRetries:         c.MaxRetries,
		})
		if err != nil {
			return fmt.Errorf("bootstrap channel %s: %w", c.Name, err)
		}
	}
	for _, l := range b.Locks {
		if _, err := a.locks.Register(ctx, l.Name, l.Description, store.LockScope(l.Scope)); err != nil {
			return fmt.Errorf("bootstrap lock %s: %w", l.Name, err)
		}
	}
	for _, j := range b.Jobs {
		_, err := a.scheduler.Define(ctx, store.ScheduledJob{
			Name:        j.Name,
			Schedule:    j.Schedule,
			Operation:   j.Operation,
			MaxDuration: j.MaxDuration.Duration,
			Active:      j.IsActive(),
		})
		if err != nil {
			return fmt.Errorf("bootstrap job %s: %w", j.Name, err)
		}
	}
	a.logger.Info("Applied bootstrap", zap.String("file", path), zap.Int("channels", len(b.Channels)),
		zap.Int("locks", len(b.Locks)), zap.Int("jobs", len(b.Jobs)))
	return nil
}
