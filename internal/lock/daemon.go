package lock

import (
	"context"
	"time"

	"polaris/internal/config"
	"polaris/internal/log"

	"go.uber.org/zap"
)

// Daemon keeps this process's session holds alive and reclaims holds whose
// holders died or held on for too long.
type Daemon struct {
	svc    *Service
	cfg    *config.Config
	logger *log.Logger
}

func NewDaemon(svc *Service, cfg *config.Config, logger *log.Logger) *Daemon {
	return &Daemon{
		svc:    svc,
		cfg:    cfg,
		logger: logger,
	}
}

func (d *Daemon) Run(ctx context.Context) {
	heartbeat := time.NewTicker(d.cfg.LockHeartbeatPeriod)
	defer heartbeat.Stop()
	sweep := time.NewTicker(d.cfg.LockSweepInterval)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Lock daemon shutting down")
			return
		case <-heartbeat.C:
			d.heartbeat(ctx)
		case <-sweep.C:
			d.Sweep(ctx)
		}
	}
}

// RunHeartbeat only renews this process's holds. One-shot commands use it
// so a sweeper elsewhere does not reclaim their holds while they run.
func (d *Daemon) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.LockHeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.heartbeat(ctx)
		}
	}
}

func (d *Daemon) heartbeat(ctx context.Context) {
	if _, err := d.svc.Heartbeat(ctx); err != nil {
		d.logger.Error("Failed to renew lock heartbeats", zap.Error(err))
	}
}

// Sweep releases expired session holds and abandoned holds.
func (d *Daemon) Sweep(ctx context.Context) {
	if _, err := d.svc.ReleaseExpiredSessions(ctx, d.cfg.LockSessionTTL); err != nil {
		d.logger.Error("Failed to release expired sessions", zap.Error(err))
	}
	if _, err := d.svc.ReleaseAbandoned(ctx, d.cfg.LockMaxHold); err != nil {
		d.logger.Error("Failed to release abandoned locks", zap.Error(err))
	}
}
