package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/scanvault/scanvault/internal/accounting"
	"github.com/scanvault/scanvault/internal/scheduler"
	"github.com/scanvault/scanvault/internal/session"
)

// Janitor runs the periodic sweeps: returning orphaned leases to the queue,
// purging expired session rows, auditing usage counters for drift, and a
// fallback drain in case every asynq nudge for an interval was lost.
type Janitor struct {
	sched           *scheduler.Scheduler
	sessions        *session.Manager
	accountant      *accounting.Accountant
	processor       *Processor
	log             *zap.Logger
	reclaimInterval time.Duration
	sessionSweep    time.Duration
	usageAudit      time.Duration
}

// NewJanitor constructs a Janitor.
func NewJanitor(sched *scheduler.Scheduler, sessions *session.Manager, accountant *accounting.Accountant, processor *Processor, log *zap.Logger, reclaimInterval, sessionSweep, usageAudit time.Duration) *Janitor {
	if reclaimInterval <= 0 {
		reclaimInterval = time.Minute
	}
	if sessionSweep <= 0 {
		sessionSweep = 10 * time.Minute
	}
	if usageAudit <= 0 {
		usageAudit = time.Hour
	}
	return &Janitor{
		sched:           sched,
		sessions:        sessions,
		accountant:      accountant,
		processor:       processor,
		log:             log,
		reclaimInterval: reclaimInterval,
		sessionSweep:    sessionSweep,
		usageAudit:      usageAudit,
	}
}

// Run blocks until the context is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	reclaim := time.NewTicker(j.reclaimInterval)
	defer reclaim.Stop()
	sweep := time.NewTicker(j.sessionSweep)
	defer sweep.Stop()
	audit := time.NewTicker(j.usageAudit)
	defer audit.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reclaim.C:
			if _, err := j.sched.ReclaimExpired(ctx); err != nil {
				j.log.Error("lease reclaim failed", zap.Error(err))
			}
			if j.processor != nil {
				if err := j.processor.Drain(ctx); err != nil && ctx.Err() == nil {
					j.log.Error("fallback drain failed", zap.Error(err))
				}
			}
		case <-sweep.C:
			n, err := j.sessions.PurgeExpired(ctx)
			if err != nil {
				j.log.Error("session sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				j.log.Info("expired sessions purged", zap.Int("count", n))
			}
		case <-audit.C:
			drifted, err := j.accountant.VerifyAll(ctx)
			if err != nil {
				j.log.Error("usage audit failed", zap.Error(err))
				continue
			}
			if drifted > 0 {
				j.log.Error("usage audit found drift", zap.Int("tenants", drifted))
			}
		}
	}
}
