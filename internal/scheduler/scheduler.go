// Package scheduler owns the recognition job queue: priority-ordered
// dispatch under worker leases, bounded retries with exponential backoff,
// and reclamation of leases orphaned by crashed workers.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scanvault/scanvault/internal/audit"
	"github.com/scanvault/scanvault/internal/model"
	"github.com/scanvault/scanvault/internal/store"
)

// DefaultPriority sits in the middle of the band; smaller is more urgent.
const DefaultPriority = 100

// Notifier wakes the worker pool after a job becomes (or will become)
// eligible. A nil Notifier means workers rely on their poll ticker alone.
type Notifier interface {
	NotifyProcess(ctx context.Context, documentID string, notBefore time.Time) error
}

// Options carry the queue tunables, all overridable via configuration.
type Options struct {
	LeaseDuration time.Duration
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

// Scheduler coordinates job dispatch over the store.
type Scheduler struct {
	store    store.JobStore
	notifier Notifier
	trail    *audit.Trail
	log      *zap.Logger
	opts     Options
}

// New constructs a Scheduler. notifier may be nil.
func New(st store.JobStore, notifier Notifier, trail *audit.Trail, log *zap.Logger, opts Options) *Scheduler {
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = 10 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 30 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 15 * time.Minute
	}
	return &Scheduler{store: st, notifier: notifier, trail: trail, log: log, opts: opts}
}

// NewJob builds the job row enqueued together with a new document. The
// caller persists it atomically with the document insert.
func (s *Scheduler) NewJob(doc *model.Document, priority int) *model.Job {
	if priority <= 0 {
		priority = DefaultPriority
	}
	now := time.Now().UTC()
	return &model.Job{
		ID:          uuid.NewString(),
		DocumentID:  doc.ID,
		TenantID:    doc.TenantID,
		Priority:    priority,
		MaxAttempts: s.opts.MaxAttempts,
		NotBefore:   now,
		CreatedAt:   now,
	}
}

// NotifyEnqueued wakes workers after a job was persisted. Delivery is
// best-effort; the poll ticker covers lost nudges.
func (s *Scheduler) NotifyEnqueued(ctx context.Context, documentID string, notBefore time.Time) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyProcess(ctx, documentID, notBefore); err != nil {
		s.log.Warn("worker nudge failed", zap.String("document", documentID), zap.Error(err))
	}
}

// LeaseNext claims the highest-ranked eligible job for the worker, or nil
// when nothing is eligible. The claim is race-free in the store.
func (s *Scheduler) LeaseNext(ctx context.Context, workerID string) (*model.Job, error) {
	job, err := s.store.LeaseNextJob(ctx, workerID, s.opts.LeaseDuration)
	if err != nil {
		return nil, fmt.Errorf("lease next: %w", err)
	}
	return job, nil
}

// ReportSuccess finishes a job: document completed, job removed.
func (s *Scheduler) ReportSuccess(ctx context.Context, jobID string, outcome model.RecognitionOutcome) (*model.Document, error) {
	doc, err := s.store.CompleteJob(ctx, jobID, outcome)
	if err != nil {
		return nil, fmt.Errorf("complete job: %w", err)
	}
	s.trail.Record(doc.TenantID, audit.ActionDocumentCompleted, "document", doc.ID, true, map[string]any{
		"pages":      outcome.Pages,
		"confidence": outcome.Confidence,
	})
	return doc, nil
}

// ReportFailure burns one attempt. While attempts remain the job re-enters
// the eligible set at now+backoff(attempts); otherwise the document goes
// terminal with the last error attached.
func (s *Scheduler) ReportFailure(ctx context.Context, jobID string, cause error) (*model.Job, error) {
	detail := cause.Error()
	job, err := s.store.FailJob(ctx, jobID, detail, s.retryAt)
	if err != nil {
		return nil, fmt.Errorf("fail job: %w", err)
	}
	if job.Attempts >= job.MaxAttempts {
		s.trail.Record(job.TenantID, audit.ActionDocumentFailed, "document", job.DocumentID, false, map[string]any{
			"attempts": job.Attempts,
			"error":    detail,
		})
		return job, nil
	}
	s.log.Info("job requeued",
		zap.String("job", job.ID),
		zap.Int("attempt", job.Attempts),
		zap.Time("notBefore", job.NotBefore))
	s.NotifyEnqueued(ctx, job.DocumentID, job.NotBefore)
	return job, nil
}

// ReclaimExpired sweeps orphaned leases. Each reclaimed job counts as a
// failed attempt; a worker that died mid-job is detected only here.
func (s *Scheduler) ReclaimExpired(ctx context.Context) (int, error) {
	n, err := s.store.ReclaimExpiredLeases(ctx, s.retryAt)
	if err != nil {
		return 0, fmt.Errorf("reclaim leases: %w", err)
	}
	if n > 0 {
		s.log.Warn("reclaimed orphaned leases", zap.Int("count", n))
		s.trail.Record("", audit.ActionLeaseReclaimed, "job", "", true, map[string]any{"count": n})
		s.NotifyEnqueued(ctx, "", time.Time{})
	}
	return n, nil
}

// Stats reports queue health.
func (s *Scheduler) Stats(ctx context.Context) (model.QueueStats, error) {
	return s.store.QueueStats(ctx)
}

// Backoff returns the delay before retry attempt n (1-based): exponential
// doubling from the base, capped.
func (s *Scheduler) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := s.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.opts.BackoffMax {
			return s.opts.BackoffMax
		}
	}
	if d > s.opts.BackoffMax {
		d = s.opts.BackoffMax
	}
	return d
}

func (s *Scheduler) retryAt(attempt int) time.Time {
	return time.Now().UTC().Add(s.Backoff(attempt))
}
