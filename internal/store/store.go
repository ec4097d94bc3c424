// Package store defines the persistence contract shared by the Postgres
// backend and the in-memory backend used in tests.
//
// Every method is one atomic unit: quota checks, counter updates, and job
// rows move together with the document rows they describe, and the lease
// claim in LeaseNextJob is claim-if-unclaimed with respect to concurrent
// callers. Methods that read or mutate tenant-owned data take the owning
// TenantID and never touch rows of another tenant.
package store

import (
	"context"
	"time"

	"github.com/scanvault/scanvault/internal/model"
)

// ListFilter narrows ListDocuments. A zero Status means all statuses.
type ListFilter struct {
	Offset int
	Limit  int
	Status model.DocumentStatus
}

// BackoffFunc maps an attempt count (1-based, after increment) to the next
// eligible time for a retried job.
type BackoffFunc func(attempt int) time.Time

// Store is the full persistence surface.
type Store interface {
	TenantStore
	DocumentStore
	JobStore
	SessionStore
	AuditStore
}

// TenantStore backs the registry and the isolation enforcer.
type TenantStore interface {
	// EnsureTenant upserts the tenant on first contact and bumps last-seen
	// on every later one.
	EnsureTenant(ctx context.Context, id model.TenantID, quotaBytes int64, defaults model.RecognitionSettings) (*model.Tenant, error)
	GetTenant(ctx context.Context, id model.TenantID) (*model.Tenant, error)
	UpdateTenantSettings(ctx context.Context, id model.TenantID, s model.RecognitionSettings) error
	// ListTenantIDs enumerates active tenants for background sweeps.
	ListTenantIDs(ctx context.Context) ([]model.TenantID, error)
}

// DocumentStore backs uploads, retrieval, and deletion. Usage counters move
// inside these calls, never separately.
type DocumentStore interface {
	// CreateDocument registers an upload. If the tenant already stores the
	// fingerprint, the existing document is returned with created=false and
	// nothing changes. Otherwise the quota check, document insert, job
	// insert, and usage increment happen atomically; a failed quota check
	// returns *model.QuotaExceededError and persists nothing.
	CreateDocument(ctx context.Context, doc *model.Document, job *model.Job) (out *model.Document, created bool, err error)
	GetDocument(ctx context.Context, tenant model.TenantID, docID string) (*model.Document, error)
	ListDocuments(ctx context.Context, tenant model.TenantID, f ListFilter) ([]*model.Document, error)
	// DeleteDocument removes the document and any job and decrements usage,
	// atomically. The removed document is returned for artifact cleanup.
	DeleteDocument(ctx context.Context, tenant model.TenantID, docID string) (*model.Document, error)
	// CancelDocument moves a pending or processing document to cancelled
	// and removes its job. The row and its byte weight remain.
	CancelDocument(ctx context.Context, tenant model.TenantID, docID string) (*model.Document, error)
	UsageSnapshot(ctx context.Context, tenant model.TenantID) (model.UsageSnapshot, error)
	// ComputedUsage recounts usage from the document rows for drift audits.
	ComputedUsage(ctx context.Context, tenant model.TenantID) (bytes int64, docs int64, err error)
}

// JobStore backs the scheduler.
type JobStore interface {
	// LeaseNextJob claims the highest-ranked eligible job, ordered by
	// (priority asc, created_at asc), stamps the lease, and marks the
	// document processing. Returns (nil, nil) when nothing is eligible.
	// Two concurrent callers never receive the same job.
	LeaseNextJob(ctx context.Context, workerID string, leaseFor time.Duration) (*model.Job, error)
	// CompleteJob clears the lease, marks the document completed with the
	// outcome, and removes the job.
	CompleteJob(ctx context.Context, jobID string, outcome model.RecognitionOutcome) (*model.Document, error)
	// FailJob increments the attempt count. While attempts remain it clears
	// the lease and pushes not-before to retryAt(attempts); otherwise it
	// marks the document terminal error and removes the job. The returned
	// job carries the post-increment attempt count.
	FailJob(ctx context.Context, jobID string, errDetail string, retryAt BackoffFunc) (*model.Job, error)
	// ReclaimExpiredLeases returns orphaned jobs to the eligible set, each
	// counting as a failed attempt.
	ReclaimExpiredLeases(ctx context.Context, retryAt BackoffFunc) (int, error)
	QueueStats(ctx context.Context) (model.QueueStats, error)
}

// SessionStore backs the session manager.
type SessionStore interface {
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, tokenHash string) (*model.Session, error)
	TouchSession(ctx context.Context, tokenHash string, at time.Time) error
	InvalidateSession(ctx context.Context, tokenHash string) error
	// InvalidateTenantSessions deactivates every live session of the tenant
	// and returns their token hashes so callers can evict cached copies.
	InvalidateTenantSessions(ctx context.Context, tenant model.TenantID) ([]string, error)
	PurgeExpiredSessions(ctx context.Context, before time.Time) (int, error)
	ActiveSessionCount(ctx context.Context, tenant model.TenantID) (int, error)
}

// AuditStore is append-only within the operational path. RecentAudit is the
// single permitted cross-tenant read, for operational review.
type AuditStore interface {
	AppendAudit(ctx context.Context, e *model.AuditEntry) error
	RecentAudit(ctx context.Context, limit int) ([]*model.AuditEntry, error)
}
