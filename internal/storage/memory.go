// Package storage contains the in-memory Store backend. It mirrors the
// Postgres repository's semantics under a single mutex, which makes it the
// reference implementation for unit tests: the lease claim, quota check, and
// counter pairing behave exactly as the SQL transactions do.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/scanvault/scanvault/internal/model"
	"github.com/scanvault/scanvault/internal/store"
)

// MemoryStore implements store.Store in process memory.
type MemoryStore struct {
	mu        sync.Mutex
	tenants   map[model.TenantID]*model.Tenant
	documents map[string]*model.Document
	jobs      map[string]*jobEntry
	sessions  map[string]*model.Session
	audit     []*model.AuditEntry
	seq       int64
	auditID   int64
}

// jobEntry carries a submission sequence so FIFO tie-breaking inside a
// priority band stays deterministic even when created_at collides.
type jobEntry struct {
	job *model.Job
	seq int64
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:   make(map[model.TenantID]*model.Tenant),
		documents: make(map[string]*model.Document),
		jobs:      make(map[string]*jobEntry),
		sessions:  make(map[string]*model.Session),
	}
}

func (m *MemoryStore) EnsureTenant(_ context.Context, id model.TenantID, quotaBytes int64, defaults model.RecognitionSettings) (*model.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	t, ok := m.tenants[id]
	if !ok {
		t = &model.Tenant{
			ID:         id,
			QuotaBytes: quotaBytes,
			Settings:   defaults,
			FirstSeen:  now,
			Active:     true,
		}
		m.tenants[id] = t
	}
	t.LastSeen = now
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetTenant(_ context.Context, id model.TenantID) (*model.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) UpdateTenantSettings(_ context.Context, id model.TenantID, s model.RecognitionSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return model.ErrNotFound
	}
	t.Settings = s
	t.LastSeen = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListTenantIDs(_ context.Context) ([]model.TenantID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []model.TenantID
	for id, t := range m.tenants {
		if t.Active {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *MemoryStore) CreateDocument(_ context.Context, doc *model.Document, job *model.Job) (*model.Document, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.documents {
		if d.TenantID == doc.TenantID && d.Fingerprint == doc.Fingerprint {
			cp := *d
			return &cp, false, nil
		}
	}
	t, ok := m.tenants[doc.TenantID]
	if !ok {
		return nil, false, model.ErrNotFound
	}
	if t.UsageBytes+doc.SizeBytes > t.QuotaBytes {
		return nil, false, &model.QuotaExceededError{
			UsageBytes:   t.UsageBytes,
			QuotaBytes:   t.QuotaBytes,
			RequestBytes: doc.SizeBytes,
		}
	}
	doc.Status = model.StatusPending
	dcp := *doc
	m.documents[doc.ID] = &dcp
	jcp := *job
	m.seq++
	m.jobs[job.ID] = &jobEntry{job: &jcp, seq: m.seq}
	t.UsageBytes += doc.SizeBytes
	t.DocumentCount++
	t.LastSeen = time.Now().UTC()
	out := dcp
	return &out, true, nil
}

func (m *MemoryStore) GetDocument(_ context.Context, tenant model.TenantID, docID string) (*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getDocumentLocked(tenant, docID)
}

func (m *MemoryStore) getDocumentLocked(tenant model.TenantID, docID string) (*model.Document, error) {
	d, ok := m.documents[docID]
	if !ok || d.TenantID != tenant {
		return nil, model.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListDocuments(_ context.Context, tenant model.TenantID, f store.ListFilter) ([]*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var docs []*model.Document
	for _, d := range m.documents {
		if d.TenantID != tenant {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		cp := *d
		docs = append(docs, &cp)
	}
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.After(docs[j].CreatedAt)
		}
		return docs[i].ID > docs[j].ID
	})
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	if f.Offset >= len(docs) {
		return nil, nil
	}
	docs = docs[f.Offset:]
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func (m *MemoryStore) DeleteDocument(_ context.Context, tenant model.TenantID, docID string) (*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[docID]
	if !ok || d.TenantID != tenant {
		return nil, model.ErrNotFound
	}
	for id, e := range m.jobs {
		if e.job.DocumentID == docID {
			delete(m.jobs, id)
		}
	}
	delete(m.documents, docID)
	if t, ok := m.tenants[tenant]; ok {
		t.UsageBytes -= d.SizeBytes
		t.DocumentCount--
		t.LastSeen = time.Now().UTC()
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) CancelDocument(_ context.Context, tenant model.TenantID, docID string) (*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[docID]
	if !ok || d.TenantID != tenant {
		return nil, model.ErrNotFound
	}
	if d.Status != model.StatusPending && d.Status != model.StatusProcessing {
		return nil, &model.ValidationError{Reason: "document in status " + string(d.Status) + " cannot be cancelled"}
	}
	for id, e := range m.jobs {
		if e.job.DocumentID == docID {
			delete(m.jobs, id)
		}
	}
	d.Status = model.StatusCancelled
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) UsageSnapshot(_ context.Context, tenant model.TenantID) (model.UsageSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[tenant]
	if !ok {
		return model.UsageSnapshot{}, model.ErrNotFound
	}
	return model.UsageSnapshot{
		UsageBytes:    t.UsageBytes,
		QuotaBytes:    t.QuotaBytes,
		DocumentCount: t.DocumentCount,
	}, nil
}

func (m *MemoryStore) ComputedUsage(_ context.Context, tenant model.TenantID) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var bytes, docs int64
	for _, d := range m.documents {
		if d.TenantID == tenant {
			bytes += d.SizeBytes
			docs++
		}
	}
	return bytes, docs, nil
}

func (m *MemoryStore) LeaseNextJob(_ context.Context, workerID string, leaseFor time.Duration) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var best *jobEntry
	for _, e := range m.jobs {
		if e.job.LeasedBy != "" || e.job.NotBefore.After(now) {
			continue
		}
		if best == nil || less(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	expiry := now.Add(leaseFor)
	best.job.LeasedBy = workerID
	best.job.LeaseExpiresAt = &expiry
	if d, ok := m.documents[best.job.DocumentID]; ok {
		d.Status = model.StatusProcessing
		if d.ProcessingStartedAt == nil {
			started := now
			d.ProcessingStartedAt = &started
		}
		d.RetryCount = best.job.Attempts
	}
	cp := *best.job
	return &cp, nil
}

func less(a, b *jobEntry) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority < b.job.Priority
	}
	return a.seq < b.seq
}

func (m *MemoryStore) CompleteJob(_ context.Context, jobID string, outcome model.RecognitionOutcome) (*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[jobID]
	if !ok {
		return nil, model.ErrNotFound
	}
	delete(m.jobs, jobID)
	d, ok := m.documents[e.job.DocumentID]
	if !ok {
		return nil, model.ErrNotFound
	}
	now := time.Now().UTC()
	d.Status = model.StatusCompleted
	d.Pages = outcome.Pages
	d.Confidence = outcome.Confidence
	d.TextKey = outcome.TextKey
	d.ErrorDetail = ""
	d.CompletedAt = &now
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) FailJob(_ context.Context, jobID string, errDetail string, retryAt store.BackoffFunc) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failJobLocked(jobID, errDetail, retryAt)
}

func (m *MemoryStore) failJobLocked(jobID, errDetail string, retryAt store.BackoffFunc) (*model.Job, error) {
	e, ok := m.jobs[jobID]
	if !ok {
		return nil, model.ErrNotFound
	}
	j := e.job
	j.Attempts++
	j.LastError = errDetail
	j.LeasedBy = ""
	j.LeaseExpiresAt = nil
	d := m.documents[j.DocumentID]
	if j.Attempts >= j.MaxAttempts {
		delete(m.jobs, jobID)
		if d != nil {
			d.Status = model.StatusError
			d.ErrorDetail = errDetail
			d.RetryCount = j.Attempts
		}
		cp := *j
		return &cp, nil
	}
	j.NotBefore = retryAt(j.Attempts)
	if d != nil {
		d.Status = model.StatusPending
		d.RetryCount = j.Attempts
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) ReclaimExpiredLeases(_ context.Context, retryAt store.BackoffFunc) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var expired []string
	for id, e := range m.jobs {
		if e.job.LeasedBy != "" && e.job.LeaseExpiresAt != nil && e.job.LeaseExpiresAt.Before(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		if _, err := m.failJobLocked(id, "lease expired", retryAt); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

func (m *MemoryStore) QueueStats(_ context.Context) (model.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var s model.QueueStats
	workers := make(map[string]struct{})
	for _, e := range m.jobs {
		if e.job.LeasedBy == "" && !e.job.NotBefore.After(now) {
			s.QueueLength++
		}
		if e.job.Leased(now) {
			workers[e.job.LeasedBy] = struct{}{}
		}
	}
	s.ActiveWorkers = len(workers)
	s.EstimatedWaitSeconds = s.QueueLength * model.EstimatedSecondsPerDocument
	return s, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.TokenHash] = &cp
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, tokenHash string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tokenHash]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) TouchSession(_ context.Context, tokenHash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[tokenHash]; ok {
		s.LastAccessed = at
	}
	return nil
}

func (m *MemoryStore) InvalidateSession(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tokenHash]
	if !ok {
		return model.ErrNotFound
	}
	s.Active = false
	return nil
}

func (m *MemoryStore) InvalidateTenantSessions(_ context.Context, tenant model.TenantID) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hashes []string
	for hash, s := range m.sessions {
		if s.TenantID == tenant && s.Active {
			s.Active = false
			hashes = append(hashes, hash)
		}
	}
	return hashes, nil
}

func (m *MemoryStore) PurgeExpiredSessions(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for hash, s := range m.sessions {
		if s.ExpiresAt.Before(before) || !s.Active {
			delete(m.sessions, hash)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ActiveSessionCount(_ context.Context, tenant model.TenantID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for _, s := range m.sessions {
		if s.TenantID == tenant && s.Active && s.ExpiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, e *model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditID++
	cp := *e
	cp.ID = m.auditID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *MemoryStore) RecentAudit(_ context.Context, limit int) ([]*model.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.audit) {
		limit = len(m.audit)
	}
	out := make([]*model.AuditEntry, 0, limit)
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.audit[i]
		out = append(out, &cp)
	}
	return out, nil
}
