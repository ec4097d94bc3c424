// Package audit appends security- and lifecycle-relevant events. Writes are
// fire-and-forget: a failed append must never block or fail the operation it
// describes, so failures go to the operational log only.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/scanvault/scanvault/internal/model"
	"github.com/scanvault/scanvault/internal/store"
)

// Well-known action names.
const (
	ActionSessionCreated     = "SESSION_CREATED"
	ActionSessionInvalidated = "SESSION_INVALIDATED"
	ActionSettingsUpdated    = "SETTINGS_UPDATED"
	ActionDocumentUploaded   = "DOCUMENT_UPLOADED"
	ActionDocumentDeleted    = "DOCUMENT_DELETED"
	ActionDocumentCancelled  = "DOCUMENT_CANCELLED"
	ActionDocumentCompleted  = "DOCUMENT_COMPLETED"
	ActionDocumentFailed     = "DOCUMENT_FAILED"
	ActionLeaseReclaimed     = "LEASE_RECLAIMED"
	ActionQuotaRejected      = "QUOTA_REJECTED"
	ActionRateLimited        = "RATE_LIMITED"
)

const writeTimeout = 2 * time.Second

// Trail records audit entries.
type Trail struct {
	store store.AuditStore
	log   *zap.Logger
}

// NewTrail constructs a Trail.
func NewTrail(st store.AuditStore, log *zap.Logger) *Trail {
	return &Trail{store: st, log: log}
}

// Record appends an entry. tenant may be empty for system events. The write
// uses its own timeout so a cancelled request context cannot lose the entry.
func (t *Trail) Record(tenant model.TenantID, action, resourceType, resourceID string, success bool, detail map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	entry := &model.AuditEntry{
		TenantID:     tenant,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Success:      success,
		Detail:       detail,
		CreatedAt:    time.Now().UTC(),
	}
	if err := t.store.AppendAudit(ctx, entry); err != nil {
		t.log.Error("audit append failed",
			zap.String("action", action),
			zap.String("resource", resourceType+"/"+resourceID),
			zap.Error(err))
	}
}

// Recent returns the newest entries across all tenants, for operational and
// security review.
func (t *Trail) Recent(ctx context.Context, limit int) ([]*model.AuditEntry, error) {
	return t.store.RecentAudit(ctx, limit)
}
