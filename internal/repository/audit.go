package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scanvault/scanvault/internal/model"
)

// AppendAudit inserts one audit entry. Entries are never updated or deleted
// here; retention is an external policy.
func (p *Postgres) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	var detail []byte
	if e.Detail != nil {
		var err error
		detail, err = json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshal audit detail: %w", err)
		}
	}
	var tenant *string
	if e.TenantID != "" {
		s := string(e.TenantID)
		tenant = &s
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO audit_log (tenant_id, action, resource_type, resource_id, success, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, tenant, e.Action, e.ResourceType, e.ResourceID, e.Success, detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// RecentAudit returns the newest entries across all tenants. This is the one
// cross-tenant read path, for operational and security review only.
func (p *Postgres) RecentAudit(ctx context.Context, limit int) ([]*model.AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, tenant_id, action, resource_type, COALESCE(resource_id,''), success, detail, created_at
		FROM audit_log ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()
	var out []*model.AuditEntry
	for rows.Next() {
		var (
			e      model.AuditEntry
			tenant *string
			detail []byte
		)
		if err := rows.Scan(&e.ID, &tenant, &e.Action, &e.ResourceType, &e.ResourceID,
			&e.Success, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if tenant != nil {
			e.TenantID = model.TenantID(*tenant)
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
