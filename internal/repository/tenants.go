package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/scanvault/scanvault/internal/model"
)

// EnsureTenant upserts the tenant row on first contact. Later contacts only
// bump last_seen; quota and settings are never clobbered by the upsert.
func (p *Postgres) EnsureTenant(ctx context.Context, id model.TenantID, quotaBytes int64, defaults model.RecognitionSettings) (*model.Tenant, error) {
	settings, err := json.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}
	now := time.Now().UTC()
	row := p.pool.QueryRow(ctx, `
		INSERT INTO tenants (id, quota_bytes, settings, first_seen, last_seen, active)
		VALUES ($1,$2,$3,$4,$4,TRUE)
		ON CONFLICT (id) DO UPDATE SET last_seen = EXCLUDED.last_seen
		RETURNING id, quota_bytes, usage_bytes, document_count, settings, first_seen, last_seen, active
	`, id, quotaBytes, settings, now)
	return scanTenant(row)
}

// GetTenant returns the tenant by id.
func (p *Postgres) GetTenant(ctx context.Context, id model.TenantID) (*model.Tenant, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, quota_bytes, usage_bytes, document_count, settings, first_seen, last_seen, active
		FROM tenants WHERE id=$1
	`, id)
	t, err := scanTenant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

// UpdateTenantSettings replaces the default recognition settings.
func (p *Postgres) UpdateTenantSettings(ctx context.Context, id model.TenantID, s model.RecognitionSettings) error {
	settings, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE tenants SET settings=$2, last_seen=$3 WHERE id=$1
	`, id, settings, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update tenant settings: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// ListTenantIDs enumerates active tenants for background sweeps.
func (p *Postgres) ListTenantIDs(ctx context.Context) ([]model.TenantID, error) {
	rows, err := p.pool.Query(ctx, `SELECT id FROM tenants WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()
	var ids []model.TenantID
	for rows.Next() {
		var id model.TenantID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanTenant(row pgx.Row) (*model.Tenant, error) {
	var (
		t        model.Tenant
		settings []byte
	)
	if err := row.Scan(&t.ID, &t.QuotaBytes, &t.UsageBytes, &t.DocumentCount,
		&settings, &t.FirstSeen, &t.LastSeen, &t.Active); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(settings, &t.Settings); err != nil {
		return nil, fmt.Errorf("decode tenant settings: %w", err)
	}
	return &t, nil
}
