package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/scanvault/scanvault/internal/model"
)

// CreateSession inserts a session row keyed by the token hash.
func (p *Postgres) CreateSession(ctx context.Context, s *model.Session) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO sessions (token_hash, tenant_id, client_fingerprint, issued_at, last_accessed, expires_at, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, s.TokenHash, s.TenantID, s.ClientFingerprint, s.IssuedAt, s.LastAccessed, s.ExpiresAt, s.Active)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns the session by token hash.
func (p *Postgres) GetSession(ctx context.Context, tokenHash string) (*model.Session, error) {
	var s model.Session
	row := p.pool.QueryRow(ctx, `
		SELECT token_hash, tenant_id, client_fingerprint, issued_at, last_accessed, expires_at, active
		FROM sessions WHERE token_hash=$1
	`, tokenHash)
	if err := row.Scan(&s.TokenHash, &s.TenantID, &s.ClientFingerprint, &s.IssuedAt,
		&s.LastAccessed, &s.ExpiresAt, &s.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("select session: %w", err)
	}
	return &s, nil
}

// TouchSession bumps last-accessed.
func (p *Postgres) TouchSession(ctx context.Context, tokenHash string, at time.Time) error {
	_, err := p.pool.Exec(ctx, `UPDATE sessions SET last_accessed=$2 WHERE token_hash=$1`, tokenHash, at)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// InvalidateSession marks a session inactive; it is never reused.
func (p *Postgres) InvalidateSession(ctx context.Context, tokenHash string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE sessions SET active=FALSE WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("invalidate session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// InvalidateTenantSessions deactivates every live session of one tenant and
// returns the affected token hashes.
func (p *Postgres) InvalidateTenantSessions(ctx context.Context, tenant model.TenantID) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		UPDATE sessions SET active=FALSE WHERE tenant_id=$1 AND active
		RETURNING token_hash
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("invalidate tenant sessions: %w", err)
	}
	defer rows.Close()
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// PurgeExpiredSessions removes rows that expired before the cutoff or were
// already inactive.
func (p *Postgres) PurgeExpiredSessions(ctx context.Context, before time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1 OR NOT active`, before)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ActiveSessionCount counts live sessions for the tenant info endpoint.
func (p *Postgres) ActiveSessionCount(ctx context.Context, tenant model.TenantID) (int, error) {
	var n int
	row := p.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM sessions WHERE tenant_id=$1 AND active AND expires_at > $2
	`, tenant, time.Now().UTC())
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}
