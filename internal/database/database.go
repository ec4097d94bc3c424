package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 16
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates all tables if needed. Keeping the migration in code
// keeps the stack self-contained so docker-compose can bootstrap everything.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	quota_bytes BIGINT NOT NULL,
	usage_bytes BIGINT NOT NULL DEFAULT 0 CHECK (usage_bytes >= 0),
	document_count BIGINT NOT NULL DEFAULT 0 CHECK (document_count >= 0),
	settings JSONB NOT NULL,
	first_seen TIMESTAMPTZ NOT NULL,
	last_seen TIMESTAMPTZ NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL REFERENCES tenants(id),
	file_name TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	pages INT NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	settings JSONB NOT NULL,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	error_detail TEXT NOT NULL DEFAULT '',
	retry_count INT NOT NULL DEFAULT 0,
	text_key TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	processing_started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	UNIQUE (tenant_id, fingerprint)
);
CREATE INDEX IF NOT EXISTS idx_documents_tenant_created
	ON documents(tenant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_documents_tenant_status
	ON documents(tenant_id, status);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL UNIQUE REFERENCES documents(id) ON DELETE CASCADE,
	tenant_id TEXT NOT NULL,
	priority INT NOT NULL DEFAULT 100,
	attempts INT NOT NULL DEFAULT 0,
	max_attempts INT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	not_before TIMESTAMPTZ NOT NULL,
	leased_by TEXT,
	lease_expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_eligible
	ON jobs(priority, created_at) WHERE leased_by IS NULL;
CREATE INDEX IF NOT EXISTS idx_jobs_lease_expiry
	ON jobs(lease_expires_at) WHERE leased_by IS NOT NULL;

CREATE TABLE IF NOT EXISTS sessions (
	token_hash TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	client_fingerprint TEXT NOT NULL DEFAULT '',
	issued_at TIMESTAMPTZ NOT NULL,
	last_accessed TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expires_at);

CREATE TABLE IF NOT EXISTS audit_log (
	id BIGSERIAL PRIMARY KEY,
	tenant_id TEXT,
	action TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id TEXT,
	success BOOLEAN NOT NULL,
	detail JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at DESC);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
