package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/scanvault/scanvault/internal/model"
	"github.com/scanvault/scanvault/internal/store"
)

const documentColumns = `id, tenant_id, file_name, fingerprint, size_bytes, pages, status,
	settings, confidence, error_detail, retry_count, text_key,
	created_at, processing_started_at, completed_at`

// CreateDocument registers an upload as one transaction: per-tenant dedupe,
// quota check against the locked tenant row, document + job insert, and the
// usage increment. A duplicate fingerprint short-circuits to the existing
// row; a failed quota check persists nothing.
func (p *Postgres) CreateDocument(ctx context.Context, doc *model.Document, job *model.Job) (*model.Document, bool, error) {
	var (
		out     *model.Document
		created bool
	)
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		existing, err := getDocumentBy(ctx, tx, `tenant_id=$1 AND fingerprint=$2`, doc.TenantID, doc.Fingerprint)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return err
		}

		var usage, quota int64
		row := tx.QueryRow(ctx, `SELECT usage_bytes, quota_bytes FROM tenants WHERE id=$1 FOR UPDATE`, doc.TenantID)
		if err := row.Scan(&usage, &quota); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return model.ErrNotFound
			}
			return fmt.Errorf("lock tenant: %w", err)
		}
		if usage+doc.SizeBytes > quota {
			return &model.QuotaExceededError{UsageBytes: usage, QuotaBytes: quota, RequestBytes: doc.SizeBytes}
		}

		settings, err := json.Marshal(doc.Settings)
		if err != nil {
			return fmt.Errorf("marshal settings: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO documents (id, tenant_id, file_name, fingerprint, size_bytes, pages, status, settings, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, doc.ID, doc.TenantID, doc.FileName, doc.Fingerprint, doc.SizeBytes, doc.Pages, model.StatusPending, settings, doc.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return model.ErrConflict
			}
			return fmt.Errorf("insert document: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO jobs (id, document_id, tenant_id, priority, max_attempts, not_before, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, job.ID, job.DocumentID, job.TenantID, job.Priority, job.MaxAttempts, job.NotBefore, job.CreatedAt); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE tenants
			SET usage_bytes = usage_bytes + $2, document_count = document_count + 1, last_seen = $3
			WHERE id=$1
		`, doc.TenantID, doc.SizeBytes, time.Now().UTC()); err != nil {
			return fmt.Errorf("increment usage: %w", err)
		}
		doc.Status = model.StatusPending
		out = doc
		created = true
		return nil
	})
	if errors.Is(err, model.ErrConflict) {
		// Lost an insert race for the same fingerprint; the winner's row is
		// the idempotent result.
		return p.getByFingerprint(ctx, doc.TenantID, doc.Fingerprint)
	}
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (p *Postgres) getByFingerprint(ctx context.Context, tenant model.TenantID, fingerprint string) (*model.Document, bool, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE tenant_id=$1 AND fingerprint=$2`, tenant, fingerprint)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, model.ErrNotFound
		}
		return nil, false, err
	}
	return doc, false, nil
}

// GetDocument enforces tenant ownership: an id owned by another tenant is
// indistinguishable from a missing one.
func (p *Postgres) GetDocument(ctx context.Context, tenant model.TenantID, docID string) (*model.Document, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE tenant_id=$1 AND id=$2`, tenant, docID)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return doc, nil
}

// ListDocuments returns the tenant's documents newest first.
func (p *Postgres) ListDocuments(ctx context.Context, tenant model.TenantID, f store.ListFilter) ([]*model.Document, error) {
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	query := `SELECT ` + documentColumns + ` FROM documents WHERE tenant_id=$1`
	args := []any{tenant}
	if f.Status != "" {
		query += ` AND status=$2`
		args = append(args, f.Status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC OFFSET %d LIMIT %d`, f.Offset, limit)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	var out []*model.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// DeleteDocument removes the row and any job and decrements usage, all in
// one transaction.
func (p *Postgres) DeleteDocument(ctx context.Context, tenant model.TenantID, docID string) (*model.Document, error) {
	var out *model.Document
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		doc, err := getDocumentBy(ctx, tx, `tenant_id=$1 AND id=$2 FOR UPDATE`, tenant, docID)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE document_id=$1`, docID); err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE id=$1`, docID); err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE tenants
			SET usage_bytes = usage_bytes - $2, document_count = document_count - 1, last_seen = $3
			WHERE id=$1
		`, tenant, doc.SizeBytes, time.Now().UTC()); err != nil {
			return fmt.Errorf("decrement usage: %w", err)
		}
		out = doc
		return nil
	})
	return out, err
}

// CancelDocument moves a pending or processing document to cancelled and
// removes its job. The row keeps its byte weight.
func (p *Postgres) CancelDocument(ctx context.Context, tenant model.TenantID, docID string) (*model.Document, error) {
	var out *model.Document
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		doc, err := getDocumentBy(ctx, tx, `tenant_id=$1 AND id=$2 FOR UPDATE`, tenant, docID)
		if err != nil {
			return err
		}
		if doc.Status != model.StatusPending && doc.Status != model.StatusProcessing {
			return &model.ValidationError{Reason: fmt.Sprintf("document in status %q cannot be cancelled", doc.Status)}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE document_id=$1`, docID); err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE documents SET status=$2 WHERE id=$1`, docID, model.StatusCancelled); err != nil {
			return fmt.Errorf("cancel document: %w", err)
		}
		doc.Status = model.StatusCancelled
		out = doc
		return nil
	})
	return out, err
}

// UsageSnapshot is the pure read used for quota checks and tenant status.
func (p *Postgres) UsageSnapshot(ctx context.Context, tenant model.TenantID) (model.UsageSnapshot, error) {
	var s model.UsageSnapshot
	row := p.pool.QueryRow(ctx, `SELECT usage_bytes, quota_bytes, document_count FROM tenants WHERE id=$1`, tenant)
	if err := row.Scan(&s.UsageBytes, &s.QuotaBytes, &s.DocumentCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s, model.ErrNotFound
		}
		return s, fmt.Errorf("usage snapshot: %w", err)
	}
	return s, nil
}

// ComputedUsage recounts from document rows; used by the drift audit.
func (p *Postgres) ComputedUsage(ctx context.Context, tenant model.TenantID) (int64, int64, error) {
	var bytes, docs int64
	row := p.pool.QueryRow(ctx, `SELECT COALESCE(SUM(size_bytes),0), COUNT(*) FROM documents WHERE tenant_id=$1`, tenant)
	if err := row.Scan(&bytes, &docs); err != nil {
		return 0, 0, fmt.Errorf("computed usage: %w", err)
	}
	return bytes, docs, nil
}

func getDocumentBy(ctx context.Context, tx pgx.Tx, where string, args ...any) (*model.Document, error) {
	row := tx.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE `+where, args...)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return doc, nil
}

func scanDocument(row pgx.Row) (*model.Document, error) {
	var (
		doc      model.Document
		settings []byte
	)
	if err := row.Scan(&doc.ID, &doc.TenantID, &doc.FileName, &doc.Fingerprint, &doc.SizeBytes,
		&doc.Pages, &doc.Status, &settings, &doc.Confidence, &doc.ErrorDetail, &doc.RetryCount,
		&doc.TextKey, &doc.CreatedAt, &doc.ProcessingStartedAt, &doc.CompletedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(settings, &doc.Settings); err != nil {
		return nil, fmt.Errorf("decode document settings: %w", err)
	}
	return &doc, nil
}
