package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/scanvault/scanvault/internal/model"
	"github.com/scanvault/scanvault/internal/store"
)

const jobColumns = `id, document_id, tenant_id, priority, attempts, max_attempts,
	last_error, not_before, leased_by, lease_expires_at, created_at`

// LeaseNextJob claims the highest-ranked eligible job. The claim is a single
// conditional update: the subquery selects only unleased rows with
// FOR UPDATE SKIP LOCKED, so two racing workers can never stamp the same
// job. The owning document moves to processing in the same transaction.
func (p *Postgres) LeaseNextJob(ctx context.Context, workerID string, leaseFor time.Duration) (*model.Job, error) {
	var out *model.Job
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		expiry := now.Add(leaseFor)
		row := tx.QueryRow(ctx, `
			UPDATE jobs SET leased_by=$1, lease_expires_at=$2
			WHERE id = (
				SELECT id FROM jobs
				WHERE leased_by IS NULL AND not_before <= $3
				ORDER BY priority ASC, created_at ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+jobColumns, workerID, expiry, now)
		job, err := scanJob(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("lease job: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE documents
			SET status=$2, processing_started_at=COALESCE(processing_started_at,$3), retry_count=$4
			WHERE id=$1
		`, job.DocumentID, model.StatusProcessing, now, job.Attempts); err != nil {
			return fmt.Errorf("mark processing: %w", err)
		}
		out = job
		return nil
	})
	return out, err
}

// CompleteJob clears the lease by removing the job and marks the document
// completed with the recognition outcome.
func (p *Postgres) CompleteJob(ctx context.Context, jobID string, outcome model.RecognitionOutcome) (*model.Document, error) {
	var out *model.Document
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id=$1`, jobID); err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE documents
			SET status=$2, pages=$3, confidence=$4, text_key=$5, error_detail='', completed_at=$6
			WHERE id=$1
		`, job.DocumentID, model.StatusCompleted, outcome.Pages, outcome.Confidence, outcome.TextKey, time.Now().UTC()); err != nil {
			return fmt.Errorf("complete document: %w", err)
		}
		doc, err := getDocumentBy(ctx, tx, `id=$1`, job.DocumentID)
		if err != nil {
			return err
		}
		out = doc
		return nil
	})
	return out, err
}

// FailJob applies one failed attempt. While attempts remain the job drops
// its lease and waits until retryAt(attempts); otherwise the document goes
// terminal and the job is removed.
func (p *Postgres) FailJob(ctx context.Context, jobID string, errDetail string, retryAt store.BackoffFunc) (*model.Job, error) {
	var out *model.Job
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		job, err := failJobLocked(ctx, tx, jobID, errDetail, retryAt)
		if err != nil {
			return err
		}
		out = job
		return nil
	})
	return out, err
}

// ReclaimExpiredLeases treats every job whose lease expired without a report
// as a worker crash: each one goes back through the failure path, counting
// as a failed attempt.
func (p *Postgres) ReclaimExpiredLeases(ctx context.Context, retryAt store.BackoffFunc) (int, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id FROM jobs
		WHERE leased_by IS NOT NULL AND lease_expires_at < $1
	`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("find expired leases: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, id := range ids {
		claimed := false
		err := p.withTx(ctx, func(tx pgx.Tx) error {
			// Recheck under lock; a late report may have landed meanwhile.
			job, err := lockJob(ctx, tx, id)
			if err != nil {
				if errors.Is(err, model.ErrNotFound) {
					return nil
				}
				return err
			}
			if job.LeasedBy == "" || job.Leased(time.Now().UTC()) {
				return nil
			}
			if _, err := failJobLocked(ctx, tx, id, "lease expired", retryAt); err != nil {
				return err
			}
			claimed = true
			return nil
		})
		if err != nil {
			return reclaimed, err
		}
		if claimed {
			reclaimed++
		}
	}
	return reclaimed, nil
}

// QueueStats reports eligible backlog and live lease holders.
func (p *Postgres) QueueStats(ctx context.Context) (model.QueueStats, error) {
	var s model.QueueStats
	now := time.Now().UTC()
	row := p.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE leased_by IS NULL AND not_before <= $1),
			COUNT(DISTINCT leased_by) FILTER (WHERE leased_by IS NOT NULL AND lease_expires_at > $1)
		FROM jobs
	`, now)
	if err := row.Scan(&s.QueueLength, &s.ActiveWorkers); err != nil {
		return s, fmt.Errorf("queue stats: %w", err)
	}
	s.EstimatedWaitSeconds = s.QueueLength * model.EstimatedSecondsPerDocument
	return s, nil
}

func failJobLocked(ctx context.Context, tx pgx.Tx, jobID, errDetail string, retryAt store.BackoffFunc) (*model.Job, error) {
	job, err := lockJob(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	job.Attempts++
	job.LastError = errDetail
	job.LeasedBy = ""
	job.LeaseExpiresAt = nil
	if job.Attempts >= job.MaxAttempts {
		if _, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id=$1`, jobID); err != nil {
			return nil, fmt.Errorf("delete exhausted job: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE documents SET status=$2, error_detail=$3, retry_count=$4 WHERE id=$1
		`, job.DocumentID, model.StatusError, errDetail, job.Attempts); err != nil {
			return nil, fmt.Errorf("mark document error: %w", err)
		}
		return job, nil
	}
	job.NotBefore = retryAt(job.Attempts)
	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET attempts=$2, last_error=$3, leased_by=NULL, lease_expires_at=NULL, not_before=$4
		WHERE id=$1
	`, jobID, job.Attempts, errDetail, job.NotBefore); err != nil {
		return nil, fmt.Errorf("requeue job: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE documents SET status=$2, retry_count=$3 WHERE id=$1
	`, job.DocumentID, model.StatusPending, job.Attempts); err != nil {
		return nil, fmt.Errorf("reset document: %w", err)
	}
	return job, nil
}

func lockJob(ctx context.Context, tx pgx.Tx, jobID string) (*model.Job, error) {
	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("lock job: %w", err)
	}
	return job, nil
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		job      model.Job
		leasedBy *string
	)
	if err := row.Scan(&job.ID, &job.DocumentID, &job.TenantID, &job.Priority, &job.Attempts,
		&job.MaxAttempts, &job.LastError, &job.NotBefore, &leasedBy, &job.LeaseExpiresAt,
		&job.CreatedAt); err != nil {
		return nil, err
	}
	if leasedBy != nil {
		job.LeasedBy = *leasedBy
	}
	return &job, nil
}
