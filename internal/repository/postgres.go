// Package repository wraps all SQL used throughout the API and worker. It is
// the single chokepoint where tenant scoping is applied: every query over
// tenant-owned rows carries a tenant_id predicate.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// Postgres implements store.Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// New constructs the repository.
func New(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// withTx runs fn inside a transaction, committing on nil error.
func (p *Postgres) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
