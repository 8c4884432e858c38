// Package store persists schedules, event types, bookings and their satellites. Postgres
// is the production backend; Memory serves tests and local runs.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"booking-scheduler/internal/booking"
)

var (
	ErrNotFound  = booking.ErrNotFound
	ErrDuplicate = errors.New("store: already exists")
)

// SQLSTATE codes that mean another transaction claimed the interval first.
const (
	codeExclusionViolation   = "23P01"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

// PgxPool is the subset of *pgxpool.Pool the store uses, so pgxmock can stand in.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements every store interface of the service over a pgx pool.
type Postgres struct {
	pool PgxPool
}

func NewPostgres(pool PgxPool) *Postgres {
	return &Postgres{pool: pool}
}

// WithTx runs fn inside a serializable transaction. Exclusion and serialization failures
// come back as booking.ErrConflict; errors returned by fn pass through untouched.
func (p *Postgres) WithTx(ctx context.Context, fn func(booking.Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{q: tx}); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("store: commit: %w", err))
	}
	return nil
}

// inTx runs fn in a default-isolation transaction for multi-row admin writes.
func (p *Postgres) inTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeExclusionViolation, codeSerializationFailure, codeDeadlockDetected:
			return fmt.Errorf("%w: %s", booking.ErrConflict, pgErr.Message)
		case codeUniqueViolation:
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		}
	}
	return err
}

// validID guards uuid columns from malformed path parameters.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
