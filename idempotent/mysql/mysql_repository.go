// Package mysql provides a MySQL implementation of the idempotent.Repository interface.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"readlock"
	"readlock/idempotent"
)

// Ensure Repository implements idempotent.Repository
var _ idempotent.Repository = (*Repository)(nil)

// DefaultTable is the table used when WithTable is not given.
const DefaultTable = "readlock_idempotent"

// Schema returns the CREATE TABLE statement for table.
func Schema(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	idempotent_key VARCHAR(512) NOT NULL,
	owner VARCHAR(64) NOT NULL,
	status VARCHAR(16) NOT NULL,
	created_at DATETIME(3) NOT NULL,
	updated_at DATETIME(3) NOT NULL,
	PRIMARY KEY (idempotent_key)
)`, table)
}

const (
	statusPending   = "pending"
	statusConfirmed = "confirmed"
)

// Repository stores idempotent keys in a MySQL table. The primary key on
// idempotent_key makes the claim insert atomic. Each row records the owner
// that claimed it, and only that owner may remove or confirm it.
type Repository struct {
	db    *sql.DB
	table string
	owner string
}

// Option is a functional option for configuring Repository
type Option func(*Repository)

// WithTable sets the table name
func WithTable(table string) Option {
	return func(r *Repository) {
		r.table = table
	}
}

// WithOwner sets the token written to claimed rows. Defaults to a random
// UUID per repository.
func WithOwner(owner string) Option {
	return func(r *Repository) {
		r.owner = owner
	}
}

// New creates a MySQL-backed idempotent repository.
func New(db *sql.DB, opts ...Option) *Repository {
	r := &Repository{db: db, table: DefaultTable, owner: uuid.New().String()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureSchema creates the table if it does not exist.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema(r.table)); err != nil {
		return fmt.Errorf("%w: create table: %v", readlock.ErrRepositoryUnavailable, err)
	}
	return nil
}

// ============================================================================
// Key Operations
// ============================================================================

// Add claims key by inserting a pending row.
func (r *Repository) Add(ctx context.Context, key string) (bool, error) {
	query := fmt.Sprintf(`INSERT INTO %s (idempotent_key, owner, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`, r.table)

	now := time.Now()
	if _, err := r.db.ExecContext(ctx, query, key, r.owner, statusPending, now, now); err != nil {
		if isDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: add %s: %v", readlock.ErrRepositoryUnavailable, key, err)
	}
	return true, nil
}

// Contains reports whether a row exists for key.
func (r *Repository) Contains(ctx context.Context, key string) (bool, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE idempotent_key = ?`, r.table)

	var count int64
	if err := r.db.QueryRowContext(ctx, query, key).Scan(&count); err != nil {
		return false, fmt.Errorf("%w: contains %s: %v", readlock.ErrRepositoryUnavailable, key, err)
	}
	return count > 0, nil
}

// Remove deletes the row for key if this repository owns it. A row that was
// purged and claimed again by another owner is left alone.
func (r *Repository) Remove(ctx context.Context, key string) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE idempotent_key = ? AND owner = ?`, r.table)

	result, err := r.db.ExecContext(ctx, query, key, r.owner)
	if err != nil {
		return false, fmt.Errorf("%w: remove %s: %v", readlock.ErrRepositoryUnavailable, key, err)
	}
	return affected(result)
}

// Confirm marks the row for key as confirmed if this repository owns it.
func (r *Repository) Confirm(ctx context.Context, key string) (bool, error) {
	query := fmt.Sprintf(`UPDATE %s SET status = ?, updated_at = ? WHERE idempotent_key = ? AND owner = ?`, r.table)

	result, err := r.db.ExecContext(ctx, query, statusConfirmed, time.Now(), key, r.owner)
	if err != nil {
		return false, fmt.Errorf("%w: confirm %s: %v", readlock.ErrRepositoryUnavailable, key, err)
	}
	return affected(result)
}

// Clear deletes every row.
func (r *Repository) Clear(ctx context.Context) error {
	query := fmt.Sprintf(`DELETE FROM %s`, r.table)

	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("%w: clear: %v", readlock.ErrRepositoryUnavailable, err)
	}
	return nil
}

// DeletePendingOlderThan removes pending claims not updated within age.
// Claims left behind by crashed consumers become eligible again.
func (r *Repository) DeletePendingOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE status = ? AND updated_at < ?`, r.table)

	result, err := r.db.ExecContext(ctx, query, statusPending, time.Now().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("%w: delete stale claims: %v", readlock.ErrRepositoryUnavailable, err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}

// ============================================================================
// Helper Functions
// ============================================================================

func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return n > 0, nil
}

// isDuplicateKeyError checks if the error is a MySQL duplicate key error.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	// MySQL error code 1062 is for duplicate entry
	return strings.Contains(err.Error(), "Duplicate entry") ||
		strings.Contains(err.Error(), "1062")
}
