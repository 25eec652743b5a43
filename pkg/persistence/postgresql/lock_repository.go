package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nornlabs/norn/pkg/models"
)

// LockRepository implements execution leases as conditional writes against a
// single table. Contention is reported as false, never as an error.
type LockRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLockRepository creates a new execution lease repository.
func NewLockRepository(db *sql.DB, logger *slog.Logger) *LockRepository {
	return &LockRepository{db: db, logger: logger}
}

// AcquireLock takes the lease when it is free, expired, or already held by
// the same owner. The upsert's WHERE clause makes the check-and-take one
// atomic statement, so two engines racing the same key cannot both win.
func (r *LockRepository) AcquireLock(ctx context.Context, key, owner string, lockType models.LockType, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()

	query := `
		INSERT INTO execution_locks (lock_key, owner, lock_type, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (lock_key) DO UPDATE SET
			owner = EXCLUDED.owner,
			lock_type = EXCLUDED.lock_type,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE execution_locks.expires_at <= EXCLUDED.acquired_at
		   OR execution_locks.owner = EXCLUDED.owner
	`

	result, err := r.db.ExecContext(ctx, query, key, owner, lockType, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// RenewLock extends a lease still held by the owner. An expired lease cannot
// be renewed; it must be reacquired.
func (r *LockRepository) RenewLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()

	query := `
		UPDATE execution_locks SET expires_at = $3
		WHERE lock_key = $1 AND owner = $2 AND expires_at > $4
	`

	result, err := r.db.ExecContext(ctx, query, key, owner, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("failed to renew lock %s: %w", key, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// ReleaseLock drops the lease if the owner still holds it. Releasing a lease
// someone else took over is a no-op, not an error.
func (r *LockRepository) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM execution_locks WHERE lock_key = $1 AND owner = $2`, key, owner)
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", key, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// CheckLock returns the lease row as stored, expired or not, so operators
// can inspect stale state. Callers judge validity with IsExpired.
func (r *LockRepository) CheckLock(ctx context.Context, key string) (*models.ExecutionLock, error) {
	query := `
		SELECT
			lock_key
		  , owner
		  , lock_type
		  , acquired_at
		  , expires_at
		FROM execution_locks
		WHERE lock_key = $1
	`

	var lock models.ExecutionLock

	err := r.db.QueryRowContext(ctx, query, key).Scan(
		&lock.Key,
		&lock.Owner,
		&lock.Type,
		&lock.AcquiredAt,
		&lock.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan lock: %w", err)
	}

	return &lock, nil
}

// CleanupExpiredLocks removes leases past their expiry and returns how many
// were removed.
func (r *LockRepository) CleanupExpiredLocks(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM execution_locks WHERE expires_at <= $1`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired locks: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected > 0 {
		r.logger.InfoContext(ctx, "cleaned up expired locks", "count", rowsAffected)
	}

	return rowsAffected, nil
}

// ForceReleaseLock drops a lease regardless of owner. Operator escape hatch;
// the engine itself never calls this.
func (r *LockRepository) ForceReleaseLock(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM execution_locks WHERE lock_key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to force release lock %s: %w", key, err)
	}

	r.logger.WarnContext(ctx, "force released lock", "lock_key", key)

	return nil
}
