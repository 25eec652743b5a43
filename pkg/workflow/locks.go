package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nornlabs/norn/pkg/models"
	"github.com/nornlabs/norn/pkg/persistence"
)

// LockService mediates access to execution leases. Contention is reported as
// false, never as an error; only storage failures surface as errors.
type LockService struct {
	locks  persistence.LockRepository
	logger *slog.Logger
}

// NewLockService creates a lock service over the given lease repository.
func NewLockService(locks persistence.LockRepository, logger *slog.Logger) *LockService {
	return &LockService{
		locks:  locks,
		logger: logger.With("module", "lock_service"),
	}
}

// Acquire takes the lease for key if no unexpired lease exists. The write is
// a single atomic conditional operation in every backend, so two racing
// engines cannot both win.
func (s *LockService) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	acquired, err := s.locks.AcquireLock(ctx, key, owner, lockTypeFor(key), ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	return acquired, nil
}

// Renew extends the lease only while owner still holds it. A false return
// means ownership was lost and the caller must abandon execution immediately.
func (s *LockService) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	renewed, err := s.locks.RenewLock(ctx, key, owner, ttl)
	if err != nil {
		return false, fmt.Errorf("failed to renew lock %s: %w", key, err)
	}

	if !renewed {
		s.logger.WarnContext(ctx, "lock renewal refused, ownership lost", "lock_key", key, "owner", owner)
	}

	return renewed, nil
}

// Release drops the lease if still owned. Double release returns false, nil.
func (s *LockService) Release(ctx context.Context, key, owner string) (bool, error) {
	released, err := s.locks.ReleaseLock(ctx, key, owner)
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", key, err)
	}

	return released, nil
}

// CleanupExpired removes leases whose expiry has passed and returns how many
// were dropped. Backends with native TTLs may report zero.
func (s *LockService) CleanupExpired(ctx context.Context) (int64, error) {
	count, err := s.locks.CleanupExpiredLocks(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up expired locks: %w", err)
	}

	return count, nil
}

// ForceRelease unconditionally drops a lease. Operator escape hatch for a
// dangling row with a future expiry left behind by a crashed engine.
func (s *LockService) ForceRelease(ctx context.Context, key string) error {
	if err := s.locks.ForceReleaseLock(ctx, key); err != nil {
		return fmt.Errorf("failed to force release lock %s: %w", key, err)
	}

	return nil
}

// lockTypeFor derives the lease type from the key's namespace prefix.
func lockTypeFor(key string) models.LockType {
	if strings.HasPrefix(key, "workflow:") {
		return models.LockTypeWorkflow
	}

	return models.LockTypeInstance
}
