package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nornlabs/norn/pkg/models"
)

// LockRepository implements execution leases on a mutex-guarded map. The
// mutex is what makes check-and-take atomic here; the database backends get
// the same property from conditional writes.
type LockRepository struct {
	mu    sync.Mutex
	locks map[string]*models.ExecutionLock
}

// NewLockRepository creates an empty lease repository.
func NewLockRepository() *LockRepository {
	return &LockRepository{
		locks: make(map[string]*models.ExecutionLock),
	}
}

func (r *LockRepository) AcquireLock(_ context.Context, key, owner string, lockType models.LockType, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()

	existing, ok := r.locks[key]
	if ok && !existing.IsExpired(now) && existing.Owner != owner {
		return false, nil
	}

	r.locks[key] = &models.ExecutionLock{
		Key:        key,
		Owner:      owner,
		Type:       lockType,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	return true, nil
}

func (r *LockRepository) RenewLock(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()

	existing, ok := r.locks[key]
	if !ok || existing.Owner != owner || existing.IsExpired(now) {
		return false, nil
	}

	existing.ExpiresAt = now.Add(ttl)

	return true, nil
}

func (r *LockRepository) ReleaseLock(_ context.Context, key, owner string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.locks[key]
	if !ok || existing.Owner != owner {
		return false, nil
	}

	delete(r.locks, key)

	return true, nil
}

func (r *LockRepository) CheckLock(_ context.Context, key string) (*models.ExecutionLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.locks[key]
	if !ok {
		return nil, nil
	}

	lock := *existing

	return &lock, nil
}

func (r *LockRepository) CleanupExpiredLocks(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()

	var removed int64

	for key, lock := range r.locks {
		if lock.IsExpired(now) {
			delete(r.locks, key)
			removed++
		}
	}

	return removed, nil
}

func (r *LockRepository) ForceReleaseLock(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.locks, key)

	return nil
}
