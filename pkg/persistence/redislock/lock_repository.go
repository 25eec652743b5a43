// Package redislock provides a Redis-backed execution lease repository. It
// can overlay any persistence backend when lease traffic should stay off the
// primary database. Expiry is delegated to Redis TTLs and ownership checks
// run as Lua scripts, so every operation stays a single atomic round trip.
package redislock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nornlabs/norn/pkg/models"
	"github.com/nornlabs/norn/pkg/persistence"
)

// Ownership-checked writes. A lease value is the lock serialized as JSON;
// scripts compare the owner field so only the holder can renew or release.
const (
	acquireScript = `
local raw = redis.call("GET", KEYS[1])
if raw == false or cjson.decode(raw)["owner"] == ARGV[1] then
    redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
    return 1
end
return 0
`
	renewScript = `
local raw = redis.call("GET", KEYS[1])
if raw ~= false and cjson.decode(raw)["owner"] == ARGV[1] then
    redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
    return 1
end
return 0
`
	releaseScript = `
local raw = redis.call("GET", KEYS[1])
if raw ~= false and cjson.decode(raw)["owner"] == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`
)

// LockRepository implements execution leases on Redis keys with TTLs.
type LockRepository struct {
	client redis.Cmdable
	logger *slog.Logger
}

// NewLockRepository creates a lease repository on an existing Redis client.
func NewLockRepository(client redis.Cmdable, logger *slog.Logger) *LockRepository {
	return &LockRepository{client: client, logger: logger}
}

func (r *LockRepository) AcquireLock(ctx context.Context, key, owner string, lockType models.LockType, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()

	value, err := json.Marshal(&models.ExecutionLock{
		Key:        key,
		Owner:      owner,
		Type:       lockType,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal lock: %w", err)
	}

	return r.runOwnershipScript(ctx, acquireScript, key, owner, string(value), ttl)
}

func (r *LockRepository) RenewLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	existing, err := r.CheckLock(ctx, key)
	if err != nil {
		return false, err
	}

	if existing == nil {
		return false, nil
	}

	renewed := *existing
	renewed.ExpiresAt = time.Now().UTC().Add(ttl)

	value, err := json.Marshal(&renewed)
	if err != nil {
		return false, fmt.Errorf("failed to marshal lock: %w", err)
	}

	// The script re-checks ownership, so a takeover between the read and the
	// write still loses.
	return r.runOwnershipScript(ctx, renewScript, key, owner, string(value), ttl)
}

func (r *LockRepository) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	reply, err := r.client.Eval(ctx, releaseScript, []string{key}, owner).Result()
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", key, err)
	}

	released, ok := reply.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected release reply for lock %s: %v", key, reply)
	}

	return released == 1, nil
}

func (r *LockRepository) CheckLock(ctx context.Context, key string) (*models.ExecutionLock, error) {
	raw, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to check lock %s: %w", key, err)
	}

	var lock models.ExecutionLock

	err = json.Unmarshal([]byte(raw), &lock)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal lock %s: %w", key, err)
	}

	return &lock, nil
}

// CleanupExpiredLocks is a no-op: Redis drops expired leases on its own.
func (r *LockRepository) CleanupExpiredLocks(_ context.Context) (int64, error) {
	return 0, nil
}

func (r *LockRepository) ForceReleaseLock(ctx context.Context, key string) error {
	err := r.client.Del(ctx, key).Err()
	if err != nil {
		return fmt.Errorf("failed to force release lock %s: %w", key, err)
	}

	r.logger.WarnContext(ctx, "force released lock", "lock_key", key)

	return nil
}

func (r *LockRepository) runOwnershipScript(ctx context.Context, script, key, owner, value string, ttl time.Duration) (bool, error) {
	millis := ttl.Milliseconds()
	if millis <= 0 {
		millis = 1
	}

	reply, err := r.client.Eval(ctx, script, []string{key}, owner, value, millis).Result()
	if err != nil {
		return false, fmt.Errorf("failed to write lock %s: %w", key, err)
	}

	written, ok := reply.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected lock reply for %s: %v", key, reply)
	}

	return written == 1, nil
}

// Persistence overlays a base backend with Redis-hosted leases, leaving all
// other repositories untouched.
type Persistence struct {
	persistence.Persistence

	client   *redis.Client
	lockRepo *LockRepository
}

// Wrap routes lease operations of a backend to Redis. The wrapper owns the
// client and closes it together with the base backend.
func Wrap(base persistence.Persistence, client *redis.Client, logger *slog.Logger) *Persistence {
	return &Persistence{
		Persistence: base,
		client:      client,
		lockRepo:    NewLockRepository(client, logger),
	}
}

// Locks returns the Redis-backed lease repository.
func (p *Persistence) Locks() persistence.LockRepository {
	return p.lockRepo
}

// Close closes the Redis client and the wrapped backend.
func (p *Persistence) Close(ctx context.Context) error {
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}

	return p.Persistence.Close(ctx)
}
