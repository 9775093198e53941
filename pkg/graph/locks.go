package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entity locks
//
// Each graph entity has at most one write-lock holder at any instant.
// Locks are realized as SET NX PX values so they self-expire if a holder
// crashes; release is compare-and-delete so a holder can never release a
// lock it lost to TTL expiry.

// releaseScript deletes the lock only if it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// AcquireEntityLock attempts to take the write lock for an entity.
// Returns true if the lock was acquired, false if another holder owns it.
// The lock expires after ttl if not released.
func (c *Client) AcquireEntityLock(ctx context.Context, entityKey, holder string, ttl time.Duration) (bool, error) {
	if holder == "" {
		return false, fmt.Errorf("lock holder cannot be empty")
	}

	key := LockKey(c.instanceName, entityKey)
	acquired, err := c.rdb.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire entity lock: %w", err)
	}

	return acquired, nil
}

// ReleaseEntityLock releases the entity lock if (and only if) it is still
// held by holder. Returns true if the lock was released, false if it had
// already expired or been taken by another holder.
func (c *Client) ReleaseEntityLock(ctx context.Context, entityKey, holder string) (bool, error) {
	key := LockKey(c.instanceName, entityKey)

	released, err := releaseScript.Run(ctx, c.rdb, []string{key}, holder).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release entity lock: %w", err)
	}

	return released == 1, nil
}

// EntityLockHolder returns the current holder of an entity lock, or ""
// if the entity is unlocked.
func (c *Client) EntityLockHolder(ctx context.Context, entityKey string) (string, error) {
	key := LockKey(c.instanceName, entityKey)

	holder, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read entity lock: %w", err)
	}

	return holder, nil
}
