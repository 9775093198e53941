package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityLock(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	t.Run("acquire and release", func(t *testing.T) {
		acquired, err := client.AcquireEntityLock(ctx, "location/harbor", "event-1", time.Minute)
		require.NoError(t, err)
		assert.True(t, acquired)

		holder, err := client.EntityLockHolder(ctx, "location/harbor")
		require.NoError(t, err)
		assert.Equal(t, "event-1", holder)

		released, err := client.ReleaseEntityLock(ctx, "location/harbor", "event-1")
		require.NoError(t, err)
		assert.True(t, released)

		_, err = client.EntityLockHolder(ctx, "location/harbor")
		assert.True(t, IsNotFound(err))
	})

	t.Run("second writer is refused while held", func(t *testing.T) {
		acquired, err := client.AcquireEntityLock(ctx, "location/pier", "event-1", time.Minute)
		require.NoError(t, err)
		require.True(t, acquired)

		acquired, err = client.AcquireEntityLock(ctx, "location/pier", "event-2", time.Minute)
		require.NoError(t, err)
		assert.False(t, acquired)
	})

	t.Run("release is holder-scoped", func(t *testing.T) {
		acquired, err := client.AcquireEntityLock(ctx, "location/dock", "event-1", time.Minute)
		require.NoError(t, err)
		require.True(t, acquired)

		// A non-holder cannot steal the release.
		released, err := client.ReleaseEntityLock(ctx, "location/dock", "event-2")
		require.NoError(t, err)
		assert.False(t, released)

		holder, err := client.EntityLockHolder(ctx, "location/dock")
		require.NoError(t, err)
		assert.Equal(t, "event-1", holder)
	})

	t.Run("lock expires with TTL", func(t *testing.T) {
		acquired, err := client.AcquireEntityLock(ctx, "location/quay", "event-1", time.Second)
		require.NoError(t, err)
		require.True(t, acquired)

		mr.FastForward(2 * time.Second)

		acquired, err = client.AcquireEntityLock(ctx, "location/quay", "event-2", time.Minute)
		require.NoError(t, err)
		assert.True(t, acquired)
	})

	t.Run("locks are per entity", func(t *testing.T) {
		acquired, err := client.AcquireEntityLock(ctx, "vessel/skiff", "event-1", time.Minute)
		require.NoError(t, err)
		assert.True(t, acquired)

		acquired, err = client.AcquireEntityLock(ctx, "vessel/sloop", "event-2", time.Minute)
		require.NoError(t, err)
		assert.True(t, acquired)
	})
}
