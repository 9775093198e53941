package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingApprovals(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	park := func(entityKey string, deadlineMs int64) *PendingApproval {
		pending := &PendingApproval{
			Event:      *testIntent(entityKey),
			Tier:       RiskTierHigh,
			Required:   1,
			ParkedAtMs: 1000,
			DeadlineMs: deadlineMs,
		}
		require.NoError(t, client.ParkPendingApproval(ctx, pending))
		return pending
	}

	t.Run("park and retrieve", func(t *testing.T) {
		pending := park("location/harbor", 5000)

		got, err := client.GetPendingApproval(ctx, pending.Event.EventID)
		require.NoError(t, err)
		assert.Equal(t, pending.Event.EventID, got.Event.EventID)
		assert.Equal(t, RiskTierHigh, got.Tier)
		assert.Equal(t, 1, got.Required)
		assert.Equal(t, int64(5000), got.DeadlineMs)
	})

	t.Run("remove unparks", func(t *testing.T) {
		pending := park("location/pier", 5000)

		require.NoError(t, client.RemovePendingApproval(ctx, pending.Event.EventID))

		_, err := client.GetPendingApproval(ctx, pending.Event.EventID)
		assert.True(t, IsNotFound(err))

		// Removing again is safe.
		assert.NoError(t, client.RemovePendingApproval(ctx, pending.Event.EventID))
	})

	t.Run("expiry selects only past deadlines", func(t *testing.T) {
		expired := park("location/dock", 2000)
		park("location/quay", 9000)

		ids, err := client.ExpiredPendingApprovals(ctx, 3000)
		require.NoError(t, err)
		assert.Contains(t, ids, expired.Event.EventID)
		for _, id := range ids {
			got, err := client.GetPendingApproval(ctx, id)
			require.NoError(t, err)
			assert.LessOrEqual(t, got.DeadlineMs, int64(3000))
		}
	})

	t.Run("listing orders by deadline", func(t *testing.T) {
		pendings, err := client.ListPendingApprovals(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, pendings)
		for i := 1; i < len(pendings); i++ {
			assert.LessOrEqual(t, pendings[i-1].DeadlineMs, pendings[i].DeadlineMs)
		}
	})
}

func TestDeadLetters(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	bury := func(entityKey string, lastFailedMs int64) *DeadLetter {
		dl := &DeadLetter{
			Event:           *testIntent(entityKey),
			FailureClass:    FailureClassLockTimeout,
			Reason:          "could not acquire entity lock",
			Attempts:        5,
			FirstFailedAtMs: lastFailedMs - 100,
			LastFailedAtMs:  lastFailedMs,
			Retryable:       true,
		}
		require.NoError(t, client.PutDeadLetter(ctx, dl))
		return dl
	}

	t.Run("put and retrieve", func(t *testing.T) {
		dl := bury("vessel/skiff", 2000)

		got, err := client.GetDeadLetter(ctx, dl.Event.EventID)
		require.NoError(t, err)
		assert.Equal(t, FailureClassLockTimeout, got.FailureClass)
		assert.Equal(t, 5, got.Attempts)
		assert.True(t, got.Retryable)
		assert.Equal(t, dl.Event.EntityKey, got.Event.EntityKey)
	})

	t.Run("listing orders by failure time", func(t *testing.T) {
		bury("vessel/sloop", 4000)
		bury("vessel/ketch", 1000)

		letters, err := client.ListDeadLetters(ctx)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(letters), 3)
		for i := 1; i < len(letters); i++ {
			assert.LessOrEqual(t, letters[i-1].LastFailedAtMs, letters[i].LastFailedAtMs)
		}
	})

	t.Run("remove drops the letter", func(t *testing.T) {
		dl := bury("vessel/yawl", 3000)

		require.NoError(t, client.RemoveDeadLetter(ctx, dl.Event.EventID))

		_, err := client.GetDeadLetter(ctx, dl.Event.EventID)
		assert.True(t, IsNotFound(err))
	})
}
