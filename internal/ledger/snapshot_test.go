package ledger

import (
	"context"
	"testing"

	"github.com/santiago-project/santiago/pkg/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotter(t *testing.T) {
	_, client, mr := setupAppender(t)
	ctx := context.Background()
	snapshotter := NewSnapshotter(client)

	mr.HSet("santiago:test-instance:entity:location/harbor", "name", "Old Harbor", "depth_m", "12")
	mr.HSet("santiago:test-instance:entity:vessel/skiff", "name", "Skiff")
	require.NoError(t, mr.Set("santiago:test-instance:committed:seq", "9"))

	t.Run("captures entities and the committed sequence", func(t *testing.T) {
		snap, err := snapshotter.Take(ctx)
		require.NoError(t, err)

		assert.Equal(t, int64(9), snap.LastSequence)
		require.Len(t, snap.Entities, 2)
		assert.Equal(t, "Old Harbor", snap.Entities["location/harbor"]["name"])
		assert.Equal(t, "Skiff", snap.Entities["vessel/skiff"]["name"])
		assert.NoError(t, VerifySnapshot(snap))
	})

	t.Run("stored as latest and retrievable", func(t *testing.T) {
		latest, err := client.LatestSnapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(9), latest.LastSequence)
		assert.NoError(t, VerifySnapshot(latest))

		bySeq, err := client.GetSnapshot(ctx, 9)
		require.NoError(t, err)
		assert.Equal(t, latest.Checksum, bySeq.Checksum)
	})

	t.Run("verification rejects tampered content", func(t *testing.T) {
		snap, err := client.LatestSnapshot(ctx)
		require.NoError(t, err)

		snap.Entities["location/harbor"]["depth_m"] = "999"
		assert.ErrorContains(t, VerifySnapshot(snap), "checksum mismatch")
	})
}

func TestSnapshotChecksum(t *testing.T) {
	snap := &graph.Snapshot{
		LastSequence: 5,
		Entities: map[string]map[string]string{
			"location/harbor": {"name": "Old Harbor", "depth_m": "12"},
		},
	}

	sum := SnapshotChecksum(snap)

	t.Run("independent of map iteration order", func(t *testing.T) {
		same := &graph.Snapshot{
			LastSequence: 5,
			Entities: map[string]map[string]string{
				"location/harbor": {"depth_m": "12", "name": "Old Harbor"},
			},
		}
		assert.Equal(t, sum, SnapshotChecksum(same))
	})

	t.Run("sensitive to sequence and content", func(t *testing.T) {
		changedSeq := *snap
		changedSeq.LastSequence = 6
		assert.NotEqual(t, sum, SnapshotChecksum(&changedSeq))

		changedContent := &graph.Snapshot{
			LastSequence: 5,
			Entities: map[string]map[string]string{
				"location/harbor": {"name": "New Harbor", "depth_m": "12"},
			},
		}
		assert.NotEqual(t, sum, SnapshotChecksum(changedContent))
	})

	t.Run("excludes the checksum field itself", func(t *testing.T) {
		withChecksum := *snap
		withChecksum.Checksum = sum
		assert.Equal(t, sum, SnapshotChecksum(&withChecksum))
	})
}
