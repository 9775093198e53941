package gate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/santiago-project/santiago/internal/deadletter"
	"github.com/santiago-project/santiago/internal/ledger"
	"github.com/santiago-project/santiago/internal/trust"
	"github.com/santiago-project/santiago/pkg/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gateFixture struct {
	gate    *Gate
	client  *graph.Client
	resumed chan *graph.WriteIntentEvent
}

func setupGate(t *testing.T, ttl time.Duration) *gateFixture {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := graph.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	appender := ledger.NewAppender(client, trust.NewRecorder(client))
	dlq := deadletter.NewStore(client, appender)

	reviewers := map[string]bool{"marina": true, "kaia": true, "cartographer@1.4.2": true}
	resumed := make(chan *graph.WriteIntentEvent, 4)
	resume := func(ctx context.Context, event *graph.WriteIntentEvent) {
		resumed <- event
	}

	g := New(client, appender, dlq, func(id string) bool { return reviewers[id] }, resume, ttl, time.Minute)
	return &gateFixture{gate: g, client: client, resumed: resumed}
}

func parkedIntent() *graph.WriteIntentEvent {
	return &graph.WriteIntentEvent{
		SchemaVersion:  "1.0",
		EventID:        uuid.New().String(),
		EntityKey:      "vessel/pearl",
		Operation:      graph.OperationUpsert,
		Author:         graph.Author{Type: "agent", ID: "cartographer@1.4.2"},
		ProvenanceRef:  "run/2031",
		Diff:           graph.Diff{After: map[string]string{"name": "Pearl", "berth": "location/harbor"}},
		IdempotencyKey: uuid.New().String(),
		SubmittedAtMs:  time.Now().UnixMilli(),
	}
}

func approval(eventID, reviewerID string) *graph.ApprovalEvent {
	return &graph.ApprovalEvent{
		EventID:  eventID,
		Approval: graph.Approval{ReviewerID: reviewerID, SignedAtMs: time.Now().UnixMilli()},
	}
}

func TestPark(t *testing.T) {
	f := setupGate(t, 4*time.Hour)
	ctx := context.Background()
	event := parkedIntent()

	require.NoError(t, f.gate.Park(ctx, event, graph.RiskTierHigh, 2))

	t.Run("persists the pending record with its deadline", func(t *testing.T) {
		pending, err := f.client.GetPendingApproval(ctx, event.EventID)
		require.NoError(t, err)
		assert.Equal(t, graph.RiskTierHigh, pending.Tier)
		assert.Equal(t, 2, pending.Required)
		assert.Equal(t, event.EventID, pending.Event.EventID)
		assert.Equal(t, pending.ParkedAtMs+(4*time.Hour).Milliseconds(), pending.DeadlineMs)
	})

	t.Run("records the parking decision in the ledger", func(t *testing.T) {
		entry, err := f.client.GetLedgerEntry(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, graph.DecisionPendingApproval, entry.Decision)
		assert.Equal(t, event.EventID, entry.EventID)
	})

	t.Run("updates the queryable outcome", func(t *testing.T) {
		outcome, err := f.client.GetOutcome(ctx, event.EventID)
		require.NoError(t, err)
		assert.Equal(t, graph.EventStatePendingApproval, outcome.State)
	})
}

func TestHandleApproval(t *testing.T) {
	t.Run("ignores approvals for events that are not pending", func(t *testing.T) {
		f := setupGate(t, time.Hour)
		ev := approval(uuid.New().String(), "marina")

		require.NoError(t, f.gate.HandleApproval(context.Background(), ev))
		assert.Empty(t, f.resumed)
	})

	t.Run("ignores unrecognized reviewers", func(t *testing.T) {
		f := setupGate(t, time.Hour)
		ctx := context.Background()
		event := parkedIntent()
		require.NoError(t, f.gate.Park(ctx, event, graph.RiskTierHigh, 1))

		ev := approval(event.EventID, "stranger")
		require.NoError(t, f.gate.HandleApproval(ctx, ev))

		pending, err := f.client.GetPendingApproval(ctx, event.EventID)
		require.NoError(t, err)
		assert.Empty(t, pending.Event.Approvals)
		assert.Empty(t, f.resumed)
	})

	t.Run("ignores self-approval by the author", func(t *testing.T) {
		f := setupGate(t, time.Hour)
		ctx := context.Background()
		event := parkedIntent()
		require.NoError(t, f.gate.Park(ctx, event, graph.RiskTierHigh, 1))

		ev := approval(event.EventID, "cartographer@1.4.2")
		require.NoError(t, f.gate.HandleApproval(ctx, ev))

		pending, err := f.client.GetPendingApproval(ctx, event.EventID)
		require.NoError(t, err)
		assert.Empty(t, pending.Event.Approvals)
		assert.Empty(t, f.resumed)
	})

	t.Run("persists partial progress below the approval threshold", func(t *testing.T) {
		f := setupGate(t, time.Hour)
		ctx := context.Background()
		event := parkedIntent()
		require.NoError(t, f.gate.Park(ctx, event, graph.RiskTierHigh, 2))

		ev := approval(event.EventID, "marina")
		require.NoError(t, f.gate.HandleApproval(ctx, ev))

		pending, err := f.client.GetPendingApproval(ctx, event.EventID)
		require.NoError(t, err)
		require.Len(t, pending.Event.Approvals, 1)
		assert.Equal(t, "marina", pending.Event.Approvals[0].ReviewerID)
		assert.Empty(t, f.resumed)

		entry, err := f.client.GetLedgerEntry(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, graph.DecisionApprovalGranted, entry.Decision)
	})

	t.Run("counts a reviewer signing twice once", func(t *testing.T) {
		f := setupGate(t, time.Hour)
		ctx := context.Background()
		event := parkedIntent()
		require.NoError(t, f.gate.Park(ctx, event, graph.RiskTierHigh, 2))

		ev := approval(event.EventID, "marina")
		require.NoError(t, f.gate.HandleApproval(ctx, ev))
		require.NoError(t, f.gate.HandleApproval(ctx, ev))

		pending, err := f.client.GetPendingApproval(ctx, event.EventID)
		require.NoError(t, err)
		assert.Len(t, pending.Event.Approvals, 1)
		assert.Empty(t, f.resumed)
	})

	t.Run("pre-attached invalid approvals do not pad the count", func(t *testing.T) {
		f := setupGate(t, time.Hour)
		ctx := context.Background()
		event := parkedIntent()
		// Submitters control the approvals slice, so a stranger's signature
		// can arrive already attached. It must not count toward Required.
		event.Approvals = []graph.Approval{{ReviewerID: "stranger", SignedAtMs: time.Now().UnixMilli()}}
		require.NoError(t, f.gate.Park(ctx, event, graph.RiskTierHigh, 2))

		require.NoError(t, f.gate.HandleApproval(ctx, approval(event.EventID, "marina")))

		assert.Empty(t, f.resumed)
		pending, err := f.client.GetPendingApproval(ctx, event.EventID)
		require.NoError(t, err)
		assert.Len(t, pending.Event.Approvals, 2)

		require.NoError(t, f.gate.HandleApproval(ctx, approval(event.EventID, "kaia")))
		require.Len(t, f.resumed, 1)
	})

	t.Run("resumes once the threshold is met", func(t *testing.T) {
		f := setupGate(t, time.Hour)
		ctx := context.Background()
		event := parkedIntent()
		require.NoError(t, f.gate.Park(ctx, event, graph.RiskTierHigh, 2))

		require.NoError(t, f.gate.HandleApproval(ctx, approval(event.EventID, "marina")))
		require.NoError(t, f.gate.HandleApproval(ctx, approval(event.EventID, "kaia")))

		require.Len(t, f.resumed, 1)
		resumed := <-f.resumed
		assert.Equal(t, event.EventID, resumed.EventID)
		assert.Len(t, resumed.Approvals, 2)

		_, err := f.client.GetPendingApproval(ctx, event.EventID)
		assert.True(t, graph.IsNotFound(err))
	})
}

func TestCancellation(t *testing.T) {
	t.Run("rejects cancellation by anyone but the author", func(t *testing.T) {
		f := setupGate(t, time.Hour)
		ctx := context.Background()
		event := parkedIntent()
		require.NoError(t, f.gate.Park(ctx, event, graph.RiskTierHigh, 1))

		require.NoError(t, f.gate.HandleApproval(ctx, &graph.ApprovalEvent{
			EventID:   event.EventID,
			Cancelled: true,
			AuthorID:  "someone-else",
		}))

		_, err := f.client.GetPendingApproval(ctx, event.EventID)
		assert.NoError(t, err)
	})

	t.Run("author cancellation dead-letters the event as non-retryable", func(t *testing.T) {
		f := setupGate(t, time.Hour)
		ctx := context.Background()
		event := parkedIntent()
		require.NoError(t, f.gate.Park(ctx, event, graph.RiskTierHigh, 1))

		require.NoError(t, f.gate.HandleApproval(ctx, &graph.ApprovalEvent{
			EventID:   event.EventID,
			Cancelled: true,
			AuthorID:  event.Author.ID,
		}))

		_, err := f.client.GetPendingApproval(ctx, event.EventID)
		assert.True(t, graph.IsNotFound(err))

		dl, err := f.client.GetDeadLetter(ctx, event.EventID)
		require.NoError(t, err)
		assert.Equal(t, graph.FailureClassCancelled, dl.FailureClass)
		assert.False(t, dl.Retryable)
	})
}

func TestSweepExpired(t *testing.T) {
	// A negative TTL parks events with their deadline already in the past.
	f := setupGate(t, -time.Minute)
	ctx := context.Background()

	expired := parkedIntent()
	require.NoError(t, f.gate.Park(ctx, expired, graph.RiskTierHigh, 1))

	require.NoError(t, f.gate.SweepExpired(ctx))

	t.Run("dead-letters past-deadline events as approval timeouts", func(t *testing.T) {
		_, err := f.client.GetPendingApproval(ctx, expired.EventID)
		assert.True(t, graph.IsNotFound(err))

		dl, err := f.client.GetDeadLetter(ctx, expired.EventID)
		require.NoError(t, err)
		assert.Equal(t, graph.FailureClassApprovalTimeout, dl.FailureClass)
		assert.False(t, dl.Retryable)
	})

	t.Run("records the expiry in the ledger before dead-lettering", func(t *testing.T) {
		entry, err := f.client.GetLedgerEntry(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, graph.DecisionApprovalExpired, entry.Decision)
		assert.Equal(t, expired.EventID, entry.EventID)
	})

	t.Run("is idempotent once the queue is drained", func(t *testing.T) {
		require.NoError(t, f.gate.SweepExpired(ctx))

		letters, err := f.client.ListDeadLetters(ctx)
		require.NoError(t, err)
		assert.Len(t, letters, 1)
	})
}
