package graph

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestWriteIntentEventValidate(t *testing.T) {
	valid := func() *WriteIntentEvent {
		return testIntent("location/harbor")
	}

	t.Run("accepts a valid event", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("rejects bad event ID", func(t *testing.T) {
		e := valid()
		e.EventID = "not-a-uuid"
		assert.ErrorContains(t, e.Validate(), "not a valid UUID")
	})

	t.Run("rejects empty entity key", func(t *testing.T) {
		e := valid()
		e.EntityKey = ""
		assert.ErrorContains(t, e.Validate(), "entity_key")
	})

	t.Run("rejects unknown operation", func(t *testing.T) {
		e := valid()
		e.Operation = "merge"
		assert.ErrorContains(t, e.Validate(), "unknown operation")
	})

	t.Run("rejects missing author", func(t *testing.T) {
		e := valid()
		e.Author.ID = ""
		assert.ErrorContains(t, e.Validate(), "author.id")
	})

	t.Run("rejects unknown author type", func(t *testing.T) {
		e := valid()
		e.Author.Type = "daemon"
		assert.ErrorContains(t, e.Validate(), "author type")
	})

	t.Run("rejects empty idempotency key", func(t *testing.T) {
		e := valid()
		e.IdempotencyKey = ""
		assert.ErrorContains(t, e.Validate(), "idempotency_key")
	})

	t.Run("rejects upsert with empty after image", func(t *testing.T) {
		e := valid()
		e.Diff.After = nil
		assert.ErrorContains(t, e.Validate(), "diff.after")
	})

	t.Run("allows delete with empty after image", func(t *testing.T) {
		e := valid()
		e.Operation = OperationDelete
		e.Diff.After = nil
		assert.NoError(t, e.Validate())
	})

	t.Run("rejects approval without reviewer", func(t *testing.T) {
		e := valid()
		e.Approvals = []Approval{{SignedAtMs: 1}}
		assert.ErrorContains(t, e.Validate(), "reviewer_id")
	})
}

func TestLedgerEntryValidate(t *testing.T) {
	entry := &LedgerEntry{
		Sequence: 1,
		EventID:  uuid.New().String(),
		Decision: DecisionCommitted,
	}
	assert.NoError(t, entry.Validate())

	t.Run("rejects non-positive sequence", func(t *testing.T) {
		bad := *entry
		bad.Sequence = 0
		assert.ErrorContains(t, bad.Validate(), "sequence")
	})

	t.Run("rejects unknown decision", func(t *testing.T) {
		bad := *entry
		bad.Decision = "shrugged"
		assert.ErrorContains(t, bad.Validate(), "decision")
	})
}

func TestEventStateTerminal(t *testing.T) {
	terminal := []EventState{
		EventStateDeduped, EventStateSchemaRejected, EventStateCommitted,
		EventStateRejected, EventStateDeadLettered,
	}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "state %s should be terminal", s)
	}

	inFlight := []EventState{
		EventStateReceived, EventStateLockWait, EventStateClassifying,
		EventStatePendingApproval, EventStateCommitting, EventStateRetrying,
	}
	for _, s := range inFlight {
		assert.False(t, s.Terminal(), "state %s should not be terminal", s)
	}
}

func TestRiskTierValidate(t *testing.T) {
	for _, tier := range []RiskTier{RiskTierLow, RiskTierMedium, RiskTierHigh} {
		assert.NoError(t, tier.Validate())
	}
	assert.Error(t, RiskTier("critical").Validate())
}
