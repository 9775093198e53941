package graph

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name to
// enable multiple Santiago instances to safely coexist on a single Redis
// server.
//
// Key pattern: santiago:{instance_name}:{entity}:{id}
// Channel pattern: santiago:{instance_name}:{event_type}_events

// EntityKey returns the Redis key for a graph entity.
// Pattern: santiago:{instance_name}:entity:{entity_key}
func EntityKey(instanceName, entityKey string) string {
	return fmt.Sprintf("santiago:%s:entity:%s", instanceName, entityKey)
}

// EventKey returns the Redis key for a stored write intent event.
// Pattern: santiago:{instance_name}:event:{event_id}
func EventKey(instanceName, eventID string) string {
	return fmt.Sprintf("santiago:%s:event:%s", instanceName, eventID)
}

// OutcomeKey returns the Redis key for an event's queryable outcome.
// Pattern: santiago:{instance_name}:outcome:{event_id}
func OutcomeKey(instanceName, eventID string) string {
	return fmt.Sprintf("santiago:%s:outcome:%s", instanceName, eventID)
}

// IdempotencyKey returns the Redis key for the idempotency cache entry.
// The value is the event ID whose outcome answers duplicate submissions.
// Pattern: santiago:{instance_name}:idem:{idempotency_key}
func IdempotencyKey(instanceName, idempotencyKey string) string {
	return fmt.Sprintf("santiago:%s:idem:%s", instanceName, idempotencyKey)
}

// LockKey returns the Redis key for an entity's write lock.
// Pattern: santiago:{instance_name}:lock:{entity_key}
func LockKey(instanceName, entityKey string) string {
	return fmt.Sprintf("santiago:%s:lock:%s", instanceName, entityKey)
}

// LedgerSeqKey returns the Redis key of the ledger sequence counter.
// Pattern: santiago:{instance_name}:ledger:seq
func LedgerSeqKey(instanceName string) string {
	return fmt.Sprintf("santiago:%s:ledger:seq", instanceName)
}

// LedgerHeadKey returns the Redis key holding the checksum of the most
// recently appended ledger entry (the head of the checksum chain).
// Pattern: santiago:{instance_name}:ledger:head
func LedgerHeadKey(instanceName string) string {
	return fmt.Sprintf("santiago:%s:ledger:head", instanceName)
}

// LedgerEntryKey returns the Redis key for a ledger entry.
// Pattern: santiago:{instance_name}:ledger:entry:{sequence}
func LedgerEntryKey(instanceName string, sequence int64) string {
	return fmt.Sprintf("santiago:%s:ledger:entry:%d", instanceName, sequence)
}

// CommittedSeqKey returns the Redis key holding the highest ledger sequence
// whose mutation has been applied to the graph. Updated inside the commit
// pipeline; divergence from the ledger's committed entries indicates
// corruption.
// Pattern: santiago:{instance_name}:committed:seq
func CommittedSeqKey(instanceName string) string {
	return fmt.Sprintf("santiago:%s:committed:seq", instanceName)
}

// LedgerEventIndexKey returns the Redis key of the event_id -> sequences
// index used to answer reason-chain queries by event ID.
// Pattern: santiago:{instance_name}:ledger:index:event:{event_id}
func LedgerEventIndexKey(instanceName, eventID string) string {
	return fmt.Sprintf("santiago:%s:ledger:index:event:%s", instanceName, eventID)
}

// PendingSetKey returns the Redis key of the pending-approval ZSET,
// scored by approval deadline in unix milliseconds.
// Pattern: santiago:{instance_name}:pending
func PendingSetKey(instanceName string) string {
	return fmt.Sprintf("santiago:%s:pending", instanceName)
}

// PendingKey returns the Redis key for a parked pending-approval record.
// Pattern: santiago:{instance_name}:pending:{event_id}
func PendingKey(instanceName, eventID string) string {
	return fmt.Sprintf("santiago:%s:pending:%s", instanceName, eventID)
}

// DeadLetterSetKey returns the Redis key of the dead-letter ZSET,
// scored by last failure time in unix milliseconds.
// Pattern: santiago:{instance_name}:dlq
func DeadLetterSetKey(instanceName string) string {
	return fmt.Sprintf("santiago:%s:dlq", instanceName)
}

// DeadLetterKey returns the Redis key for a dead-lettered event record.
// Pattern: santiago:{instance_name}:dlq:{event_id}
func DeadLetterKey(instanceName, eventID string) string {
	return fmt.Sprintf("santiago:%s:dlq:%s", instanceName, eventID)
}

// SnapshotKey returns the Redis key of a graph snapshot.
// Pattern: santiago:{instance_name}:snapshot:{sequence}
func SnapshotKey(instanceName string, sequence int64) string {
	return fmt.Sprintf("santiago:%s:snapshot:%d", instanceName, sequence)
}

// SnapshotLatestKey returns the Redis key holding the latest snapshot sequence.
// Pattern: santiago:{instance_name}:snapshot:latest
func SnapshotLatestKey(instanceName string) string {
	return fmt.Sprintf("santiago:%s:snapshot:latest", instanceName)
}

// TrustKey returns the Redis key for a writer's trust registry entry.
// Pattern: santiago:{instance_name}:trust:{author_id}
func TrustKey(instanceName, authorID string) string {
	return fmt.Sprintf("santiago:%s:trust:%s", instanceName, authorID)
}

// RecoveryModeKey returns the Redis key of the declared-recovery flag.
// While set, the gate admits no new intents and only the replay engine
// may write to the graph.
// Pattern: santiago:{instance_name}:recovery_mode
func RecoveryModeKey(instanceName string) string {
	return fmt.Sprintf("santiago:%s:recovery_mode", instanceName)
}

// IntentEventsChannel returns the Pub/Sub channel name for submitted
// write intents.
// Pattern: santiago:{instance_name}:intent_events
func IntentEventsChannel(instanceName string) string {
	return fmt.Sprintf("santiago:%s:intent_events", instanceName)
}

// LedgerEventsChannel returns the Pub/Sub channel name on which every
// ledger append is streamed for the external observability sink.
// Pattern: santiago:{instance_name}:ledger_events
func LedgerEventsChannel(instanceName string) string {
	return fmt.Sprintf("santiago:%s:ledger_events", instanceName)
}

// ApprovalEventsChannel returns the Pub/Sub channel name for approval
// arrivals, used to wake parked events without polling.
// Pattern: santiago:{instance_name}:approval_events
func ApprovalEventsChannel(instanceName string) string {
	return fmt.Sprintf("santiago:%s:approval_events", instanceName)
}
