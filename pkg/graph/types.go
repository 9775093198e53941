// Package graph provides type-safe Go definitions and Redis schema patterns
// for the Santiago shared knowledge graph. The graph is the central shared
// state that all Santiago writers mutate through the write gate: every
// proposed mutation travels as a WriteIntentEvent through validation, risk
// gating, and batched commit, and every decision about it lands in the
// append-only provenance ledger.
//
// All Redis keys and channels are namespaced by instance name so multiple
// Santiago instances can safely coexist on a single Redis server.
package graph

import (
	"fmt"

	"github.com/google/uuid"
)

// Operation is the kind of mutation a write intent proposes.
type Operation string

const (
	// OperationUpsert creates or replaces the target entity's fields.
	OperationUpsert Operation = "upsert"

	// OperationDelete removes the target entity from the graph.
	OperationDelete Operation = "delete"
)

// Validate checks if the Operation is a valid enum value.
func (op Operation) Validate() error {
	switch op {
	case OperationUpsert, OperationDelete:
		return nil
	default:
		return fmt.Errorf("unknown operation: %q", op)
	}
}

// Author identifies the writer that produced an intent.
// Type distinguishes agents from humans; ID carries the deployed identity
// (for agents this includes the version, e.g. "cartographer@1.4.2").
type Author struct {
	Type string `json:"type"` // "agent" or "user"
	ID   string `json:"id"`
}

// Approval is a single reviewer sign-off attached to a write intent.
// The gate authenticates ReviewerID against the configured reviewer registry
// before counting it toward the tier's required approvals.
type Approval struct {
	ReviewerID string `json:"reviewer_id"`
	SignedAtMs int64  `json:"signed_at_ms"`
	Signature  string `json:"signature,omitempty"`
}

// Diff carries the mutation payload: the state the author believes is
// current (Before) and the desired state (After). Before is compared
// against the live entity at commit time to detect conflicting writers.
type Diff struct {
	Before map[string]string `json:"before,omitempty"`
	After  map[string]string `json:"after,omitempty"`
}

// WriteIntentEvent is a single proposed mutation of one graph entity.
// EventID is unique per submission attempt; IdempotencyKey is stable across
// retries of the same logical intent and maps to at most one committed
// mutation within the retention window.
type WriteIntentEvent struct {
	SchemaVersion  string     `json:"schema_version"`
	EventID        string     `json:"event_id"`
	EntityKey      string     `json:"entity_key"`
	Operation      Operation  `json:"operation"`
	Author         Author     `json:"author"`
	ProvenanceRef  string     `json:"provenance_ref"`
	Diff           Diff       `json:"diff"`
	Approvals      []Approval `json:"approvals"`
	IdempotencyKey string     `json:"idempotency_key"`
	SubmittedAtMs  int64      `json:"submitted_at_ms"`
}

// EventState is the lifecycle state of a write intent inside the gate.
type EventState string

const (
	EventStateReceived        EventState = "received"
	EventStateDeduped         EventState = "deduped"
	EventStateSchemaRejected  EventState = "schema_rejected"
	EventStateLockWait        EventState = "lock_wait"
	EventStateClassifying     EventState = "classifying"
	EventStatePendingApproval EventState = "pending_approval"
	EventStateCommitting      EventState = "committing"
	EventStateCommitted       EventState = "committed"
	EventStateRetrying        EventState = "retrying"
	EventStateRejected        EventState = "rejected"
	EventStateDeadLettered    EventState = "dead_lettered"
)

// Terminal reports whether the state ends the event's lifecycle.
func (s EventState) Terminal() bool {
	switch s {
	case EventStateDeduped, EventStateSchemaRejected, EventStateCommitted,
		EventStateRejected, EventStateDeadLettered:
		return true
	default:
		return false
	}
}

// RiskTier is the closed risk classification of a write intent.
type RiskTier string

const (
	RiskTierLow    RiskTier = "low"
	RiskTierMedium RiskTier = "medium"
	RiskTierHigh   RiskTier = "high"
)

// Validate checks if the RiskTier is a valid enum value.
func (rt RiskTier) Validate() error {
	switch rt {
	case RiskTierLow, RiskTierMedium, RiskTierHigh:
		return nil
	default:
		return fmt.Errorf("unknown risk tier: %q", rt)
	}
}

// Decision is the outcome recorded by a single ledger entry.
type Decision string

const (
	DecisionAccepted        Decision = "accepted"
	DecisionRejected        Decision = "rejected"
	DecisionDuplicate       Decision = "duplicate"
	DecisionPendingApproval Decision = "pending_approval"
	DecisionApprovalGranted Decision = "approval_granted"
	DecisionApprovalExpired Decision = "approval_expired"
	DecisionCommitted       Decision = "committed"
	DecisionDeadLettered    Decision = "dead_lettered"
)

// Validate checks if the Decision is a valid enum value.
func (d Decision) Validate() error {
	switch d {
	case DecisionAccepted, DecisionRejected, DecisionDuplicate,
		DecisionPendingApproval, DecisionApprovalGranted,
		DecisionApprovalExpired, DecisionCommitted, DecisionDeadLettered:
		return nil
	default:
		return fmt.Errorf("unknown decision: %q", d)
	}
}

// LedgerEntry is one immutable, monotonically sequenced record of a gate
// decision. Checksum chains each entry to its predecessor (sha256 over the
// canonical fields plus the previous entry's checksum), so a gap or a broken
// chain is itself evidence of corruption.
type LedgerEntry struct {
	Sequence       int64    `json:"sequence"`
	EventID        string   `json:"event_id"`
	EntityKey      string   `json:"entity_key"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
	Author         Author   `json:"author"`
	Decision       Decision `json:"decision"`
	Reason         string   `json:"reason,omitempty"`
	TimestampMs    int64    `json:"timestamp_ms"`
	Checksum       string   `json:"checksum"`
}

// Outcome is the queryable result of a write intent, terminal or interim.
// The idempotency filter returns prior Outcomes for duplicate submissions.
type Outcome struct {
	EventID        string     `json:"event_id"`
	IdempotencyKey string     `json:"idempotency_key"`
	EntityKey      string     `json:"entity_key"`
	State          EventState `json:"state"`
	Decision       Decision   `json:"decision,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	Sequence       int64      `json:"sequence,omitempty"`
	UpdatedAtMs    int64      `json:"updated_at_ms"`
}

// FailureClass categorizes why an event landed in the dead-letter store.
type FailureClass string

const (
	FailureClassLockTimeout     FailureClass = "lock_timeout"
	FailureClassApprovalTimeout FailureClass = "approval_timeout"
	FailureClassCommitFailure   FailureClass = "commit_failure"
	FailureClassCancelled       FailureClass = "cancelled"
)

// DeadLetter holds a failed or expired event with its retry metadata.
type DeadLetter struct {
	Event           WriteIntentEvent `json:"event"`
	FailureClass    FailureClass     `json:"failure_class"`
	Reason          string           `json:"reason"`
	Attempts        int              `json:"attempts"`
	FirstFailedAtMs int64            `json:"first_failed_at_ms"`
	LastFailedAtMs  int64            `json:"last_failed_at_ms"`
	Retryable       bool             `json:"retryable"`
}

// PendingApproval is the durable record of a high-risk event parked while
// waiting for reviewer sign-off. The event holds no entity lock while
// pending; the deadline is enforced by the gate's TTL sweeper.
type PendingApproval struct {
	Event      WriteIntentEvent `json:"event"`
	Tier       RiskTier         `json:"tier"`
	Required   int              `json:"required"`
	ParkedAtMs int64            `json:"parked_at_ms"`
	DeadlineMs int64            `json:"deadline_ms"`
}

// TrustRegistryEntry is the derived, per-writer summary of historical gate
// outcomes. It is updated only as a side effect of ledger appends and is
// never a primary write target.
type TrustRegistryEntry struct {
	ID              string  `json:"id"`
	Version         string  `json:"version,omitempty"`
	Hash            string  `json:"hash,omitempty"`
	CapabilityLevel string  `json:"capability_level,omitempty"`
	KnowledgeScope  string  `json:"knowledge_scope,omitempty"`
	PassRate        float64 `json:"pass_rate"`
	Committed       int64   `json:"committed"`
	Rejected        int64   `json:"rejected"`
	DeadLettered    int64   `json:"dead_lettered"`
	Replacement     string  `json:"replacement,omitempty"`
	ProvenancePath  string  `json:"provenance_path,omitempty"`
	SignedBy        string  `json:"signed_by,omitempty"`
	UpdatedAtMs     int64   `json:"updated_at_ms"`
}

// Snapshot is a verified point-in-time copy of the graph used as a replay
// base. Entities maps entity key to its field map; LastSequence is the
// highest committed ledger sequence the snapshot includes.
type Snapshot struct {
	LastSequence int64                        `json:"last_sequence"`
	Entities     map[string]map[string]string `json:"entities"`
	TakenAtMs    int64                        `json:"taken_at_ms"`
	Checksum     string                       `json:"checksum"`
}

// Validate checks if the WriteIntentEvent has valid field values.
// Returns an error if any validation fails.
func (e *WriteIntentEvent) Validate() error {
	if !isValidUUID(e.EventID) {
		return fmt.Errorf("invalid event ID: not a valid UUID")
	}

	if e.EntityKey == "" {
		return fmt.Errorf("entity_key cannot be empty")
	}

	if err := e.Operation.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}

	if e.Author.ID == "" {
		return fmt.Errorf("author.id cannot be empty")
	}

	if e.Author.Type != "agent" && e.Author.Type != "user" {
		return fmt.Errorf("invalid author type: %q (must be 'agent' or 'user')", e.Author.Type)
	}

	if e.IdempotencyKey == "" {
		return fmt.Errorf("idempotency_key cannot be empty")
	}

	if e.Operation == OperationUpsert && len(e.Diff.After) == 0 {
		return fmt.Errorf("upsert requires a non-empty diff.after")
	}

	for i, approval := range e.Approvals {
		if approval.ReviewerID == "" {
			return fmt.Errorf("invalid approval at index %d: reviewer_id cannot be empty", i)
		}
	}

	return nil
}

// Validate checks if the LedgerEntry has valid field values.
func (le *LedgerEntry) Validate() error {
	if le.Sequence < 1 {
		return fmt.Errorf("invalid sequence: must be >= 1, got %d", le.Sequence)
	}

	if !isValidUUID(le.EventID) {
		return fmt.Errorf("invalid event ID: not a valid UUID")
	}

	if err := le.Decision.Validate(); err != nil {
		return fmt.Errorf("invalid decision: %w", err)
	}

	return nil
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
