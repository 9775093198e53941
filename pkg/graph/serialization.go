package graph

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps (hashes). Complex fields like
// diffs and approval lists are JSON-encoded into single hash fields. This
// provides a balance between queryability (individual fields) and
// flexibility (complex structures).

// EventToHash converts a WriteIntentEvent to a Redis hash format.
// Diff and approvals are JSON-encoded.
func EventToHash(e *WriteIntentEvent) (map[string]interface{}, error) {
	diffJSON, err := json.Marshal(e.Diff)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal diff: %w", err)
	}

	approvalsJSON, err := json.Marshal(e.Approvals)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal approvals: %w", err)
	}

	hash := map[string]interface{}{
		"schema_version":  e.SchemaVersion,
		"event_id":        e.EventID,
		"entity_key":      e.EntityKey,
		"operation":       string(e.Operation),
		"author_type":     e.Author.Type,
		"author_id":       e.Author.ID,
		"provenance_ref":  e.ProvenanceRef,
		"diff":            string(diffJSON),
		"approvals":       string(approvalsJSON),
		"idempotency_key": e.IdempotencyKey,
		"submitted_at_ms": e.SubmittedAtMs,
	}

	return hash, nil
}

// HashToEvent converts a Redis hash to a WriteIntentEvent.
// JSON fields are decoded back to Go types.
func HashToEvent(hash map[string]string) (*WriteIntentEvent, error) {
	var diff Diff
	if diffJSON := hash["diff"]; diffJSON != "" {
		if err := json.Unmarshal([]byte(diffJSON), &diff); err != nil {
			return nil, fmt.Errorf("failed to unmarshal diff: %w", err)
		}
	}

	var approvals []Approval
	if approvalsJSON := hash["approvals"]; approvalsJSON != "" {
		if err := json.Unmarshal([]byte(approvalsJSON), &approvals); err != nil {
			return nil, fmt.Errorf("failed to unmarshal approvals: %w", err)
		}
	}

	// Ensure we have an empty slice instead of nil for consistency
	if approvals == nil {
		approvals = []Approval{}
	}

	submittedAtMs, _ := strconv.ParseInt(hash["submitted_at_ms"], 10, 64)

	event := &WriteIntentEvent{
		SchemaVersion:  hash["schema_version"],
		EventID:        hash["event_id"],
		EntityKey:      hash["entity_key"],
		Operation:      Operation(hash["operation"]),
		Author:         Author{Type: hash["author_type"], ID: hash["author_id"]},
		ProvenanceRef:  hash["provenance_ref"],
		Diff:           diff,
		Approvals:      approvals,
		IdempotencyKey: hash["idempotency_key"],
		SubmittedAtMs:  submittedAtMs,
	}

	return event, nil
}

// LedgerEntryToHash converts a LedgerEntry to a Redis hash format.
func LedgerEntryToHash(le *LedgerEntry) map[string]interface{} {
	return map[string]interface{}{
		"sequence":        le.Sequence,
		"event_id":        le.EventID,
		"entity_key":      le.EntityKey,
		"idempotency_key": le.IdempotencyKey,
		"author_type":     le.Author.Type,
		"author_id":       le.Author.ID,
		"decision":        string(le.Decision),
		"reason":          le.Reason,
		"timestamp_ms":    le.TimestampMs,
		"checksum":        le.Checksum,
	}
}

// HashToLedgerEntry converts a Redis hash to a LedgerEntry.
func HashToLedgerEntry(hash map[string]string) (*LedgerEntry, error) {
	sequence, err := strconv.ParseInt(hash["sequence"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid sequence field: %w", err)
	}

	timestampMs, _ := strconv.ParseInt(hash["timestamp_ms"], 10, 64)

	entry := &LedgerEntry{
		Sequence:       sequence,
		EventID:        hash["event_id"],
		EntityKey:      hash["entity_key"],
		IdempotencyKey: hash["idempotency_key"],
		Author:         Author{Type: hash["author_type"], ID: hash["author_id"]},
		Decision:       Decision(hash["decision"]),
		Reason:         hash["reason"],
		TimestampMs:    timestampMs,
		Checksum:       hash["checksum"],
	}

	return entry, nil
}

// OutcomeToHash converts an Outcome to a Redis hash format.
func OutcomeToHash(o *Outcome) map[string]interface{} {
	return map[string]interface{}{
		"event_id":        o.EventID,
		"idempotency_key": o.IdempotencyKey,
		"entity_key":      o.EntityKey,
		"state":           string(o.State),
		"decision":        string(o.Decision),
		"reason":          o.Reason,
		"sequence":        o.Sequence,
		"updated_at_ms":   o.UpdatedAtMs,
	}
}

// HashToOutcome converts a Redis hash to an Outcome.
func HashToOutcome(hash map[string]string) (*Outcome, error) {
	sequence, _ := strconv.ParseInt(hash["sequence"], 10, 64)
	updatedAtMs, _ := strconv.ParseInt(hash["updated_at_ms"], 10, 64)

	outcome := &Outcome{
		EventID:        hash["event_id"],
		IdempotencyKey: hash["idempotency_key"],
		EntityKey:      hash["entity_key"],
		State:          EventState(hash["state"]),
		Decision:       Decision(hash["decision"]),
		Reason:         hash["reason"],
		Sequence:       sequence,
		UpdatedAtMs:    updatedAtMs,
	}

	return outcome, nil
}

// HashToTrustEntry converts a Redis hash to a TrustRegistryEntry.
func HashToTrustEntry(hash map[string]string) (*TrustRegistryEntry, error) {
	passRate, _ := strconv.ParseFloat(hash["pass_rate"], 64)
	committed, _ := strconv.ParseInt(hash["committed"], 10, 64)
	rejected, _ := strconv.ParseInt(hash["rejected"], 10, 64)
	deadLettered, _ := strconv.ParseInt(hash["dead_lettered"], 10, 64)
	updatedAtMs, _ := strconv.ParseInt(hash["updated_at_ms"], 10, 64)

	entry := &TrustRegistryEntry{
		ID:              hash["id"],
		Version:         hash["version"],
		Hash:            hash["hash"],
		CapabilityLevel: hash["capability_level"],
		KnowledgeScope:  hash["knowledge_scope"],
		PassRate:        passRate,
		Committed:       committed,
		Rejected:        rejected,
		DeadLettered:    deadLettered,
		Replacement:     hash["replacement"],
		ProvenancePath:  hash["provenance_path"],
		SignedBy:        hash["signed_by"],
		UpdatedAtMs:     updatedAtMs,
	}

	return entry, nil
}
