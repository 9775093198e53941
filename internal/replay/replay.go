// Package replay rebuilds graph state from a verified snapshot plus the
// committed ledger tail. It is the only component permitted to write to the
// graph outside the batch committer, and only inside a declared recovery
// window: the gate admits no new intents while recovery_mode is set.
package replay

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/santiago-project/santiago/internal/ledger"
	"github.com/santiago-project/santiago/pkg/graph"
)

// Summary reports what a recovery run did.
type Summary struct {
	SnapshotSequence int64 `json:"snapshot_sequence"`
	EntriesScanned   int64 `json:"entries_scanned"`
	CommitsApplied   int64 `json:"commits_applied"`
	FinalSequence    int64 `json:"final_sequence"`
	DurationMs       int64 `json:"duration_ms"`
}

// Engine replays the ledger tail over a snapshot.
type Engine struct {
	client *graph.Client
}

// New creates a replay engine.
func New(client *graph.Client) *Engine {
	return &Engine{client: client}
}

// Run performs a full recovery: declares recovery mode, restores the latest
// verified snapshot (or an empty graph if none exists), re-applies every
// committed ledger entry after it in sequence order, and clears recovery
// mode. Replay is idempotent per event and entity-scoped, so it is safe to
// re-run from any earlier snapshot.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()

	if err := e.client.SetRecoveryMode(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if err := e.client.ClearRecoveryMode(ctx); err != nil {
			log.Printf("[Replay] Failed to clear recovery mode: %v", err)
		}
	}()

	snap, err := e.loadSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	if err := e.restore(ctx, snap); err != nil {
		return nil, err
	}

	summary := &Summary{SnapshotSequence: snap.LastSequence}

	last, err := e.client.LedgerSequence(ctx)
	if err != nil {
		return nil, err
	}

	appliedThrough := snap.LastSequence
	for seq := snap.LastSequence + 1; seq <= last; seq++ {
		entry, err := e.client.GetLedgerEntry(ctx, seq)
		if err != nil {
			if graph.IsNotFound(err) {
				return nil, fmt.Errorf("ledger gap at sequence %d during replay", seq)
			}
			return nil, err
		}

		summary.EntriesScanned++

		if entry.Decision != graph.DecisionCommitted {
			continue
		}

		event, err := e.client.GetEvent(ctx, entry.EventID)
		if err != nil {
			if graph.IsNotFound(err) {
				return nil, fmt.Errorf("committed entry %d references missing event %s", seq, entry.EventID)
			}
			return nil, err
		}

		if err := e.apply(ctx, event); err != nil {
			return nil, fmt.Errorf("failed to re-apply sequence %d: %w", seq, err)
		}

		summary.CommitsApplied++
		appliedThrough = seq
	}

	instance := e.client.InstanceName()
	if err := e.client.Redis().Set(ctx, graph.CommittedSeqKey(instance), appliedThrough, 0).Err(); err != nil {
		return nil, fmt.Errorf("failed to update committed sequence after replay: %w", err)
	}

	summary.FinalSequence = last
	summary.DurationMs = time.Since(start).Milliseconds()

	log.Printf("[Replay] Recovery complete: snapshot=%d, scanned=%d, applied=%d (duration: %dms)",
		summary.SnapshotSequence, summary.EntriesScanned, summary.CommitsApplied, summary.DurationMs)

	return summary, nil
}

// loadSnapshot fetches and verifies the latest snapshot, or returns an
// empty base when none has been taken yet.
func (e *Engine) loadSnapshot(ctx context.Context) (*graph.Snapshot, error) {
	snap, err := e.client.LatestSnapshot(ctx)
	if err != nil {
		if graph.IsNotFound(err) {
			return &graph.Snapshot{Entities: map[string]map[string]string{}}, nil
		}
		return nil, err
	}

	if err := ledger.VerifySnapshot(snap); err != nil {
		return nil, fmt.Errorf("refusing to replay from unverified snapshot: %w", err)
	}

	return snap, nil
}

// restore resets the graph to exactly the snapshot's entities.
func (e *Engine) restore(ctx context.Context, snap *graph.Snapshot) error {
	instance := e.client.InstanceName()
	rdb := e.client.Redis()

	// Drop every current entity; replay rebuilds from the snapshot base.
	pattern := graph.EntityKey(instance, "*")
	var cursor uint64
	for {
		keys, next, err := rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan entities for restore: %w", err)
		}
		if len(keys) > 0 {
			if err := rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to clear entities for restore: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	for entityKey, fields := range snap.Entities {
		if len(fields) == 0 {
			continue
		}
		values := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			values[k] = v
		}
		if err := rdb.HSet(ctx, graph.EntityKey(instance, entityKey), values).Err(); err != nil {
			return fmt.Errorf("failed to restore entity %s: %w", entityKey, err)
		}
	}

	return nil
}

// apply re-applies one committed mutation, mirroring the committer's
// semantics (full replacement for upserts) so replay is bit-for-bit
// deterministic on the mutated fields.
func (e *Engine) apply(ctx context.Context, event *graph.WriteIntentEvent) error {
	instance := e.client.InstanceName()
	rdb := e.client.Redis()
	entityKey := graph.EntityKey(instance, event.EntityKey)

	switch event.Operation {
	case graph.OperationUpsert:
		pipe := rdb.TxPipeline()
		pipe.Del(ctx, entityKey)
		if len(event.Diff.After) > 0 {
			fields := make(map[string]interface{}, len(event.Diff.After))
			for k, v := range event.Diff.After {
				fields[k] = v
			}
			pipe.HSet(ctx, entityKey, fields)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}

	case graph.OperationDelete:
		if err := rdb.Del(ctx, entityKey).Err(); err != nil {
			return err
		}
	}

	return nil
}
