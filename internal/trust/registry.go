// Package trust maintains the derived trust registry: one record per writer
// identity summarizing its historical gate outcomes. Records are updated
// only as a side effect of ledger appends and are never a primary write
// target.
package trust

import (
	"context"
	"fmt"
	"time"

	"github.com/santiago-project/santiago/pkg/graph"
)

// Recorder applies ledger decisions to the trust registry.
type Recorder struct {
	client *graph.Client
}

// NewRecorder creates a trust recorder over the graph client.
func NewRecorder(client *graph.Client) *Recorder {
	return &Recorder{client: client}
}

// Record folds a ledger entry into the author's trust registry entry.
// Only terminal decisions move the counters; interim decisions are no-ops.
func (r *Recorder) Record(ctx context.Context, entry *graph.LedgerEntry) error {
	var counter string
	switch entry.Decision {
	case graph.DecisionCommitted:
		counter = "committed"
	case graph.DecisionRejected:
		counter = "rejected"
	case graph.DecisionDeadLettered:
		counter = "dead_lettered"
	default:
		return nil
	}

	if entry.Author.ID == "" {
		return nil
	}

	key := graph.TrustKey(r.client.InstanceName(), entry.Author.ID)
	rdb := r.client.Redis()

	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, key, "id", entry.Author.ID)
	pipe.HIncrBy(ctx, key, counter, 1)
	pipe.HSet(ctx, key, "updated_at_ms", time.Now().UnixMilli())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update trust counters for %s: %w", entry.Author.ID, err)
	}

	// Recompute the quality signal from the fresh counters. A lost update
	// between the increment and this write only skews pass_rate until the
	// next terminal decision recomputes it.
	te, err := r.client.GetTrustEntry(ctx, entry.Author.ID)
	if err != nil {
		return fmt.Errorf("failed to reload trust entry for %s: %w", entry.Author.ID, err)
	}

	total := te.Committed + te.Rejected + te.DeadLettered
	passRate := 0.0
	if total > 0 {
		passRate = float64(te.Committed) / float64(total)
	}

	if err := rdb.HSet(ctx, key, "pass_rate", fmt.Sprintf("%.4f", passRate)).Err(); err != nil {
		return fmt.Errorf("failed to update pass rate for %s: %w", entry.Author.ID, err)
	}

	return nil
}
