// Package ledger owns the provenance ledger: appending entries with
// atomically assigned, gap-free sequence numbers and a chained checksum,
// verifying the chain, and taking graph snapshots for replay.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/santiago-project/santiago/internal/trust"
	"github.com/santiago-project/santiago/pkg/graph"
)

// Appender is the single writer of ledger entries for an instance.
// A mutex serializes appends so sequence order and the checksum chain
// always agree. All other components treat the ledger as read-only.
type Appender struct {
	client *graph.Client
	trust  *trust.Recorder

	mu sync.Mutex
}

// NewAppender creates the ledger appender. The trust recorder is invoked
// for every appended entry so registry updates happen only as ledger side
// effects.
func NewAppender(client *graph.Client, recorder *trust.Recorder) *Appender {
	return &Appender{client: client, trust: recorder}
}

// Append records a single decision. The entry's Sequence, TimestampMs, and
// Checksum are assigned here; all other fields must be set by the caller.
// Returns the completed entry.
func (a *Appender) Append(ctx context.Context, entry *graph.LedgerEntry) (*graph.LedgerEntry, error) {
	entries, err := a.AppendAll(ctx, []*graph.LedgerEntry{entry}, nil)
	if err != nil {
		return nil, err
	}
	return entries[0], nil
}

// AppendAll records a group of decisions with consecutive sequence numbers
// in one atomic pipeline. If extras is non-nil it is invoked with the
// pipeline before exec, letting the batch committer apply graph mutations
// and the ledger entries as a single transaction.
//
// The sequence counter advances inside the same transaction that writes the
// entries, so a failed exec moves nothing and a retry starts clean: the
// ledger stays gap-free. The appender's mutex makes the read-assign-write
// of the counter safe; it is the only writer for the instance.
func (a *Appender) AppendAll(ctx context.Context, entries []*graph.LedgerEntry, extras func(pipe redis.Pipeliner)) ([]*graph.LedgerEntry, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("cannot append an empty entry group")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	head, err := a.client.LedgerHeadChecksum(ctx)
	if err != nil {
		return nil, err
	}

	last, err := a.client.LedgerSequence(ctx)
	if err != nil {
		return nil, err
	}
	first := last + 1

	now := time.Now().UnixMilli()
	prev := head
	for i, entry := range entries {
		entry.Sequence = first + int64(i)
		entry.TimestampMs = now
		entry.Checksum = ChainChecksum(entry, prev)
		prev = entry.Checksum

		if err := entry.Validate(); err != nil {
			return nil, fmt.Errorf("refusing to append invalid ledger entry: %w", err)
		}
	}

	instance := a.client.InstanceName()
	pipe := a.client.Redis().TxPipeline()
	if extras != nil {
		extras(pipe)
	}
	for _, entry := range entries {
		pipe.HSet(ctx, graph.LedgerEntryKey(instance, entry.Sequence), graph.LedgerEntryToHash(entry))
		pipe.RPush(ctx, graph.LedgerEventIndexKey(instance, entry.EventID), entry.Sequence)
	}
	pipe.Set(ctx, graph.LedgerSeqKey(instance), first+int64(len(entries))-1, 0)
	pipe.Set(ctx, graph.LedgerHeadKey(instance), prev, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to append ledger entries: %w", err)
	}

	// Post-append side effects: the observability stream is fire-and-forget
	// and the trust registry is derived state. Neither failure un-appends
	// the entry, so both are logged and swallowed.
	for _, entry := range entries {
		if err := a.client.PublishLedgerEvent(ctx, entry); err != nil {
			log.Printf("[Ledger] Failed to stream entry %d: %v", entry.Sequence, err)
		}
		if a.trust != nil {
			if err := a.trust.Record(ctx, entry); err != nil {
				log.Printf("[Ledger] Failed to update trust registry for entry %d: %v", entry.Sequence, err)
			}
		}
	}

	return entries, nil
}

// ChainChecksum computes the checksum of an entry chained to the previous
// entry's checksum: sha256 over the canonical decision fields plus prev.
// The entry's Sequence and TimestampMs must already be assigned.
func ChainChecksum(entry *graph.LedgerEntry, prev string) string {
	canonical := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%d|%s",
		entry.Sequence,
		entry.EventID,
		entry.EntityKey,
		entry.IdempotencyKey,
		entry.Author.Type,
		entry.Author.ID,
		entry.Decision,
		entry.Reason,
		entry.TimestampMs,
		prev,
	)

	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
