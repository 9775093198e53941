package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Ledger primitives
//
// The provenance ledger is an append-only sequence of immutable entries.
// Sequence numbers come from a single monotonic counter; entry construction
// and the checksum chain live in internal/ledger, which is the only writer.
// Everything here is safe for concurrent readers.

// LedgerSequence returns the highest assigned sequence number, or 0 if the
// ledger is empty.
func (c *Client) LedgerSequence(ctx context.Context) (int64, error) {
	val, err := c.rdb.Get(ctx, LedgerSeqKey(c.instanceName)).Result()
	if err != nil {
		if IsNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read ledger sequence: %w", err)
	}

	seq, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt ledger sequence counter: %w", err)
	}

	return seq, nil
}

// CommittedSequence returns the highest ledger sequence applied to the
// graph, or 0 if nothing has been committed.
func (c *Client) CommittedSequence(ctx context.Context) (int64, error) {
	val, err := c.rdb.Get(ctx, CommittedSeqKey(c.instanceName)).Result()
	if err != nil {
		if IsNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read committed sequence: %w", err)
	}

	seq, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt committed sequence marker: %w", err)
	}

	return seq, nil
}

// GetLedgerEntry retrieves a ledger entry by sequence number.
// Returns (nil, redis.Nil) if no entry exists at that sequence.
func (c *Client) GetLedgerEntry(ctx context.Context, sequence int64) (*LedgerEntry, error) {
	key := LedgerEntryKey(c.instanceName, sequence)

	hashData, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger entry from Redis: %w", err)
	}

	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	return HashToLedgerEntry(hashData)
}

// LedgerHeadChecksum returns the checksum of the most recently appended
// entry, or "" for an empty ledger.
func (c *Client) LedgerHeadChecksum(ctx context.Context) (string, error) {
	head, err := c.rdb.Get(ctx, LedgerHeadKey(c.instanceName)).Result()
	if err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read ledger head: %w", err)
	}
	return head, nil
}

// EventSequences returns the ledger sequences recorded for an event, in
// append order. Returns an empty slice if the event has no entries.
func (c *Client) EventSequences(ctx context.Context, eventID string) ([]int64, error) {
	key := LedgerEventIndexKey(c.instanceName, eventID)

	raw, err := c.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read event ledger index: %w", err)
	}

	sequences := make([]int64, 0, len(raw))
	for _, s := range raw {
		seq, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt event ledger index entry %q: %w", s, err)
		}
		sequences = append(sequences, seq)
	}

	return sequences, nil
}

// PublishLedgerEvent streams a ledger entry to the observability channel.
// Delivery is fire-and-forget: Pub/Sub is at-most-once and no subscriber is
// required.
func (c *Client) PublishLedgerEvent(ctx context.Context, entry *LedgerEntry) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry for event: %w", err)
	}

	channel := LedgerEventsChannel(c.instanceName)
	if err := c.rdb.Publish(ctx, channel, entryJSON).Err(); err != nil {
		return fmt.Errorf("failed to publish ledger event: %w", err)
	}

	return nil
}

// PutSnapshot stores a graph snapshot and marks it latest.
func (c *Client) PutSnapshot(ctx context.Context, snap *Snapshot) error {
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, SnapshotKey(c.instanceName, snap.LastSequence), snapJSON, 0)
	pipe.Set(ctx, SnapshotLatestKey(c.instanceName), snap.LastSequence, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	return nil
}

// GetSnapshot retrieves the snapshot taken at the given sequence.
// Returns (nil, redis.Nil) if no snapshot exists at that sequence.
func (c *Client) GetSnapshot(ctx context.Context, sequence int64) (*Snapshot, error) {
	raw, err := c.rdb.Get(ctx, SnapshotKey(c.instanceName, sequence)).Result()
	if err != nil {
		if IsNotFound(err) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// LatestSnapshot retrieves the most recent snapshot.
// Returns (nil, redis.Nil) if no snapshot has been taken.
func (c *Client) LatestSnapshot(ctx context.Context) (*Snapshot, error) {
	raw, err := c.rdb.Get(ctx, SnapshotLatestKey(c.instanceName)).Result()
	if err != nil {
		if IsNotFound(err) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to read latest snapshot marker: %w", err)
	}

	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt latest snapshot marker %q: %w", raw, err)
	}

	return c.GetSnapshot(ctx, seq)
}

// GetTrustEntry retrieves a writer's trust registry entry.
// Returns (nil, redis.Nil) if the writer has no recorded outcomes.
func (c *Client) GetTrustEntry(ctx context.Context, authorID string) (*TrustRegistryEntry, error) {
	key := TrustKey(c.instanceName, authorID)

	hashData, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read trust entry from Redis: %w", err)
	}

	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	return HashToTrustEntry(hashData)
}

// ListTrustEntries scans all trust registry entries for the instance.
func (c *Client) ListTrustEntries(ctx context.Context) ([]*TrustRegistryEntry, error) {
	pattern := TrustKey(c.instanceName, "*")

	var entries []*TrustRegistryEntry
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan trust entries: %w", err)
		}

		for _, key := range keys {
			hashData, err := c.rdb.HGetAll(ctx, key).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to read trust entry %s: %w", key, err)
			}
			if len(hashData) == 0 {
				continue
			}
			entry, err := HashToTrustEntry(hashData)
			if err != nil {
				return nil, fmt.Errorf("failed to deserialize trust entry %s: %w", key, err)
			}
			entries = append(entries, entry)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return entries, nil
}
