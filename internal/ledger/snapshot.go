package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/santiago-project/santiago/pkg/graph"
)

// Snapshotter takes periodic point-in-time copies of the graph so replay
// never has to walk the full ledger.
type Snapshotter struct {
	client *graph.Client
}

// NewSnapshotter creates a snapshotter over the graph client.
func NewSnapshotter(client *graph.Client) *Snapshotter {
	return &Snapshotter{client: client}
}

// Take captures the current graph state and the committed sequence it
// reflects, computes the snapshot checksum, and stores it as latest.
//
// Take must run while no flush is in progress (the committer pauses around
// it), so the entity scan and the committed sequence agree.
func (s *Snapshotter) Take(ctx context.Context) (*graph.Snapshot, error) {
	committed, err := s.client.CommittedSequence(ctx)
	if err != nil {
		return nil, err
	}

	entities, err := s.scanEntities(ctx)
	if err != nil {
		return nil, err
	}

	snap := &graph.Snapshot{
		LastSequence: committed,
		Entities:     entities,
		TakenAtMs:    time.Now().UnixMilli(),
	}
	snap.Checksum = SnapshotChecksum(snap)

	if err := s.client.PutSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	return snap, nil
}

// scanEntities reads every graph entity into a key -> fields map.
func (s *Snapshotter) scanEntities(ctx context.Context) (map[string]map[string]string, error) {
	instance := s.client.InstanceName()
	pattern := graph.EntityKey(instance, "*")
	prefix := graph.EntityKey(instance, "")
	rdb := s.client.Redis()

	entities := make(map[string]map[string]string)
	var cursor uint64
	for {
		keys, next, err := rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan entities: %w", err)
		}

		for _, key := range keys {
			fields, err := rdb.HGetAll(ctx, key).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to read entity %s: %w", key, err)
			}
			if len(fields) == 0 {
				continue
			}
			entities[strings.TrimPrefix(key, prefix)] = fields
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return entities, nil
}

// SnapshotChecksum computes the deterministic checksum of a snapshot's
// content: sha256 over the sorted entity keys and fields plus the last
// sequence. The Checksum field itself is excluded.
func SnapshotChecksum(snap *graph.Snapshot) string {
	keys := make([]string, 0, len(snap.Entities))
	for k := range snap.Entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%d\n", snap.LastSequence)
	for _, k := range keys {
		fields := snap.Entities[k]
		fieldNames := make([]string, 0, len(fields))
		for f := range fields {
			fieldNames = append(fieldNames, f)
		}
		sort.Strings(fieldNames)

		fmt.Fprintf(&b, "%s\n", k)
		for _, f := range fieldNames {
			fmt.Fprintf(&b, "  %s=%s\n", f, fields[f])
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// VerifySnapshot recomputes a snapshot's checksum and compares it to the
// stored value.
func VerifySnapshot(snap *graph.Snapshot) error {
	if expected := SnapshotChecksum(snap); expected != snap.Checksum {
		return fmt.Errorf("snapshot checksum mismatch at sequence %d", snap.LastSequence)
	}
	return nil
}

// MarshalReport renders a verification report as indented JSON for CLI and
// log output.
func MarshalReport(report *Report) string {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", report)
	}
	return string(data)
}
