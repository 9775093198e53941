package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Pending-approval parking and the dead-letter store
//
// Both are ZSET-indexed JSON records: the pending set is scored by approval
// deadline, the dead-letter set by last failure time. Parked events hold no
// entity lock; the gate's sweeper drives expiry off the ZSET scores.

// ParkPendingApproval durably parks a high-risk event awaiting sign-off.
func (c *Client) ParkPendingApproval(ctx context.Context, pending *PendingApproval) error {
	recordJSON, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("failed to marshal pending approval: %w", err)
	}

	eventID := pending.Event.EventID
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, PendingKey(c.instanceName, eventID), recordJSON, 0)
	pipe.ZAdd(ctx, PendingSetKey(c.instanceName), redis.Z{
		Score:  float64(pending.DeadlineMs),
		Member: eventID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to park pending approval: %w", err)
	}

	return nil
}

// GetPendingApproval retrieves a parked event by event ID.
// Returns (nil, redis.Nil) if the event is not pending approval.
func (c *Client) GetPendingApproval(ctx context.Context, eventID string) (*PendingApproval, error) {
	raw, err := c.rdb.Get(ctx, PendingKey(c.instanceName, eventID)).Result()
	if err != nil {
		if IsNotFound(err) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to read pending approval: %w", err)
	}

	var pending PendingApproval
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending approval: %w", err)
	}

	return &pending, nil
}

// RemovePendingApproval unparks an event (approval arrived, cancellation,
// or expiry). Safe to call for events that are not parked.
func (c *Client) RemovePendingApproval(ctx context.Context, eventID string) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, PendingKey(c.instanceName, eventID))
	pipe.ZRem(ctx, PendingSetKey(c.instanceName), eventID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove pending approval: %w", err)
	}
	return nil
}

// ExpiredPendingApprovals returns the event IDs of parked events whose
// approval deadline is at or before nowMs, oldest first.
func (c *Client) ExpiredPendingApprovals(ctx context.Context, nowMs int64) ([]string, error) {
	ids, err := c.rdb.ZRangeByScore(ctx, PendingSetKey(c.instanceName), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", nowMs),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan expired pending approvals: %w", err)
	}
	return ids, nil
}

// ListPendingApprovals returns all parked events ordered by deadline.
func (c *Client) ListPendingApprovals(ctx context.Context) ([]*PendingApproval, error) {
	ids, err := c.rdb.ZRange(ctx, PendingSetKey(c.instanceName), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}

	pendings := make([]*PendingApproval, 0, len(ids))
	for _, id := range ids {
		pending, err := c.GetPendingApproval(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				// ZSET member without a record; skip rather than fail the listing
				continue
			}
			return nil, err
		}
		pendings = append(pendings, pending)
	}

	return pendings, nil
}

// PutDeadLetter stores a dead-lettered event with its retry metadata.
func (c *Client) PutDeadLetter(ctx context.Context, dl *DeadLetter) error {
	recordJSON, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	eventID := dl.Event.EventID
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, DeadLetterKey(c.instanceName, eventID), recordJSON, 0)
	pipe.ZAdd(ctx, DeadLetterSetKey(c.instanceName), redis.Z{
		Score:  float64(dl.LastFailedAtMs),
		Member: eventID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write dead letter: %w", err)
	}

	return nil
}

// GetDeadLetter retrieves a dead-lettered event by event ID.
// Returns (nil, redis.Nil) if the event is not dead-lettered.
func (c *Client) GetDeadLetter(ctx context.Context, eventID string) (*DeadLetter, error) {
	raw, err := c.rdb.Get(ctx, DeadLetterKey(c.instanceName, eventID)).Result()
	if err != nil {
		if IsNotFound(err) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to read dead letter: %w", err)
	}

	var dl DeadLetter
	if err := json.Unmarshal([]byte(raw), &dl); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
	}

	return &dl, nil
}

// RemoveDeadLetter drops a dead letter (after a successful retry requeue).
func (c *Client) RemoveDeadLetter(ctx context.Context, eventID string) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, DeadLetterKey(c.instanceName, eventID))
	pipe.ZRem(ctx, DeadLetterSetKey(c.instanceName), eventID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns all dead letters ordered by last failure time.
func (c *Client) ListDeadLetters(ctx context.Context) ([]*DeadLetter, error) {
	ids, err := c.rdb.ZRange(ctx, DeadLetterSetKey(c.instanceName), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	letters := make([]*DeadLetter, 0, len(ids))
	for _, id := range ids {
		dl, err := c.GetDeadLetter(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		letters = append(letters, dl)
	}

	return letters, nil
}
