package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client provides instance-scoped Redis operations for the shared graph.
// All keys and channels are automatically namespaced with the instance name.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb          *redis.Client
	instanceName string
}

// NewClient creates a new graph client for the specified instance.
// The client automatically namespaces all keys and channels with the
// instance name.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - instanceName: Santiago instance identifier (must not be empty)
//
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
// After calling Close(), the client should not be used.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// InstanceName returns the instance this client is scoped to.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// Redis exposes the underlying Redis client for components that need
// pipeline access (the batch committer and the replay engine).
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// SubmitIntent stores a write intent and publishes it to the intent events
// channel for the gate daemon to pick up. Validates the event before writing.
//
// The event is stored as a Redis hash at santiago:{instance}:event:{id}.
// Storing the same event twice is safe.
func (c *Client) SubmitIntent(ctx context.Context, e *WriteIntentEvent) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid write intent: %w", err)
	}

	hash, err := EventToHash(e)
	if err != nil {
		return fmt.Errorf("failed to serialize write intent: %w", err)
	}

	key := EventKey(c.instanceName, e.EventID)
	if err := c.rdb.HSet(ctx, key, hash).Err(); err != nil {
		return fmt.Errorf("failed to write intent to Redis: %w", err)
	}

	eventJSON, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal intent for event: %w", err)
	}

	channel := IntentEventsChannel(c.instanceName)
	if err := c.rdb.Publish(ctx, channel, eventJSON).Err(); err != nil {
		return fmt.Errorf("failed to publish intent event: %w", err)
	}

	return nil
}

// GetEvent retrieves a stored write intent by event ID.
// Returns (nil, redis.Nil) if the event doesn't exist.
// Use IsNotFound() to check for not-found errors.
func (c *Client) GetEvent(ctx context.Context, eventID string) (*WriteIntentEvent, error) {
	key := EventKey(c.instanceName, eventID)

	hashData, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read event from Redis: %w", err)
	}

	// HGetAll returns an empty map for non-existent keys
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	event, err := HashToEvent(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize event: %w", err)
	}

	return event, nil
}

// PutOutcome records the current queryable outcome of an event.
// Outcomes are updated on every state transition so callers can follow the
// full reason chain by event ID.
func (c *Client) PutOutcome(ctx context.Context, o *Outcome) error {
	key := OutcomeKey(c.instanceName, o.EventID)
	if err := c.rdb.HSet(ctx, key, OutcomeToHash(o)).Err(); err != nil {
		return fmt.Errorf("failed to write outcome to Redis: %w", err)
	}
	return nil
}

// GetOutcome retrieves the outcome of an event by event ID.
// Returns (nil, redis.Nil) if no outcome exists.
func (c *Client) GetOutcome(ctx context.Context, eventID string) (*Outcome, error) {
	key := OutcomeKey(c.instanceName, eventID)

	hashData, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read outcome from Redis: %w", err)
	}

	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	return HashToOutcome(hashData)
}

// GetOutcomeByIdempotencyKey resolves an idempotency key to the outcome of
// the event currently bound to it. Returns (nil, redis.Nil) if the key is
// unknown or outside the retention window.
func (c *Client) GetOutcomeByIdempotencyKey(ctx context.Context, idempotencyKey string) (*Outcome, error) {
	eventID, err := c.rdb.Get(ctx, IdempotencyKey(c.instanceName, idempotencyKey)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to resolve idempotency key: %w", err)
	}

	return c.GetOutcome(ctx, eventID)
}

// ReserveIdempotencyKey attempts to bind an idempotency key to an event for
// the retention window. Returns reserved=true if this event now owns the
// key, or reserved=false plus the owning event ID if the key was already
// bound.
func (c *Client) ReserveIdempotencyKey(ctx context.Context, idempotencyKey, eventID string, retention time.Duration) (reserved bool, priorEventID string, err error) {
	key := IdempotencyKey(c.instanceName, idempotencyKey)

	ok, err := c.rdb.SetNX(ctx, key, eventID, retention).Result()
	if err != nil {
		return false, "", fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	if ok {
		return true, "", nil
	}

	prior, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Reservation expired between SETNX and GET; treat as a fresh
			// submission and let the caller retry.
			return false, "", nil
		}
		return false, "", fmt.Errorf("failed to read prior idempotency binding: %w", err)
	}

	return false, prior, nil
}

// RebindIdempotencyKey rebinds an idempotency key to a new event.
// Used when the prior attempt under the key terminated without a commit
// (rejected or dead-lettered) and the author resubmits the same logical
// intent.
func (c *Client) RebindIdempotencyKey(ctx context.Context, idempotencyKey, eventID string, retention time.Duration) error {
	key := IdempotencyKey(c.instanceName, idempotencyKey)
	if err := c.rdb.Set(ctx, key, eventID, retention).Err(); err != nil {
		return fmt.Errorf("failed to rebind idempotency key: %w", err)
	}
	return nil
}

// GetEntity retrieves the current field map of a graph entity.
// Returns (nil, redis.Nil) if the entity doesn't exist.
func (c *Client) GetEntity(ctx context.Context, entityKey string) (map[string]string, error) {
	key := EntityKey(c.instanceName, entityKey)

	fields, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read entity from Redis: %w", err)
	}

	if len(fields) == 0 {
		return nil, redis.Nil
	}

	return fields, nil
}

// EntityExists checks if an entity exists without fetching it.
func (c *Client) EntityExists(ctx context.Context, entityKey string) (bool, error) {
	key := EntityKey(c.instanceName, entityKey)
	exists, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check entity existence: %w", err)
	}
	return exists > 0, nil
}

// SetRecoveryMode declares a recovery window. While set, the gate admits no
// new intents and only the replay engine may write to the graph.
func (c *Client) SetRecoveryMode(ctx context.Context) error {
	key := RecoveryModeKey(c.instanceName)
	if err := c.rdb.Set(ctx, key, "1", 0).Err(); err != nil {
		return fmt.Errorf("failed to set recovery mode: %w", err)
	}
	return nil
}

// ClearRecoveryMode ends the declared recovery window.
func (c *Client) ClearRecoveryMode(ctx context.Context) error {
	key := RecoveryModeKey(c.instanceName)
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to clear recovery mode: %w", err)
	}
	return nil
}

// InRecoveryMode reports whether a recovery window is declared.
func (c *Client) InRecoveryMode(ctx context.Context) (bool, error) {
	exists, err := c.rdb.Exists(ctx, RecoveryModeKey(c.instanceName)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check recovery mode: %w", err)
	}
	return exists > 0, nil
}

// IsNotFound returns true if the error is a Redis "key not found" error
// (redis.Nil). Use this to check if GetEvent, GetOutcome, GetEntity, or
// GetLedgerEntry returned "not found".
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
