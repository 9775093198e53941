// Package committer groups approved write intents and flushes them to the
// shared graph atomically. The committer is the only component that mutates
// the graph outside a declared recovery window: lanes hand it events whose
// locks they hold, wait on a per-event result channel, and release the lock
// once the flush settles.
package committer

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/santiago-project/santiago/internal/ledger"
	"github.com/santiago-project/santiago/pkg/graph"
)

// Options tunes batch accumulation and the retry budget.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
	SnapshotEvery int64
}

// pendingCommit pairs an event with the channel its lane waits on.
type pendingCommit struct {
	event *graph.WriteIntentEvent
	done  chan error
}

// Committer accumulates approved events and flushes them on a size or time
// trigger, whichever comes first. Each flush is atomic: all entity
// mutations, outcome updates, and committed ledger entries land in one
// transaction or none do.
type Committer struct {
	client      *graph.Client
	appender    *ledger.Appender
	snapshotter *ledger.Snapshotter
	opts        Options

	in chan *pendingCommit

	// commits since the last snapshot, maintained by the run loop only
	sinceSnapshot int64
}

// New creates a batch committer. Run must be started before Submit is used.
func New(client *graph.Client, appender *ledger.Appender, snapshotter *ledger.Snapshotter, opts Options) *Committer {
	return &Committer{
		client:      client,
		appender:    appender,
		snapshotter: snapshotter,
		opts:        opts,
		in:          make(chan *pendingCommit, opts.BatchSize*2),
	}
}

// Submit hands an event to the committer. The caller must hold the entity
// lock and must keep holding it until the returned channel delivers the
// flush result. A nil result means the event is committed.
func (c *Committer) Submit(ctx context.Context, event *graph.WriteIntentEvent) (<-chan error, error) {
	pc := &pendingCommit{event: event, done: make(chan error, 1)}

	select {
	case c.in <- pc:
		return pc.done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run accumulates and flushes batches until the context is cancelled.
// A final flush drains whatever is buffered at shutdown.
func (c *Committer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()

	var batch []*pendingCommit

	for {
		select {
		case <-ctx.Done():
			// Shutdown flush runs on a fresh context; the run context is
			// already cancelled.
			if len(batch) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				c.flush(flushCtx, batch)
				cancel()
			}
			return nil

		case pc := <-c.in:
			batch = append(batch, pc)
			if len(batch) >= c.opts.BatchSize {
				c.flush(ctx, batch)
				batch = nil
				ticker.Reset(c.opts.FlushInterval)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				c.flush(ctx, batch)
				batch = nil
			}
		}
	}
}

// flush applies a batch atomically, retrying whole-batch on store failure
// up to the retry budget, then reports the result to every waiting lane.
func (c *Committer) flush(ctx context.Context, batch []*pendingCommit) {
	err := c.flushWithRetry(ctx, batch)

	for _, pc := range batch {
		pc.done <- err
	}

	if err != nil {
		log.Printf("[Committer] Batch of %d failed after retry budget: %v", len(batch), err)
		return
	}

	c.sinceSnapshot += int64(len(batch))
	if c.snapshotter != nil && c.sinceSnapshot >= c.opts.SnapshotEvery {
		if _, err := c.snapshotter.Take(ctx); err != nil {
			log.Printf("[Committer] Snapshot failed: %v", err)
		} else {
			c.sinceSnapshot = 0
		}
	}
}

// flushWithRetry retries the atomic flush with exponential backoff until it
// succeeds or the retry budget is exhausted.
func (c *Committer) flushWithRetry(ctx context.Context, batch []*pendingCommit) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.RetryBackoff
	policy.MaxElapsedTime = 0

	attempt := func() error {
		return c.apply(ctx, batch)
	}

	err := backoff.Retry(attempt, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(c.opts.MaxRetries)), ctx))
	if err != nil {
		return fmt.Errorf("store flush failed: %w", err)
	}

	return nil
}

// apply performs one atomic flush attempt: committed ledger entries, entity
// mutations, outcome records, and the committed-sequence marker in a single
// transaction via the appender.
func (c *Committer) apply(ctx context.Context, batch []*pendingCommit) error {
	instance := c.client.InstanceName()

	entries := make([]*graph.LedgerEntry, len(batch))
	for i, pc := range batch {
		e := pc.event
		entries[i] = &graph.LedgerEntry{
			EventID:        e.EventID,
			EntityKey:      e.EntityKey,
			IdempotencyKey: e.IdempotencyKey,
			Author:         e.Author,
			Decision:       graph.DecisionCommitted,
		}
	}

	_, err := c.appender.AppendAll(ctx, entries, func(pipe redis.Pipeliner) {
		now := time.Now().UnixMilli()

		for i, pc := range batch {
			e := pc.event
			entityKey := graph.EntityKey(instance, e.EntityKey)

			switch e.Operation {
			case graph.OperationUpsert:
				// Full replacement: remove fields dropped by the diff, then
				// write the desired state.
				pipe.Del(ctx, entityKey)
				if len(e.Diff.After) > 0 {
					fields := make(map[string]interface{}, len(e.Diff.After))
					for k, v := range e.Diff.After {
						fields[k] = v
					}
					pipe.HSet(ctx, entityKey, fields)
				}

			case graph.OperationDelete:
				pipe.Del(ctx, entityKey)
			}

			outcome := &graph.Outcome{
				EventID:        e.EventID,
				IdempotencyKey: e.IdempotencyKey,
				EntityKey:      e.EntityKey,
				State:          graph.EventStateCommitted,
				Decision:       graph.DecisionCommitted,
				Sequence:       entries[i].Sequence,
				UpdatedAtMs:    now,
			}
			pipe.HSet(ctx, graph.OutcomeKey(instance, e.EventID), graph.OutcomeToHash(outcome))
		}

		pipe.Set(ctx, graph.CommittedSeqKey(instance), entries[len(entries)-1].Sequence, 0)
	})

	return err
}
