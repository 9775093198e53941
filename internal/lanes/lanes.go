// Package lanes partitions the event stream by entity key into independent
// FIFO lanes. Events sharing an entity key always land in the same lane and
// are processed one at a time in arrival order; unrelated entities proceed
// fully in parallel. No event ever needs more than one lock, so deadlock is
// structurally impossible.
package lanes

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/santiago-project/santiago/pkg/graph"
)

// Handler processes one event on its lane. attempt counts processing
// attempts for this submission, starting at 1.
type Handler func(ctx context.Context, event *graph.WriteIntentEvent, attempt int)

type laneItem struct {
	event   *graph.WriteIntentEvent
	attempt int
}

// Pool is a fixed set of sequential lanes fed by entity-key hashing.
type Pool struct {
	lanes   []chan laneItem
	handler Handler

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewPool creates a pool of n lanes with the given per-lane buffer.
func NewPool(n, buffer int, handler Handler) *Pool {
	lanes := make([]chan laneItem, n)
	for i := range lanes {
		lanes[i] = make(chan laneItem, buffer)
	}
	return &Pool{lanes: lanes, handler: handler}
}

// Start launches one worker goroutine per lane. Workers exit when the
// context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		for _, lane := range p.lanes {
			p.wg.Add(1)
			go func(lane chan laneItem) {
				defer p.wg.Done()
				for {
					select {
					case <-ctx.Done():
						return
					case item := <-lane:
						p.handler(ctx, item.event, item.attempt)
					}
				}
			}(lane)
		}
	})
}

// Wait blocks until all lane workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Dispatch routes an event to its entity's lane. Blocks if the lane buffer
// is full, preserving FIFO order under backpressure.
func (p *Pool) Dispatch(ctx context.Context, event *graph.WriteIntentEvent, attempt int) error {
	lane := p.lanes[p.LaneFor(event.EntityKey)]

	select {
	case lane <- laneItem{event: event, attempt: attempt}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch cancelled for event %s: %w", event.EventID, ctx.Err())
	}
}

// LaneFor returns the lane index for an entity key (FNV-1a mod lane count).
func (p *Pool) LaneFor(entityKey string) int {
	h := fnv.New32a()
	h.Write([]byte(entityKey))
	return int(h.Sum32() % uint32(len(p.lanes)))
}

// AcquireLock takes the entity write lock, retrying with exponential
// backoff until it succeeds or waitTimeout elapses. Returns false if the
// lock could not be acquired within the window.
//
// Lanes already serialize events per entity within one instance; the Redis
// lock additionally excludes other instances and the replay engine.
func AcquireLock(ctx context.Context, client *graph.Client, entityKey, holder string, ttl, waitTimeout time.Duration) (bool, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 25 * time.Millisecond
	policy.MaxElapsedTime = waitTimeout

	attempt := func() error {
		acquired, err := client.AcquireEntityLock(ctx, entityKey, holder, ttl)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !acquired {
			return errLockBusy
		}
		return nil
	}

	err := backoff.Retry(attempt, backoff.WithContext(policy, ctx))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, errLockBusy) {
		// Backoff window exhausted without acquiring
		return false, nil
	}
	return false, err
}

// errLockBusy marks a contended (retryable) acquisition attempt.
var errLockBusy = errors.New("entity lock held by another writer")
