package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Pub/Sub subscriptions
//
// Subscriptions deliver full decoded objects on a buffered channel (size 10)
// to prevent blocking. If a subscriber is too slow, events may be dropped by
// Redis Pub/Sub (at-most-once delivery). Decode failures go to the Errors()
// channel and the subscription continues.

// ApprovalEvent announces an approval arrival (or cancellation) for a
// parked event.
type ApprovalEvent struct {
	EventID   string   `json:"event_id"`
	Approval  Approval `json:"approval,omitempty"`
	Cancelled bool     `json:"cancelled,omitempty"`
	AuthorID  string   `json:"author_id,omitempty"`
}

// Subscription is an active Pub/Sub subscription delivering decoded values
// of type T. Caller must call Close() when done to clean up resources.
type Subscription[T any] struct {
	events <-chan *T
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of decoded events.
// The channel is closed when the subscription is closed or the context is
// cancelled.
func (s *Subscription[T]) Events() <-chan *T {
	return s.events
}

// Errors returns the channel of subscription errors. Errors are non-fatal:
// the offending message is skipped and the subscription continues.
func (s *Subscription[T]) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times.
func (s *Subscription[T]) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// subscribe starts a Pub/Sub subscription on channel and decodes each
// message payload as JSON into T.
func subscribe[T any](ctx context.Context, c *Client, channel string) (*Subscription[T], error) {
	pubsub := c.rdb.Subscribe(ctx, channel)

	eventsChan := make(chan *T, 10)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var decoded T
				if err := json.Unmarshal([]byte(msg.Payload), &decoded); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal event on %s: %w", channel, err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &decoded:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription[T]{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// SubscribeIntentEvents subscribes to submitted write intents for this
// instance. Caller must call subscription.Close() when done.
func (c *Client) SubscribeIntentEvents(ctx context.Context) (*Subscription[WriteIntentEvent], error) {
	return subscribe[WriteIntentEvent](ctx, c, IntentEventsChannel(c.instanceName))
}

// SubscribeLedgerEvents subscribes to the ledger append stream for this
// instance. This is the observability feed: every gate decision is streamed
// here as it is recorded.
func (c *Client) SubscribeLedgerEvents(ctx context.Context) (*Subscription[LedgerEntry], error) {
	return subscribe[LedgerEntry](ctx, c, LedgerEventsChannel(c.instanceName))
}

// SubscribeApprovalEvents subscribes to approval arrivals and cancellations
// for this instance.
func (c *Client) SubscribeApprovalEvents(ctx context.Context) (*Subscription[ApprovalEvent], error) {
	return subscribe[ApprovalEvent](ctx, c, ApprovalEventsChannel(c.instanceName))
}

// PublishApprovalEvent announces an approval arrival or cancellation.
// The gate daemon wakes the parked event without polling.
func (c *Client) PublishApprovalEvent(ctx context.Context, ev *ApprovalEvent) error {
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal approval event: %w", err)
	}

	channel := ApprovalEventsChannel(c.instanceName)
	if err := c.rdb.Publish(ctx, channel, eventJSON).Err(); err != nil {
		return fmt.Errorf("failed to publish approval event: %w", err)
	}

	return nil
}
