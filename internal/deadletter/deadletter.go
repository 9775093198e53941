// Package deadletter is the terminal holding area for events that failed or
// expired beyond their retry or approval limits, plus the retry path that
// feeds them back to intake.
package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/santiago-project/santiago/internal/ledger"
	"github.com/santiago-project/santiago/pkg/graph"
)

// Store writes dead letters with their ledger entries and outcome records,
// and requeues them on operator request.
type Store struct {
	client   *graph.Client
	appender *ledger.Appender
}

// NewStore creates a dead-letter store.
func NewStore(client *graph.Client, appender *ledger.Appender) *Store {
	return &Store{client: client, appender: appender}
}

// Bury dead-letters an event: stores the record, appends the ledger entry,
// and updates the queryable outcome. Attempts is the number of processing
// attempts already spent; retryable marks whether `santiago dlq retry` may
// requeue it (approval timeouts and cancellations need author action
// instead).
func (s *Store) Bury(ctx context.Context, event *graph.WriteIntentEvent, class graph.FailureClass, reason string, attempts int, retryable bool) error {
	now := time.Now().UnixMilli()

	existing, err := s.client.GetDeadLetter(ctx, event.EventID)
	firstFailed := now
	if err == nil {
		firstFailed = existing.FirstFailedAtMs
	} else if !graph.IsNotFound(err) {
		return err
	}

	dl := &graph.DeadLetter{
		Event:           *event,
		FailureClass:    class,
		Reason:          reason,
		Attempts:        attempts,
		FirstFailedAtMs: firstFailed,
		LastFailedAtMs:  now,
		Retryable:       retryable,
	}

	if err := s.client.PutDeadLetter(ctx, dl); err != nil {
		return err
	}

	if _, err := s.appender.Append(ctx, &graph.LedgerEntry{
		EventID:        event.EventID,
		EntityKey:      event.EntityKey,
		IdempotencyKey: event.IdempotencyKey,
		Author:         event.Author,
		Decision:       graph.DecisionDeadLettered,
		Reason:         fmt.Sprintf("%s: %s", class, reason),
	}); err != nil {
		return err
	}

	outcome := &graph.Outcome{
		EventID:        event.EventID,
		IdempotencyKey: event.IdempotencyKey,
		EntityKey:      event.EntityKey,
		State:          graph.EventStateDeadLettered,
		Decision:       graph.DecisionDeadLettered,
		Reason:         fmt.Sprintf("%s: %s", class, reason),
		UpdatedAtMs:    now,
	}

	return s.client.PutOutcome(ctx, outcome)
}

// Retry requeues a retryable dead letter as a fresh submission attempt. The
// new event keeps the idempotency key and provenance of the original but
// gets a new event ID, so the ledger distinguishes the attempts while the
// idempotency filter still sees one logical intent.
func (s *Store) Retry(ctx context.Context, eventID string) (*graph.WriteIntentEvent, error) {
	dl, err := s.client.GetDeadLetter(ctx, eventID)
	if err != nil {
		if graph.IsNotFound(err) {
			return nil, fmt.Errorf("event %s is not dead-lettered", eventID)
		}
		return nil, err
	}

	if !dl.Retryable {
		return nil, fmt.Errorf("event %s is not retryable (%s): author must resubmit", eventID, dl.FailureClass)
	}

	retry := dl.Event
	retry.EventID = uuid.New().String()
	retry.SubmittedAtMs = time.Now().UnixMilli()

	if err := s.client.SubmitIntent(ctx, &retry); err != nil {
		return nil, fmt.Errorf("failed to requeue dead letter: %w", err)
	}

	if err := s.client.RemoveDeadLetter(ctx, eventID); err != nil {
		return nil, err
	}

	return &retry, nil
}
