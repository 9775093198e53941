package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/santiago-project/santiago/pkg/graph"
)

// PollForOutcome polls an event's outcome record until it reaches a terminal
// state or the timeout elapses. Polls every 200ms for the specified timeout
// duration.
func PollForOutcome(ctx context.Context, client *graph.Client, eventID string, timeout time.Duration) (*graph.Outcome, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for outcome after %v", timeout)

		case <-ticker.C:
			outcome, err := client.GetOutcome(ctx, eventID)
			if err != nil {
				if graph.IsNotFound(err) {
					// Not processed yet, continue polling
					continue
				}
				return nil, fmt.Errorf("failed to query for outcome: %w", err)
			}

			if !outcome.State.Terminal() {
				continue
			}

			return outcome, nil
		}
	}
}

// TailLedger streams ledger entries to the handler as they are appended,
// until the context is cancelled. The handler returning an error stops the
// tail.
func TailLedger(ctx context.Context, client *graph.Client, handler func(*graph.LedgerEntry) error) error {
	sub, err := client.SubscribeLedgerEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to ledger events: %w", err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case entry, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := handler(entry); err != nil {
				return err
			}

		case err, ok := <-sub.Errors():
			if !ok {
				return nil
			}
			return fmt.Errorf("ledger subscription error: %w", err)
		}
	}
}
