package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/santiago-project/santiago/internal/deadletter"
	"github.com/santiago-project/santiago/internal/ledger"
	"github.com/santiago-project/santiago/internal/printer"
	"github.com/santiago-project/santiago/internal/trust"
	"github.com/santiago-project/santiago/pkg/graph"
	"github.com/spf13/cobra"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and retry dead-lettered intents",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered intents",
	Long: `List every intent in the dead-letter store with its failure class
and retry metadata, oldest failure first.`,
	RunE: runDlqList,
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <event-id>",
	Short: "Resubmit a retryable dead-lettered intent",
	Long: `Resubmit a dead-lettered intent as a fresh event.

The retried event keeps its idempotency key and payload but gets a new
event ID, so it travels the whole pipeline again. Non-retryable entries
(cancellations, expired approvals) are refused.

Example:
  santiago dlq retry 6b4f0c1e-...`,
	Args: cobra.ExactArgs(1),
	RunE: runDlqRetry,
}

func init() {
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	rootCmd.AddCommand(dlqCmd)
}

func runDlqList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	letters, err := client.ListDeadLetters(ctx)
	if err != nil {
		return fmt.Errorf("failed to list dead letters: %w", err)
	}

	if len(letters) == 0 {
		printer.Info("Dead-letter store is empty.\n")
		return nil
	}

	printer.Info("%d dead-lettered intent(s):\n\n", len(letters))
	for _, dl := range letters {
		printer.Info("%s\n", dl.Event.EventID)
		printer.Field("entity", dl.Event.EntityKey)
		printer.Field("author", dl.Event.Author.ID)
		printer.Field("failure class", string(dl.FailureClass))
		printer.Field("reason", dl.Reason)
		printer.Field("attempts", dl.Attempts)
		printer.Field("retryable", dl.Retryable)
		printer.Field("last failed", time.UnixMilli(dl.LastFailedAtMs).UTC().Format(time.RFC3339))
		printer.Println()
	}
	return nil
}

func runDlqRetry(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	store := deadletter.NewStore(client, ledger.NewAppender(client, trust.NewRecorder(client)))

	event, err := store.Retry(ctx, args[0])
	if err != nil {
		if graph.IsNotFound(err) {
			return printer.Error(
				"dead letter not found",
				fmt.Sprintf("No dead-lettered intent with event ID %q.", args[0]),
				[]string{"List what is buried:\n  santiago dlq list"},
			)
		}
		return err
	}

	printer.Success("Resubmitted as %s\n", event.EventID)
	printer.Field("entity", event.EntityKey)
	printer.Field("idempotency key", event.IdempotencyKey)
	printer.Info("\nTrack it with:\n  santiago status --wait %s\n", event.EventID)
	return nil
}
