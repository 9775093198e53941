package commands

import (
	"context"
	"fmt"

	"github.com/santiago-project/santiago/internal/printer"
	"github.com/santiago-project/santiago/pkg/graph"
	"github.com/spf13/cobra"
)

var cancelAuthor string

var cancelCmd = &cobra.Command{
	Use:   "cancel <event-id>",
	Short: "Withdraw an intent pending approval",
	Long: `Withdraw a write intent that is parked awaiting approval.

Only the submitting author may cancel, and only while the intent is
pending. A committed intent cannot be cancelled; submit a compensating
write instead.

Example:
  santiago cancel 6b4f0c1e-... --author cartographer@1.4.2`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	cancelCmd.Flags().StringVarP(&cancelAuthor, "author", "a", "", "Author identity of the original intent (required)")
	cancelCmd.MarkFlagRequired("author")
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	eventID := args[0]

	if _, err := client.GetPendingApproval(ctx, eventID); err != nil {
		if graph.IsNotFound(err) {
			return printer.Error(
				"event is not pending approval",
				fmt.Sprintf("No pending approval found for %q; only parked intents can be cancelled.", eventID),
				[]string{"Check its outcome:\n  santiago status " + eventID},
			)
		}
		return err
	}

	if err := client.PublishApprovalEvent(ctx, &graph.ApprovalEvent{
		EventID:   eventID,
		Cancelled: true,
		AuthorID:  cancelAuthor,
	}); err != nil {
		return fmt.Errorf("failed to publish cancellation: %w", err)
	}

	printer.Success("Cancellation requested for %s\n", eventID)
	printer.Info("The gate will verify authorship and dead-letter the intent.\n")
	return nil
}
