package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/santiago-project/santiago/internal/printer"
	"github.com/spf13/cobra"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List intents waiting for reviewer approval",
	RunE:  runPending,
}

func init() {
	rootCmd.AddCommand(pendingCmd)
}

func runPending(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	pending, err := client.ListPendingApprovals(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending approvals: %w", err)
	}

	if len(pending) == 0 {
		printer.Info("No intents pending approval.\n")
		return nil
	}

	printer.Info("%d intent(s) pending approval:\n\n", len(pending))
	for _, p := range pending {
		printer.Info("%s\n", p.Event.EventID)
		printer.Field("entity", p.Event.EntityKey)
		printer.Field("operation", string(p.Event.Operation))
		printer.Field("author", p.Event.Author.ID)
		printer.Field("risk tier", printer.Tier(p.Tier))
		printer.Field("approvals", fmt.Sprintf("%d of %d", len(p.Event.Approvals), p.Required))
		printer.Field("deadline", time.UnixMilli(p.DeadlineMs).UTC().Format(time.RFC3339))
		printer.Println()
	}

	printer.Info("Approve with:\n  santiago approve <event-id> --reviewer <id>\n")
	return nil
}
