package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/santiago-project/santiago/internal/printer"
	"github.com/santiago-project/santiago/pkg/graph"
	"github.com/spf13/cobra"
)

var (
	approveReviewer  string
	approveSignature string
)

var approveCmd = &cobra.Command{
	Use:   "approve <event-id>",
	Short: "Sign off on an intent held for approval",
	Long: `Record a reviewer approval for a write intent parked at the gate.

The reviewer must be listed in the instance's santiago.yml. Once the
intent has collected its required approvals it re-enters the pipeline
and commits.

Examples:
  santiago approve 6b4f0c1e-... --reviewer marina
  santiago approve 6b4f0c1e-... --reviewer marina --signature <detached-sig>`,
	Args: cobra.ExactArgs(1),
	RunE: runApprove,
}

func init() {
	approveCmd.Flags().StringVarP(&approveReviewer, "reviewer", "r", "", "Reviewer identity (required)")
	approveCmd.Flags().StringVar(&approveSignature, "signature", "", "Optional detached signature over the intent")
	approveCmd.MarkFlagRequired("reviewer")
	rootCmd.AddCommand(approveCmd)
}

func runApprove(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	eventID := args[0]

	pending, err := client.GetPendingApproval(ctx, eventID)
	if err != nil {
		if graph.IsNotFound(err) {
			return printer.Error(
				"event is not pending approval",
				fmt.Sprintf("No pending approval found for %q. It may have already resolved or expired.", eventID),
				[]string{"Check its outcome:\n  santiago status " + eventID},
			)
		}
		return err
	}

	if err := client.PublishApprovalEvent(ctx, &graph.ApprovalEvent{
		EventID: eventID,
		Approval: graph.Approval{
			ReviewerID: approveReviewer,
			SignedAtMs: time.Now().UnixMilli(),
			Signature:  approveSignature,
		},
	}); err != nil {
		return fmt.Errorf("failed to publish approval: %w", err)
	}

	have := len(pending.Event.Approvals) + 1
	printer.Success("Approval recorded for %s by %s\n", eventID, approveReviewer)
	printer.Field("risk tier", printer.Tier(pending.Tier))
	printer.Field("approvals", fmt.Sprintf("%d of %d required", have, pending.Required))
	if have < pending.Required {
		printer.Info("\nStill needs %d more sign-off(s).\n", pending.Required-have)
	}
	return nil
}
