package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/santiago-project/santiago/internal/printer"
	"github.com/santiago-project/santiago/internal/watch"
	"github.com/santiago-project/santiago/pkg/graph"
	"github.com/spf13/cobra"
)

var (
	statusByKey   bool
	statusWait    bool
	statusTimeout time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status <event-id>",
	Short: "Show the outcome of a write intent",
	Long: `Show the current outcome record for a write intent.

Examples:
  # Look up by event ID
  santiago status 6b4f0c1e-...

  # Look up by idempotency key instead
  santiago status --by-key 7b0c...

  # Block until the intent reaches a terminal state
  santiago status --wait 6b4f0c1e-...`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusByKey, "by-key", false, "Treat the argument as an idempotency key")
	statusCmd.Flags().BoolVarP(&statusWait, "wait", "w", false, "Wait for a terminal outcome")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 30*time.Second, "How long --wait polls before giving up")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var outcome *graph.Outcome
	if statusByKey {
		outcome, err = client.GetOutcomeByIdempotencyKey(ctx, args[0])
	} else if statusWait {
		outcome, err = watch.PollForOutcome(ctx, client, args[0], statusTimeout)
	} else {
		outcome, err = client.GetOutcome(ctx, args[0])
	}
	if err != nil {
		if graph.IsNotFound(err) {
			return printer.Error(
				"outcome not found",
				fmt.Sprintf("No outcome recorded for %q. The intent may not have been received yet.", args[0]),
				[]string{"Retry shortly, or wait for it:\n  santiago status --wait " + args[0]},
			)
		}
		return err
	}

	printOutcome(outcome)
	return nil
}

func printOutcome(outcome *graph.Outcome) {
	printer.Info("Outcome for %s\n", outcome.EventID)
	printer.Field("entity", outcome.EntityKey)
	printer.Field("state", string(outcome.State))
	if outcome.Decision != "" {
		printer.Field("decision", printer.Decision(outcome.Decision))
	}
	if outcome.Reason != "" {
		printer.Field("reason", outcome.Reason)
	}
	if outcome.Sequence > 0 {
		printer.Field("ledger sequence", outcome.Sequence)
	}
	printer.Field("updated", time.UnixMilli(outcome.UpdatedAtMs).UTC().Format(time.RFC3339))
}
