package commands

import (
	"context"

	"github.com/santiago-project/santiago/internal/printer"
	"github.com/santiago-project/santiago/internal/replay"
	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild graph state from the ledger",
	Long: `Rebuild the graph from the latest verified snapshot plus the
committed ledger tail.

Replay opens a recovery window: the gatekeeper refuses new intents
until it completes. Run this against a stopped or quiesced instance
after 'santiago ledger verify' reports corruption, or to reconstruct
state on a fresh Redis.`,
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	printer.Step("Replaying ledger for instance '%s'...\n", client.InstanceName())

	summary, err := replay.New(client).Run(ctx)
	if err != nil {
		return printer.Error(
			"replay failed",
			err.Error(),
			[]string{"Inspect the chain first:\n  santiago ledger verify"},
		)
	}

	printer.Success("Replay complete\n")
	printer.Field("snapshot base", summary.SnapshotSequence)
	printer.Field("entries scanned", summary.EntriesScanned)
	printer.Field("commits applied", summary.CommitsApplied)
	printer.Field("final sequence", summary.FinalSequence)
	printer.Field("duration", summary.DurationMs)
	return nil
}
