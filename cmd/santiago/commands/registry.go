package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/santiago-project/santiago/internal/printer"
	"github.com/santiago-project/santiago/pkg/graph"
	"github.com/spf13/cobra"
)

var registryCmd = &cobra.Command{
	Use:   "registry [author-id]",
	Short: "Show trust registry entries",
	Long: `Show the trust registry, the per-writer summary of historical gate
outcomes derived from the ledger.

Examples:
  # All writers
  santiago registry

  # One writer
  santiago registry cartographer@1.4.2`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRegistry,
}

func init() {
	rootCmd.AddCommand(registryCmd)
}

func runRegistry(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if len(args) == 1 {
		entry, err := client.GetTrustEntry(ctx, args[0])
		if err != nil {
			if graph.IsNotFound(err) {
				return printer.Error(
					"writer not found",
					fmt.Sprintf("No trust registry entry for %q; it has no terminal gate outcomes yet.", args[0]),
					[]string{"List all writers:\n  santiago registry"},
				)
			}
			return err
		}
		printTrustEntry(entry)
		return nil
	}

	entries, err := client.ListTrustEntries(ctx)
	if err != nil {
		return fmt.Errorf("failed to list trust entries: %w", err)
	}

	if len(entries) == 0 {
		printer.Info("Trust registry is empty; no writer has a terminal outcome yet.\n")
		return nil
	}

	for _, entry := range entries {
		printTrustEntry(entry)
		printer.Println()
	}
	return nil
}

func printTrustEntry(entry *graph.TrustRegistryEntry) {
	printer.Info("%s\n", entry.ID)
	printer.Field("pass rate", fmt.Sprintf("%.2f%%", entry.PassRate*100))
	printer.Field("committed", entry.Committed)
	printer.Field("rejected", entry.Rejected)
	printer.Field("dead lettered", entry.DeadLettered)
	if entry.UpdatedAtMs > 0 {
		printer.Field("updated", time.UnixMilli(entry.UpdatedAtMs).UTC().Format(time.RFC3339))
	}
}
