package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/santiago-project/santiago/internal/ledger"
	"github.com/santiago-project/santiago/internal/printer"
	"github.com/santiago-project/santiago/internal/watch"
	"github.com/santiago-project/santiago/pkg/graph"
	"github.com/spf13/cobra"
)

var (
	ledgerTailLast int64
	ledgerFrom     int64
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the provenance ledger",
}

var ledgerTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Stream ledger entries as they are appended",
	Long: `Stream ledger entries live, optionally preceded by the most recent
existing entries. Stop with Ctrl+C.

Examples:
  santiago ledger tail
  santiago ledger tail --last 20`,
	RunE: runLedgerTail,
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify ledger integrity",
	Long: `Walk the ledger checking for sequence gaps, checksum chain breaks,
and head pointer drift.

Examples:
  # Verify the whole chain from genesis
  santiago ledger verify

  # Verify only the tail from a known-good sequence
  santiago ledger verify --from 12000`,
	RunE: runLedgerVerify,
}

func init() {
	ledgerTailCmd.Flags().Int64Var(&ledgerTailLast, "last", 0, "Also print the N most recent existing entries")
	ledgerVerifyCmd.Flags().Int64Var(&ledgerFrom, "from", 1, "Sequence to start verification at")
	ledgerCmd.AddCommand(ledgerTailCmd)
	ledgerCmd.AddCommand(ledgerVerifyCmd)
	rootCmd.AddCommand(ledgerCmd)
}

func runLedgerTail(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if ledgerTailLast > 0 {
		head, err := client.LedgerSequence(ctx)
		if err != nil {
			return err
		}
		from := head - ledgerTailLast + 1
		if from < 1 {
			from = 1
		}
		for seq := from; seq <= head; seq++ {
			entry, err := client.GetLedgerEntry(ctx, seq)
			if err != nil {
				if graph.IsNotFound(err) {
					continue
				}
				return err
			}
			printLedgerEntry(entry)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	printer.Info("Tailing ledger (Ctrl+C to stop)...\n")
	return watch.TailLedger(ctx, client, func(entry *graph.LedgerEntry) error {
		printLedgerEntry(entry)
		return nil
	})
}

func runLedgerVerify(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var report *ledger.Report
	if ledgerFrom <= 1 {
		report, err = ledger.Verify(ctx, client)
	} else {
		anchorEntry, aerr := client.GetLedgerEntry(ctx, ledgerFrom-1)
		if aerr != nil {
			return fmt.Errorf("cannot anchor verification at %d: %w", ledgerFrom, aerr)
		}
		report, err = ledger.VerifyTail(ctx, client, ledgerFrom, anchorEntry.Checksum)
	}
	var corruption *ledger.CorruptionError
	if err != nil && !errors.As(err, &corruption) {
		return err
	}

	if report.Clean() {
		printer.Success("Ledger verified: %d entries, sequences %d..%d, chain intact\n",
			report.Entries, report.FromSequence, report.ToSequence)
		return nil
	}

	printer.Warning("Ledger verification found problems\n\n")
	printer.Printf("%s\n", ledger.MarshalReport(report))
	return printer.Error(
		"ledger integrity check failed",
		fmt.Sprintf("%d gap(s) and %d checksum break(s) detected.", len(report.Gaps), len(report.ChecksumBreaks)),
		[]string{"Recover from the latest verified snapshot:\n  santiago replay"},
	)
}

func printLedgerEntry(entry *graph.LedgerEntry) {
	printer.Printf("%8d  %s  %-16s  %-24s  %s  %s\n",
		entry.Sequence,
		time.UnixMilli(entry.TimestampMs).UTC().Format(time.RFC3339),
		printer.Decision(entry.Decision),
		entry.EntityKey,
		entry.Author.ID,
		entry.Reason,
	)
}
