package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santiago-project/santiago/internal/printer"
	"github.com/santiago-project/santiago/internal/watch"
	"github.com/santiago-project/santiago/pkg/graph"
	"github.com/spf13/cobra"
)

var (
	submitEntity        string
	submitOp            string
	submitAuthor        string
	submitAuthorType    string
	submitProvenance    string
	submitKey           string
	submitSchemaVersion string
	submitSet           []string
	submitUnset         []string
	submitApprovedBy    []string
	submitWait          bool
	submitTimeout       time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a write intent to the gate",
	Long: `Submit a write intent proposing a mutation of one graph entity.

The intent's before-image is read from the entity's current state, so a
write that races another author is rejected at commit time rather than
silently overwriting their work.

Examples:
  # Create or update fields on an entity
  santiago submit --entity location/harbor --author cartographer@1.4.2 --author-type agent \
    --provenance run/2031 --set name="Old Harbor" --set depth_m=12

  # Delete an entity (waits for the outcome)
  santiago submit --entity location/harbor --op delete --author marina --provenance manual --wait

  # Resubmit a logical intent with reviewer sign-off attached
  santiago submit --entity vessel/skiff --author tide@2.0.1 --author-type agent \
    --provenance run/2044 --key 7b0c... --set status=retired --approved-by marina`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitEntity, "entity", "e", "", "Entity key, e.g. location/harbor (required)")
	submitCmd.Flags().StringVar(&submitOp, "op", "upsert", "Operation: upsert or delete")
	submitCmd.Flags().StringVarP(&submitAuthor, "author", "a", "", "Author identity (required)")
	submitCmd.Flags().StringVar(&submitAuthorType, "author-type", "user", "Author type: agent or user")
	submitCmd.Flags().StringVarP(&submitProvenance, "provenance", "p", "", "Provenance reference for the intent (required)")
	submitCmd.Flags().StringVarP(&submitKey, "key", "k", "", "Idempotency key (generated if omitted)")
	submitCmd.Flags().StringVar(&submitSchemaVersion, "schema-version", "1.0", "Ontology schema version the diff conforms to")
	submitCmd.Flags().StringArrayVar(&submitSet, "set", nil, "Field to set, as key=value (repeatable)")
	submitCmd.Flags().StringArrayVar(&submitUnset, "unset", nil, "Field to remove (repeatable)")
	submitCmd.Flags().StringArrayVar(&submitApprovedBy, "approved-by", nil, "Reviewer ID to attach as a pre-collected approval (repeatable)")
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "Wait for the intent to reach a terminal outcome")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 30*time.Second, "How long --wait polls before giving up")
	submitCmd.MarkFlagRequired("entity")
	submitCmd.MarkFlagRequired("author")
	submitCmd.MarkFlagRequired("provenance")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	op := graph.Operation(submitOp)
	if err := op.Validate(); err != nil {
		return printer.Error(
			fmt.Sprintf("invalid operation %q", submitOp),
			"The gate accepts two operations.",
			[]string{"Use --op upsert or --op delete"},
		)
	}

	if op == graph.OperationUpsert && len(submitSet) == 0 && len(submitUnset) == 0 {
		return printer.Error(
			"upsert with no fields",
			"An upsert must change at least one field.",
			[]string{"Add fields:\n  santiago submit --entity " + submitEntity + " --set key=value ..."},
		)
	}

	diff, err := buildDiff(ctx, client, op)
	if err != nil {
		return err
	}

	key := submitKey
	if key == "" {
		key = uuid.New().String()
	}

	now := time.Now().UnixMilli()
	event := &graph.WriteIntentEvent{
		SchemaVersion:  submitSchemaVersion,
		EventID:        uuid.New().String(),
		EntityKey:      submitEntity,
		Operation:      op,
		Author:         graph.Author{Type: submitAuthorType, ID: submitAuthor},
		ProvenanceRef:  submitProvenance,
		Diff:           diff,
		IdempotencyKey: key,
		SubmittedAtMs:  now,
	}

	for _, reviewer := range submitApprovedBy {
		event.Approvals = append(event.Approvals, graph.Approval{
			ReviewerID: reviewer,
			SignedAtMs: now,
		})
	}

	if err := client.SubmitIntent(ctx, event); err != nil {
		return fmt.Errorf("failed to submit intent: %w", err)
	}

	printer.Success("Intent submitted: %s\n", event.EventID)
	printer.Field("entity", event.EntityKey)
	printer.Field("operation", string(event.Operation))
	printer.Field("idempotency key", event.IdempotencyKey)

	if !submitWait {
		printer.Info("\nCheck the outcome with:\n  santiago status %s\n", event.EventID)
		return nil
	}

	printer.Info("\nWaiting for outcome...\n")
	outcome, err := watch.PollForOutcome(ctx, client, event.EventID, submitTimeout)
	if err != nil {
		return err
	}

	printOutcome(outcome)
	return nil
}

// buildDiff reads the entity's current state as the before-image and applies
// the requested field changes to produce the after-image.
func buildDiff(ctx context.Context, client *graph.Client, op graph.Operation) (graph.Diff, error) {
	current, err := client.GetEntity(ctx, submitEntity)
	if err != nil {
		if !graph.IsNotFound(err) {
			return graph.Diff{}, fmt.Errorf("failed to read entity %s: %w", submitEntity, err)
		}
		current = map[string]string{}
	}

	if op == graph.OperationDelete {
		return graph.Diff{Before: current}, nil
	}

	after := make(map[string]string, len(current)+len(submitSet))
	for k, v := range current {
		after[k] = v
	}
	for _, pair := range submitSet {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return graph.Diff{}, printer.Error(
				fmt.Sprintf("invalid --set value %q", pair),
				"Fields are set as key=value pairs.",
				[]string{"Example:\n  --set depth_m=12"},
			)
		}
		after[k] = v
	}
	for _, k := range submitUnset {
		delete(after, k)
	}

	return graph.Diff{Before: current, After: after}, nil
}
