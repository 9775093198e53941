package commands

import (
	"fmt"
	"os"

	"github.com/santiago-project/santiago/internal/printer"
	"github.com/spf13/cobra"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a starter santiago.yml",
	Long: `Create a santiago.yml in the current directory with a small example
ontology, risk policy, and reviewer list to edit from.

Use --force to overwrite an existing file.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Overwrite an existing santiago.yml")
	rootCmd.AddCommand(initCmd)
}

const starterConfig = `version: "1.0"

ontology:
  version: "1.0"
  entity_types:
    location:
      fields:
        name:
          kind: string
          required: true
        depth_m:
          kind: float
    vessel:
      fields:
        name:
          kind: string
          required: true
        status:
          kind: string
        berth:
          kind: ref
          ref_target: location

policy:
  # Entity types whose writes always need reviewer sign-off
  high_risk_types:
    - vessel
  medium_diff_fields: 3
  high_diff_fields: 10
  trusted_roles:
    - user
  required_approvals:
    high: 1

reviewers:
  - id: marina
    name: Marina

queue:
  lanes: 8
  lock_ttl: 30s
  lock_wait_timeout: 5s
  max_lock_retries: 5

committer:
  batch_size: 16
  flush_interval: 2s
  max_retries: 5
  retry_backoff: 500ms

approval:
  ttl: 4h
  sweep_interval: 10s

idempotency:
  retention: 48h

snapshot:
  every_n_commits: 500
`

func runInit(cmd *cobra.Command, args []string) error {
	if !forceInit {
		if _, err := os.Stat("santiago.yml"); err == nil {
			return printer.Error(
				"santiago.yml already exists",
				"Refusing to overwrite the existing configuration.",
				[]string{"Reinitialize anyway:\n  santiago init --force"},
			)
		}
	}

	if err := os.WriteFile("santiago.yml", []byte(starterConfig), 0644); err != nil {
		return fmt.Errorf("failed to write santiago.yml: %w", err)
	}

	printer.Success("Created santiago.yml\n")
	printer.Info("\nNext steps:\n")
	printer.Info("  • Edit the ontology and reviewer list for your deployment\n")
	printer.Info("  • Start the gatekeeper:\n")
	printer.Info("      SANTIAGO_INSTANCE_NAME=<name> REDIS_URL=redis://localhost:6379 gatekeeperd\n")
	printer.Info("  • Submit a first intent:\n")
	printer.Info("      santiago submit --entity location/harbor --author you --provenance manual --set name=Harbor\n")
	return nil
}
