package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/santiago-project/santiago/internal/printer"
	"github.com/santiago-project/santiago/pkg/graph"
	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string
)

var (
	instanceName string
	redisURL     string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "santiago",
	Short: "Santiago - write gate for the shared knowledge graph",
	Long: `Santiago mediates every mutation of the shared knowledge graph through
a single write gate: intents are validated against the ontology, serialized
per entity, risk-classified, held for reviewer approval when needed, and
committed in atomic batches.

Every decision lands in an append-only, checksummed provenance ledger that
supports verification and full state replay.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&instanceName, "instance", "i", "", "Instance name (defaults to SANTIAGO_INSTANCE_NAME)")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", "", "Redis URL (defaults to REDIS_URL, then redis://localhost:6379)")
}

// connect resolves the target instance and opens a graph client against it.
func connect(ctx context.Context) (*graph.Client, error) {
	name := instanceName
	if name == "" {
		name = os.Getenv("SANTIAGO_INSTANCE_NAME")
	}
	if name == "" {
		return nil, printer.Error(
			"no instance specified",
			"Santiago needs to know which instance to target.",
			[]string{
				"Pass it explicitly:\n  santiago --instance <name> ...",
				"Or set the environment variable:\n  export SANTIAGO_INSTANCE_NAME=<name>",
			},
		)
	}

	url := redisURL
	if url == "" {
		url = os.Getenv("REDIS_URL")
	}
	if url == "" {
		url = "redis://localhost:6379"
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client, err := graph.NewClient(opts, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph client: %w", err)
	}

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, printer.Error(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s: %v", url, err),
			[]string{"Check that the gatekeeper instance's Redis is running and REDIS_URL points at it."},
		)
	}

	return client, nil
}
