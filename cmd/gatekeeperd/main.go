package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/santiago-project/santiago/internal/config"
	"github.com/santiago-project/santiago/internal/engine"
	"github.com/santiago-project/santiago/pkg/graph"
)

func main() {
	// 1. Load environment variables
	instanceName := os.Getenv("SANTIAGO_INSTANCE_NAME")
	redisURL := os.Getenv("REDIS_URL")

	if instanceName == "" || redisURL == "" {
		fmt.Fprintf(os.Stderr, "Error: SANTIAGO_INSTANCE_NAME and REDIS_URL must be set\n")
		os.Exit(1)
	}

	configPath := os.Getenv("SANTIAGO_CONFIG")
	if configPath == "" {
		configPath = "santiago.yml"
	}

	// 2. Parse Redis URL
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid REDIS_URL: %v\n", err)
		os.Exit(1)
	}

	// 3. Create graph client
	client, err := graph.NewClient(redisOpts, instanceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to create graph client: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	// 4. Verify Redis connectivity
	ctx := context.Background()
	if err := client.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Redis not accessible: %v\n", err)
		os.Exit(1)
	}

	// 5. Load santiago.yml configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to load %s: %v\n", configPath, err)
		os.Exit(1)
	}

	fmt.Printf("Gatekeeper starting for instance '%s' (ontology %s, %d entity types)\n",
		instanceName, cfg.Ontology.Version, len(cfg.Ontology.EntityTypes))

	// 6. Create pipeline engine
	eng := engine.New(client, cfg)

	// 7. Setup graceful shutdown
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	// 8. Start engine in goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- eng.Run(runCtx)
	}()

	// 9. Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		fmt.Printf("Received signal %v, shutting down gracefully...\n", sig)
		cancel()
		// Wait for engine to finish
		<-errCh
	case runErr := <-errCh:
		if runErr != nil {
			fmt.Fprintf(os.Stderr, "Gatekeeper error: %v\n", runErr)
			os.Exit(1)
		}
	}

	fmt.Println("Gatekeeper stopped")
}
