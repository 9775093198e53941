// go:build integration
//go:build integration

package main

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/santiago-project/santiago/internal/config"
	"github.com/santiago-project/santiago/internal/engine"
	"github.com/santiago-project/santiago/pkg/graph"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container for testing.
func setupRedis(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisURL := fmt.Sprintf("redis://%s:%s", host, port.Port())

	cleanup := func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	}

	return redisURL, cleanup
}

func integrationConfig(t *testing.T) *config.Config {
	cfg := &config.Config{
		Version: "1.0",
		Ontology: config.OntologyConfig{
			Version: "1.0",
			EntityTypes: map[string]config.EntityTypeConfig{
				"location": {Fields: map[string]config.FieldConfig{
					"name":    {Kind: "string", Required: true},
					"depth_m": {Kind: "float"},
				}},
				"vessel": {Fields: map[string]config.FieldConfig{
					"name": {Kind: "string", Required: true},
				}},
			},
		},
		Policy: config.PolicyConfig{
			HighRiskTypes:     []string{"vessel"},
			RequiredApprovals: map[string]int{"high": 1},
		},
		Reviewers: []config.ReviewerConfig{{ID: "marina"}},
		Committer: config.CommitterConfig{
			BatchSize:     1,
			FlushInterval: config.Duration(50 * time.Millisecond),
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Invalid test config: %v", err)
	}
	return cfg
}

func startGatekeeper(t *testing.T, redisURL string) (*graph.Client, context.CancelFunc, chan error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("Failed to parse Redis URL: %v", err)
	}

	client, err := graph.NewClient(opts, "test-instance")
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	eng := engine.New(client, integrationConfig(t))
	errCh := make(chan error, 1)
	go func() {
		errCh <- eng.Run(ctx)
	}()

	// Give the gatekeeper time to subscribe
	time.Sleep(500 * time.Millisecond)

	return client, cancel, errCh
}

func submitIntent(t *testing.T, client *graph.Client, entityKey string, after map[string]string) *graph.WriteIntentEvent {
	event := &graph.WriteIntentEvent{
		SchemaVersion:  "1.0",
		EventID:        uuid.New().String(),
		EntityKey:      entityKey,
		Operation:      graph.OperationUpsert,
		Author:         graph.Author{Type: "agent", ID: "cartographer@1.4.2"},
		ProvenanceRef:  "run/2031",
		Diff:           graph.Diff{Before: map[string]string{}, After: after},
		IdempotencyKey: uuid.New().String(),
		SubmittedAtMs:  time.Now().UnixMilli(),
	}

	if err := client.SubmitIntent(context.Background(), event); err != nil {
		t.Fatalf("Failed to submit intent: %v", err)
	}

	return event
}

func waitForState(t *testing.T, client *graph.Client, eventID string, state graph.EventState) *graph.Outcome {
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		outcome, err := client.GetOutcome(ctx, eventID)
		if err == nil && outcome.State == state {
			return outcome
		}
		if err != nil && !graph.IsNotFound(err) {
			t.Fatalf("Unexpected error: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Event %s did not reach state %s within timeout", eventID, state)
	return nil
}

// TestGatekeeper_CommitsSubmittedIntent tests the happy path.
func TestGatekeeper_CommitsSubmittedIntent(t *testing.T) {
	redisURL, cleanup := setupRedis(t)
	defer cleanup()

	client, cancel, errCh := startGatekeeper(t, redisURL)
	defer client.Close()
	defer cancel()

	event := submitIntent(t, client, "location/harbor", map[string]string{"name": "Old Harbor", "depth_m": "12"})

	outcome := waitForState(t, client, event.EventID, graph.EventStateCommitted)
	if outcome.Sequence == 0 {
		t.Error("Expected a committed sequence, got 0")
	}

	entity, err := client.GetEntity(context.Background(), "location/harbor")
	if err != nil {
		t.Fatalf("Failed to read entity: %v", err)
	}
	if entity["name"] != "Old Harbor" {
		t.Errorf("Expected entity name 'Old Harbor', got %q", entity["name"])
	}

	// Stop gatekeeper
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Gatekeeper returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Gatekeeper did not shut down within timeout")
	}
}

// TestGatekeeper_ApprovalFlow verifies a high-risk intent parks and then
// commits once a reviewer signs off.
func TestGatekeeper_ApprovalFlow(t *testing.T) {
	redisURL, cleanup := setupRedis(t)
	defer cleanup()

	client, cancel, errCh := startGatekeeper(t, redisURL)
	defer client.Close()
	defer cancel()

	ctx := context.Background()

	event := submitIntent(t, client, "vessel/pearl", map[string]string{"name": "Pearl"})
	waitForState(t, client, event.EventID, graph.EventStatePendingApproval)

	err := client.PublishApprovalEvent(ctx, &graph.ApprovalEvent{
		EventID:  event.EventID,
		Approval: graph.Approval{ReviewerID: "marina", SignedAtMs: time.Now().UnixMilli()},
	})
	if err != nil {
		t.Fatalf("Failed to publish approval: %v", err)
	}

	waitForState(t, client, event.EventID, graph.EventStateCommitted)

	entity, err := client.GetEntity(ctx, "vessel/pearl")
	if err != nil {
		t.Fatalf("Failed to read entity: %v", err)
	}
	if entity["name"] != "Pearl" {
		t.Errorf("Expected entity name 'Pearl', got %q", entity["name"])
	}

	cancel()
	<-errCh
}

// TestGatekeeper_DuplicateIdempotencyKey verifies the second submission on a
// committed key dedupes instead of committing twice.
func TestGatekeeper_DuplicateIdempotencyKey(t *testing.T) {
	redisURL, cleanup := setupRedis(t)
	defer cleanup()

	client, cancel, errCh := startGatekeeper(t, redisURL)
	defer client.Close()
	defer cancel()

	first := submitIntent(t, client, "location/harbor", map[string]string{"name": "Old Harbor"})
	waitForState(t, client, first.EventID, graph.EventStateCommitted)

	second := &graph.WriteIntentEvent{
		SchemaVersion:  "1.0",
		EventID:        uuid.New().String(),
		EntityKey:      "location/harbor",
		Operation:      graph.OperationUpsert,
		Author:         first.Author,
		ProvenanceRef:  first.ProvenanceRef,
		Diff:           first.Diff,
		IdempotencyKey: first.IdempotencyKey,
		SubmittedAtMs:  time.Now().UnixMilli(),
	}
	if err := client.SubmitIntent(context.Background(), second); err != nil {
		t.Fatalf("Failed to submit duplicate: %v", err)
	}

	outcome := waitForState(t, client, second.EventID, graph.EventStateDeduped)
	if outcome.Decision != graph.DecisionDuplicate {
		t.Errorf("Expected decision duplicate, got %s", outcome.Decision)
	}

	cancel()
	<-errCh
}

// TestGatekeeper_HealthCheckEndpoint verifies /healthz and /readyz respond.
func TestGatekeeper_HealthCheckEndpoint(t *testing.T) {
	redisURL, cleanup := setupRedis(t)
	defer cleanup()

	client, cancel, errCh := startGatekeeper(t, redisURL)
	defer client.Close()
	defer cancel()

	resp, err := http.Get("http://localhost:8080/healthz")
	if err != nil {
		t.Fatalf("Failed to call health check: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 from /healthz, got %d", resp.StatusCode)
	}

	resp, err = http.Get("http://localhost:8080/readyz")
	if err != nil {
		t.Fatalf("Failed to call readiness check: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 from /readyz, got %d", resp.StatusCode)
	}

	cancel()
	<-errCh
}

// TestGatekeeper_GracefulShutdown verifies SIGTERM handling.
func TestGatekeeper_GracefulShutdown(t *testing.T) {
	redisURL, cleanup := setupRedis(t)
	defer cleanup()

	client, cancel, errCh := startGatekeeper(t, redisURL)
	defer client.Close()

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Gatekeeper returned error on shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Gatekeeper did not shut down within timeout")
	}
}
