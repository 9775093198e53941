// Package engine wires the full write pipeline: intake with idempotency
// filtering and schema validation, per-entity lanes with lock gating, risk
// classification with an approval gate, and the batch committer feeding the
// append-only ledger.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/santiago-project/santiago/internal/committer"
	"github.com/santiago-project/santiago/internal/config"
	"github.com/santiago-project/santiago/internal/deadletter"
	"github.com/santiago-project/santiago/internal/gate"
	"github.com/santiago-project/santiago/internal/lanes"
	"github.com/santiago-project/santiago/internal/ledger"
	"github.com/santiago-project/santiago/internal/risk"
	"github.com/santiago-project/santiago/internal/schema"
	"github.com/santiago-project/santiago/internal/trust"
	"github.com/santiago-project/santiago/pkg/graph"
)

// staleBindingGrace is how long an idempotency binding may sit with no
// recorded outcome before it is treated as the residue of a crashed run.
// Normal processing writes an outcome within milliseconds of reserving.
const staleBindingGrace = time.Minute

// Engine is the long-running write gate. It consumes intent events from the
// intake channel, drives them through validation, locking, classification,
// and approval, and hands survivors to the committer.
type Engine struct {
	client       *graph.Client
	cfg          *config.Config
	instanceName string

	validator   *schema.Validator
	classifier  *risk.Classifier
	appender    *ledger.Appender
	snapshotter *ledger.Snapshotter
	committer   *committer.Committer
	dlq         *deadletter.Store
	gate        *gate.Gate
	pool        *lanes.Pool

	healthServer *HealthServer
}

// New assembles an engine from config. The committer, gate sweeper, and lane
// pool are constructed here but only start inside Run.
func New(client *graph.Client, cfg *config.Config) *Engine {
	e := &Engine{
		client:       client,
		cfg:          cfg,
		instanceName: client.InstanceName(),
		validator:    schema.NewValidator(cfg.Ontology),
		classifier:   risk.NewClassifier(cfg.Policy),
	}

	e.appender = ledger.NewAppender(client, trust.NewRecorder(client))
	e.snapshotter = ledger.NewSnapshotter(client)

	e.committer = committer.New(client, e.appender, e.snapshotter, committer.Options{
		BatchSize:     cfg.Committer.BatchSize,
		FlushInterval: cfg.Committer.FlushInterval.Std(),
		MaxRetries:    cfg.Committer.MaxRetries,
		RetryBackoff:  cfg.Committer.RetryBackoff.Std(),
		SnapshotEvery: cfg.Snapshot.EveryNCommits,
	})

	e.dlq = deadletter.NewStore(client, e.appender)
	e.gate = gate.New(client, e.appender, e.dlq, cfg.IsReviewer, e.resumeApproved,
		cfg.Approval.TTL.Std(), cfg.Approval.SweepInterval.Std())
	e.pool = lanes.NewPool(cfg.Queue.Lanes, cfg.Queue.LaneBuffer, e.handleLaneEvent)

	e.healthServer = NewHealthServer(client)

	return e
}

// Run starts the engine and blocks until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.startupCheck(ctx); err != nil {
		return err
	}

	if err := e.healthServer.Start(); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}
	defer e.healthServer.Shutdown(context.Background())

	log.Printf("[Gatekeeper] Starting for instance '%s' (%d lanes)", e.instanceName, e.cfg.Queue.Lanes)

	intents, err := e.client.SubscribeIntentEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to intent events: %w", err)
	}
	defer intents.Close()

	approvals, err := e.client.SubscribeApprovalEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to approval events: %w", err)
	}
	defer approvals.Close()

	e.pool.Start(ctx)
	go func() {
		if err := e.committer.Run(ctx); err != nil {
			log.Printf("[Gatekeeper] Committer stopped: %v", err)
		}
	}()
	go func() {
		if err := e.gate.Run(ctx); err != nil {
			log.Printf("[Gatekeeper] Approval sweeper stopped: %v", err)
		}
	}()

	e.healthServer.SetReady(true)
	log.Printf("[Gatekeeper] Subscribed to intent_events and approval_events")

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Gatekeeper] Shutting down...")
			e.healthServer.SetReady(false)
			e.pool.Wait()
			return nil

		case event, ok := <-intents.Events():
			if !ok {
				log.Printf("[Gatekeeper] Intent subscription closed")
				return nil
			}

			e.logEvent("intent_received", map[string]interface{}{
				"event_id":   event.EventID,
				"entity_key": event.EntityKey,
				"operation":  string(event.Operation),
				"author":     event.Author.ID,
			})

			if err := e.handleIntake(ctx, event); err != nil {
				log.Printf("[Gatekeeper] Error processing intent %s: %v", event.EventID, err)
				// Continue processing - don't crash on single event failure
			}

		case ev, ok := <-approvals.Events():
			if !ok {
				log.Printf("[Gatekeeper] Approval subscription closed")
				return nil
			}

			if err := e.gate.HandleApproval(ctx, ev); err != nil {
				log.Printf("[Gatekeeper] Error processing approval for %s: %v", ev.EventID, err)
			}

		case err, ok := <-intents.Errors():
			if !ok {
				return nil
			}
			log.Printf("[Gatekeeper] Intent subscription error: %v", err)

		case err, ok := <-approvals.Errors():
			if !ok {
				return nil
			}
			log.Printf("[Gatekeeper] Approval subscription error: %v", err)
		}
	}
}

// startupCheck refuses to serve over a ledger that failed verification or an
// unfinished recovery window.
func (e *Engine) startupCheck(ctx context.Context) error {
	recovering, err := e.client.InRecoveryMode(ctx)
	if err != nil {
		return fmt.Errorf("failed to check recovery mode: %w", err)
	}
	if recovering {
		return fmt.Errorf("instance '%s' has an unfinished recovery window; run 'santiago replay' to completion first", e.instanceName)
	}

	report, err := e.verifyTailFromSnapshot(ctx)
	if err != nil {
		var corruption *ledger.CorruptionError
		if errors.As(err, &corruption) {
			return fmt.Errorf("ledger tail is corrupted (%d gaps, %d checksum breaks); refusing to start, run 'santiago ledger verify' for details",
				len(corruption.Report.Gaps), len(corruption.Report.ChecksumBreaks))
		}
		return fmt.Errorf("ledger verification failed at startup: %w", err)
	}

	pending, err := e.client.ListPendingApprovals(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending approvals: %w", err)
	}

	log.Printf("[Gatekeeper] Startup check passed: ledger verified through %d, %d events pending approval",
		report.ToSequence, len(pending))
	return nil
}

// verifyTailFromSnapshot verifies the ledger from the latest snapshot's
// sequence onward, anchored at the entry the snapshot covers. With no
// snapshot the whole chain is walked from genesis.
func (e *Engine) verifyTailFromSnapshot(ctx context.Context) (*ledger.Report, error) {
	snap, err := e.client.LatestSnapshot(ctx)
	if err != nil {
		if graph.IsNotFound(err) {
			return ledger.Verify(ctx, e.client)
		}
		return nil, err
	}

	if snap.LastSequence == 0 {
		return ledger.Verify(ctx, e.client)
	}

	anchorEntry, err := e.client.GetLedgerEntry(ctx, snap.LastSequence)
	if err != nil {
		return nil, fmt.Errorf("snapshot references missing ledger entry %d: %w", snap.LastSequence, err)
	}

	return ledger.VerifyTail(ctx, e.client, snap.LastSequence+1, anchorEntry.Checksum)
}

// handleIntake runs the pre-lock pipeline stages for a freshly submitted
// event: the idempotency filter and the schema validator. Both complete
// without touching any entity lock.
func (e *Engine) handleIntake(ctx context.Context, event *graph.WriteIntentEvent) error {
	recovering, err := e.client.InRecoveryMode(ctx)
	if err != nil {
		return fmt.Errorf("failed to check recovery mode: %w", err)
	}
	if recovering {
		e.logEvent("intent_refused_recovery", map[string]interface{}{
			"event_id": event.EventID,
		})
		return e.client.PutOutcome(ctx, &graph.Outcome{
			EventID:        event.EventID,
			IdempotencyKey: event.IdempotencyKey,
			EntityKey:      event.EntityKey,
			State:          graph.EventStateRejected,
			Decision:       graph.DecisionRejected,
			Reason:         "instance is replaying its ledger; resubmit after recovery completes",
			UpdatedAtMs:    time.Now().UnixMilli(),
		})
	}

	proceed, err := e.filterDuplicate(ctx, event)
	if err != nil {
		return err
	}
	if !proceed {
		return nil
	}

	if verr := e.validator.Validate(event); verr != nil {
		return e.rejectEvent(ctx, event, graph.EventStateSchemaRejected, verr.Error())
	}

	if _, err := e.appender.Append(ctx, &graph.LedgerEntry{
		EventID:        event.EventID,
		EntityKey:      event.EntityKey,
		IdempotencyKey: event.IdempotencyKey,
		Author:         event.Author,
		Decision:       graph.DecisionAccepted,
		Reason:         "passed idempotency and schema checks",
	}); err != nil {
		return fmt.Errorf("failed to record acceptance: %w", err)
	}

	if err := e.client.PutOutcome(ctx, &graph.Outcome{
		EventID:        event.EventID,
		IdempotencyKey: event.IdempotencyKey,
		EntityKey:      event.EntityKey,
		State:          graph.EventStateLockWait,
		Decision:       graph.DecisionAccepted,
		UpdatedAtMs:    time.Now().UnixMilli(),
	}); err != nil {
		return err
	}

	return e.pool.Dispatch(ctx, event, 1)
}

// filterDuplicate applies the idempotency filter. It returns false when the
// event is a duplicate and has been fully resolved here. A key whose prior
// attempt terminated without a commit is rebound to the new event, so an
// author can resubmit after a rejection or an expired approval.
func (e *Engine) filterDuplicate(ctx context.Context, event *graph.WriteIntentEvent) (bool, error) {
	retention := e.cfg.Idempotency.Retention.Std()

	reserved, priorEventID, err := e.client.ReserveIdempotencyKey(ctx, event.IdempotencyKey, event.EventID, retention)
	if err != nil {
		return false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	if reserved {
		return true, nil
	}

	if priorEventID == event.EventID {
		// Redelivery of the same event record; the first delivery owns it.
		return false, nil
	}

	prior, err := e.client.GetOutcome(ctx, priorEventID)
	if err != nil && !graph.IsNotFound(err) {
		return false, fmt.Errorf("failed to fetch prior outcome for key %s: %w", event.IdempotencyKey, err)
	}

	// A bound key whose event never got an outcome means a prior run crashed
	// between reserving the key and recording a result. Past a grace window
	// the binding is stale; holding it for the full retention would block
	// legitimate resubmission.
	if prior == nil && e.staleBinding(ctx, priorEventID) {
		if err := e.client.RebindIdempotencyKey(ctx, event.IdempotencyKey, event.EventID, retention); err != nil {
			return false, fmt.Errorf("failed to rebind idempotency key: %w", err)
		}
		e.logEvent("idempotency_key_rebound", map[string]interface{}{
			"event_id":        event.EventID,
			"prior_event_id":  priorEventID,
			"prior_state":     "unresolved",
			"idempotency_key": event.IdempotencyKey,
		})
		return true, nil
	}

	// A prior attempt that terminated without committing does not burn the
	// key: rebind it so the author can resubmit with corrections or with
	// reviewer approvals attached.
	if prior != nil && (prior.State == graph.EventStateRejected ||
		prior.State == graph.EventStateSchemaRejected ||
		prior.State == graph.EventStateDeadLettered) {
		if err := e.client.RebindIdempotencyKey(ctx, event.IdempotencyKey, event.EventID, retention); err != nil {
			return false, fmt.Errorf("failed to rebind idempotency key: %w", err)
		}
		e.logEvent("idempotency_key_rebound", map[string]interface{}{
			"event_id":        event.EventID,
			"prior_event_id":  priorEventID,
			"prior_state":     string(prior.State),
			"idempotency_key": event.IdempotencyKey,
		})
		return true, nil
	}

	reason := fmt.Sprintf("idempotency key already bound to event %s", priorEventID)
	if prior != nil && prior.State == graph.EventStateCommitted {
		reason = fmt.Sprintf("already committed as event %s at sequence %d", priorEventID, prior.Sequence)
	}

	if _, err := e.appender.Append(ctx, &graph.LedgerEntry{
		EventID:        event.EventID,
		EntityKey:      event.EntityKey,
		IdempotencyKey: event.IdempotencyKey,
		Author:         event.Author,
		Decision:       graph.DecisionDuplicate,
		Reason:         reason,
	}); err != nil {
		return false, fmt.Errorf("failed to record duplicate: %w", err)
	}

	e.logEvent("duplicate_intent", map[string]interface{}{
		"event_id":        event.EventID,
		"prior_event_id":  priorEventID,
		"idempotency_key": event.IdempotencyKey,
	})

	return false, e.client.PutOutcome(ctx, &graph.Outcome{
		EventID:        event.EventID,
		IdempotencyKey: event.IdempotencyKey,
		EntityKey:      event.EntityKey,
		State:          graph.EventStateDeduped,
		Decision:       graph.DecisionDuplicate,
		Reason:         reason,
		UpdatedAtMs:    time.Now().UnixMilli(),
	})
}

// staleBinding reports whether an outcome-less idempotency binding belongs
// to a crashed prior run. A missing event record is immediately stale; an
// existing one is stale once it has sat longer than the grace window.
func (e *Engine) staleBinding(ctx context.Context, priorEventID string) bool {
	priorEvent, err := e.client.GetEvent(ctx, priorEventID)
	if err != nil {
		return graph.IsNotFound(err)
	}
	return time.Since(time.UnixMilli(priorEvent.SubmittedAtMs)) > staleBindingGrace
}

// handleLaneEvent is the per-lane worker body. It runs with intake already
// passed: acquire the entity lock, check the base state, classify risk, and
// either park for approval or commit. The lock is held from acquisition
// until the flush result returns or the event leaves the commit path.
func (e *Engine) handleLaneEvent(ctx context.Context, event *graph.WriteIntentEvent, attempt int) {
	acquired, err := lanes.AcquireLock(ctx, e.client, event.EntityKey, event.EventID,
		e.cfg.Queue.LockTTL.Std(), e.cfg.Queue.LockWaitTimeout.Std())
	if err != nil {
		log.Printf("[Gatekeeper] Lock acquisition error for %s: %v", event.EventID, err)
		e.retryOrBury(ctx, event, attempt)
		return
	}
	if !acquired {
		e.logEvent("lock_contended", map[string]interface{}{
			"event_id":   event.EventID,
			"entity_key": event.EntityKey,
			"attempt":    attempt,
		})
		e.retryOrBury(ctx, event, attempt)
		return
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if _, err := e.client.ReleaseEntityLock(ctx, event.EntityKey, event.EventID); err != nil {
			log.Printf("[Gatekeeper] Failed to release lock on %s: %v", event.EntityKey, err)
		}
	}
	defer release()

	stale, reason, err := e.baseConflicts(ctx, event)
	if err != nil {
		log.Printf("[Gatekeeper] Conflict check failed for %s: %v", event.EventID, err)
		e.retryOrBury(ctx, event, attempt)
		return
	}
	if stale {
		release()
		if err := e.rejectEvent(ctx, event, graph.EventStateRejected, reason); err != nil {
			log.Printf("[Gatekeeper] Failed to record rejection of %s: %v", event.EventID, err)
		}
		return
	}

	entityType, err := e.validator.EntityType(event.EntityKey)
	if err != nil {
		release()
		if err := e.rejectEvent(ctx, event, graph.EventStateRejected, err.Error()); err != nil {
			log.Printf("[Gatekeeper] Failed to record rejection of %s: %v", event.EventID, err)
		}
		return
	}

	tier := e.classifier.Classify(entityType, event)
	required := e.classifier.RequiredApprovals(tier)

	if e.countValidApprovals(event) < required {
		// Parking must not pin the entity: drop the lock first.
		release()
		e.logEvent("parked_for_approval", map[string]interface{}{
			"event_id":   event.EventID,
			"entity_key": event.EntityKey,
			"risk_tier":  string(tier),
			"required":   required,
		})
		if err := e.gate.Park(ctx, event, tier, required); err != nil {
			log.Printf("[Gatekeeper] Failed to park %s: %v", event.EventID, err)
		}
		return
	}

	if err := e.client.PutOutcome(ctx, &graph.Outcome{
		EventID:        event.EventID,
		IdempotencyKey: event.IdempotencyKey,
		EntityKey:      event.EntityKey,
		State:          graph.EventStateCommitting,
		Decision:       graph.DecisionAccepted,
		UpdatedAtMs:    time.Now().UnixMilli(),
	}); err != nil {
		log.Printf("[Gatekeeper] Failed to mark %s committing: %v", event.EventID, err)
	}

	done, err := e.committer.Submit(ctx, event)
	if err != nil {
		release()
		e.buryCommitFailure(ctx, event, attempt, err)
		return
	}

	select {
	case err := <-done:
		release()
		if err != nil {
			e.buryCommitFailure(ctx, event, attempt, err)
			return
		}
		e.logEvent("committed", map[string]interface{}{
			"event_id":   event.EventID,
			"entity_key": event.EntityKey,
			"risk_tier":  string(tier),
		})

	case <-ctx.Done():
		// Shutdown mid-commit. The flush either landed or it didn't; the
		// lock TTL reclaims the entity and startup verification covers the
		// ledger, so just let go.
		release()
	}
}

// baseConflicts compares the event's declared before image against the
// entity's current state. Any divergence means another writer got there
// first and the intent was built on a stale read.
func (e *Engine) baseConflicts(ctx context.Context, event *graph.WriteIntentEvent) (bool, string, error) {
	current, err := e.client.GetEntity(ctx, event.EntityKey)
	if err != nil {
		if graph.IsNotFound(err) {
			current = map[string]string{}
		} else {
			return false, "", err
		}
	}

	if len(current) != len(event.Diff.Before) {
		return true, fmt.Sprintf("stale base for %s: entity has %d fields, intent expected %d",
			event.EntityKey, len(current), len(event.Diff.Before)), nil
	}
	for k, want := range event.Diff.Before {
		if got, ok := current[k]; !ok || got != want {
			return true, fmt.Sprintf("stale base for %s: field %q changed since the intent was built",
				event.EntityKey, k), nil
		}
	}

	return false, "", nil
}

// countValidApprovals counts distinct recognized reviewers on the event,
// excluding the author. Self-approval never counts.
func (e *Engine) countValidApprovals(event *graph.WriteIntentEvent) int {
	seen := make(map[string]bool)
	for _, a := range event.Approvals {
		if a.ReviewerID == event.Author.ID {
			continue
		}
		if !e.cfg.IsReviewer(a.ReviewerID) {
			continue
		}
		seen[a.ReviewerID] = true
	}
	return len(seen)
}

// retryOrBury requeues the event for another lock attempt, or dead-letters
// it once the retry budget is spent.
func (e *Engine) retryOrBury(ctx context.Context, event *graph.WriteIntentEvent, attempt int) {
	if attempt < e.cfg.Queue.MaxLockRetries {
		if err := e.client.PutOutcome(ctx, &graph.Outcome{
			EventID:        event.EventID,
			IdempotencyKey: event.IdempotencyKey,
			EntityKey:      event.EntityKey,
			State:          graph.EventStateRetrying,
			Decision:       graph.DecisionAccepted,
			Reason:         fmt.Sprintf("lock attempt %d/%d failed", attempt, e.cfg.Queue.MaxLockRetries),
			UpdatedAtMs:    time.Now().UnixMilli(),
		}); err != nil {
			log.Printf("[Gatekeeper] Failed to mark %s retrying: %v", event.EventID, err)
		}

		// Dispatch from a fresh goroutine; a lane worker re-dispatching to
		// its own full lane would deadlock.
		go func() {
			if err := e.pool.Dispatch(ctx, event, attempt+1); err != nil {
				log.Printf("[Gatekeeper] Failed to requeue %s: %v", event.EventID, err)
			}
		}()
		return
	}

	reason := fmt.Sprintf("could not acquire entity lock within %d attempts", e.cfg.Queue.MaxLockRetries)
	if err := e.dlq.Bury(ctx, event, graph.FailureClassLockTimeout, reason, attempt, true); err != nil {
		log.Printf("[Gatekeeper] Failed to dead-letter %s: %v", event.EventID, err)
	}
}

// buryCommitFailure dead-letters an event whose batch exhausted the
// committer's retry budget. Commit failures stay retryable: the write
// itself may be fine once the store recovers.
func (e *Engine) buryCommitFailure(ctx context.Context, event *graph.WriteIntentEvent, attempt int, cause error) {
	e.logEvent("commit_failed", map[string]interface{}{
		"event_id":   event.EventID,
		"entity_key": event.EntityKey,
		"error":      cause.Error(),
	})
	if err := e.dlq.Bury(ctx, event, graph.FailureClassCommitFailure, cause.Error(), attempt, true); err != nil {
		log.Printf("[Gatekeeper] Failed to dead-letter %s: %v", event.EventID, err)
	}
}

// rejectEvent records a terminal rejection in the ledger and the outcome
// record. No entity state changes.
func (e *Engine) rejectEvent(ctx context.Context, event *graph.WriteIntentEvent, state graph.EventState, reason string) error {
	if _, err := e.appender.Append(ctx, &graph.LedgerEntry{
		EventID:        event.EventID,
		EntityKey:      event.EntityKey,
		IdempotencyKey: event.IdempotencyKey,
		Author:         event.Author,
		Decision:       graph.DecisionRejected,
		Reason:         reason,
	}); err != nil {
		return fmt.Errorf("failed to record rejection: %w", err)
	}

	e.logEvent("rejected", map[string]interface{}{
		"event_id":   event.EventID,
		"entity_key": event.EntityKey,
		"state":      string(state),
		"reason":     reason,
	})

	return e.client.PutOutcome(ctx, &graph.Outcome{
		EventID:        event.EventID,
		IdempotencyKey: event.IdempotencyKey,
		EntityKey:      event.EntityKey,
		State:          state,
		Decision:       graph.DecisionRejected,
		Reason:         reason,
		UpdatedAtMs:    time.Now().UnixMilli(),
	})
}

// resumeApproved is the gate's resume hook: the event re-enters the
// pipeline at lock acquisition with its approvals attached.
func (e *Engine) resumeApproved(ctx context.Context, event *graph.WriteIntentEvent) {
	go func() {
		if err := e.pool.Dispatch(ctx, event, 1); err != nil {
			log.Printf("[Gatekeeper] Failed to requeue approved event %s: %v", event.EventID, err)
		}
	}()
}

// logEvent logs a structured event in JSON format.
func (e *Engine) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "gatekeeper"
	data["event_type"] = eventType
	data["instance"] = e.instanceName

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Gatekeeper] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
