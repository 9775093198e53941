// Package gate holds high-risk events pending reviewer sign-off. Parking is
// a persisted state transition, not a blocking wait: the event holds no
// entity lock while parked, a deadline ZSET drives TTL expiry, and approval
// arrival re-enters the event into the pipeline at lock acquisition.
package gate

import (
	"context"
	"log"
	"time"

	"github.com/santiago-project/santiago/internal/deadletter"
	"github.com/santiago-project/santiago/internal/ledger"
	"github.com/santiago-project/santiago/pkg/graph"
)

// Resume re-enters an event into the pipeline at lock acquisition once its
// approvals are satisfied.
type Resume func(ctx context.Context, event *graph.WriteIntentEvent)

// Gate parks high-risk events and resolves them on approval, cancellation,
// or TTL expiry.
type Gate struct {
	client     *graph.Client
	appender   *ledger.Appender
	dlq        *deadletter.Store
	isReviewer func(id string) bool
	resume     Resume

	ttl           time.Duration
	sweepInterval time.Duration
}

// New creates an approval gate. isReviewer authenticates approval entries
// against the recognized reviewer identities.
func New(client *graph.Client, appender *ledger.Appender, dlq *deadletter.Store, isReviewer func(id string) bool, resume Resume, ttl, sweepInterval time.Duration) *Gate {
	return &Gate{
		client:        client,
		appender:      appender,
		dlq:           dlq,
		isReviewer:    isReviewer,
		resume:        resume,
		ttl:           ttl,
		sweepInterval: sweepInterval,
	}
}

// Park persists a high-risk event as pending approval. The caller must have
// released (or not yet acquired) the entity lock.
func (g *Gate) Park(ctx context.Context, event *graph.WriteIntentEvent, tier graph.RiskTier, required int) error {
	now := time.Now().UnixMilli()

	pending := &graph.PendingApproval{
		Event:      *event,
		Tier:       tier,
		Required:   required,
		ParkedAtMs: now,
		DeadlineMs: now + g.ttl.Milliseconds(),
	}

	if err := g.client.ParkPendingApproval(ctx, pending); err != nil {
		return err
	}

	if _, err := g.appender.Append(ctx, &graph.LedgerEntry{
		EventID:        event.EventID,
		EntityKey:      event.EntityKey,
		IdempotencyKey: event.IdempotencyKey,
		Author:         event.Author,
		Decision:       graph.DecisionPendingApproval,
		Reason:         string(tier) + " risk requires reviewer sign-off",
	}); err != nil {
		return err
	}

	return g.client.PutOutcome(ctx, &graph.Outcome{
		EventID:        event.EventID,
		IdempotencyKey: event.IdempotencyKey,
		EntityKey:      event.EntityKey,
		State:          graph.EventStatePendingApproval,
		Decision:       graph.DecisionPendingApproval,
		Reason:         "awaiting reviewer sign-off",
		UpdatedAtMs:    now,
	})
}

// HandleApproval processes an approval arrival or cancellation event.
// Unknown or non-pending events are ignored (the approval may race expiry).
func (g *Gate) HandleApproval(ctx context.Context, ev *graph.ApprovalEvent) error {
	pending, err := g.client.GetPendingApproval(ctx, ev.EventID)
	if err != nil {
		if graph.IsNotFound(err) {
			log.Printf("[Gate] Ignoring approval for %s: not pending", ev.EventID)
			return nil
		}
		return err
	}

	if ev.Cancelled {
		return g.cancel(ctx, pending, ev.AuthorID)
	}

	if !g.isReviewer(ev.Approval.ReviewerID) {
		log.Printf("[Gate] Rejecting approval for %s: %q is not a recognized reviewer",
			ev.EventID, ev.Approval.ReviewerID)
		return nil
	}

	if ev.Approval.ReviewerID == pending.Event.Author.ID {
		log.Printf("[Gate] Rejecting self-approval for %s by %q", ev.EventID, ev.Approval.ReviewerID)
		return nil
	}

	// Deduplicate by reviewer; a reviewer signing twice counts once.
	for _, existing := range pending.Event.Approvals {
		if existing.ReviewerID == ev.Approval.ReviewerID {
			return nil
		}
	}

	pending.Event.Approvals = append(pending.Event.Approvals, ev.Approval)

	if _, err := g.appender.Append(ctx, &graph.LedgerEntry{
		EventID:        pending.Event.EventID,
		EntityKey:      pending.Event.EntityKey,
		IdempotencyKey: pending.Event.IdempotencyKey,
		Author:         pending.Event.Author,
		Decision:       graph.DecisionApprovalGranted,
		Reason:         "approved by " + ev.Approval.ReviewerID,
	}); err != nil {
		return err
	}

	valid := g.validApprovals(pending)
	if valid < pending.Required {
		// Not enough sign-offs yet; persist the partial progress.
		return g.client.ParkPendingApproval(ctx, pending)
	}

	if err := g.client.RemovePendingApproval(ctx, pending.Event.EventID); err != nil {
		return err
	}

	log.Printf("[Gate] Event %s fully approved (%d/%d), resuming at lock acquisition",
		pending.Event.EventID, valid, pending.Required)

	g.resume(ctx, &pending.Event)
	return nil
}

// validApprovals counts sign-offs from recognized reviewers other than the
// author, one per reviewer. Intents can arrive with arbitrary approvals
// pre-attached; those must not pad the count.
func (g *Gate) validApprovals(pending *graph.PendingApproval) int {
	seen := make(map[string]bool)
	for _, a := range pending.Event.Approvals {
		if a.ReviewerID == pending.Event.Author.ID {
			continue
		}
		if !g.isReviewer(a.ReviewerID) {
			continue
		}
		seen[a.ReviewerID] = true
	}
	return len(seen)
}

// cancel terminates a parked event at its author's request. Only the
// submitting author may cancel, and only while the event is pending.
func (g *Gate) cancel(ctx context.Context, pending *graph.PendingApproval, authorID string) error {
	if authorID != pending.Event.Author.ID {
		log.Printf("[Gate] Rejecting cancellation of %s by %q: not the author",
			pending.Event.EventID, authorID)
		return nil
	}

	if err := g.client.RemovePendingApproval(ctx, pending.Event.EventID); err != nil {
		return err
	}

	return g.dlq.Bury(ctx, &pending.Event, graph.FailureClassCancelled,
		"cancelled by author while pending approval", 1, false)
}

// Run sweeps expired pending approvals until the context is cancelled.
func (g *Gate) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := g.SweepExpired(ctx); err != nil {
				log.Printf("[Gate] Sweep error: %v", err)
			}
		}
	}
}

// SweepExpired dead-letters every parked event whose approval deadline has
// passed, with reason approval_timeout.
func (g *Gate) SweepExpired(ctx context.Context) error {
	expired, err := g.client.ExpiredPendingApprovals(ctx, time.Now().UnixMilli())
	if err != nil {
		return err
	}

	for _, eventID := range expired {
		pending, err := g.client.GetPendingApproval(ctx, eventID)
		if err != nil {
			if graph.IsNotFound(err) {
				// Record already resolved; drop the stale ZSET member.
				if err := g.client.RemovePendingApproval(ctx, eventID); err != nil {
					return err
				}
				continue
			}
			return err
		}

		if err := g.client.RemovePendingApproval(ctx, eventID); err != nil {
			return err
		}

		if _, err := g.appender.Append(ctx, &graph.LedgerEntry{
			EventID:        pending.Event.EventID,
			EntityKey:      pending.Event.EntityKey,
			IdempotencyKey: pending.Event.IdempotencyKey,
			Author:         pending.Event.Author,
			Decision:       graph.DecisionApprovalExpired,
			Reason:         "no approval before TTL",
		}); err != nil {
			return err
		}

		if err := g.dlq.Bury(ctx, &pending.Event, graph.FailureClassApprovalTimeout,
			"no approval before TTL", 1, false); err != nil {
			return err
		}

		log.Printf("[Gate] Event %s expired pending approval, dead-lettered", eventID)
	}

	return nil
}
