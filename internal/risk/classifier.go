// Package risk classifies write intents into risk tiers and maps tiers to
// gating requirements. Classification is a pure function of the entity
// type, the diff magnitude, and the author role; gating is a table lookup
// from tier to required approval count, so the whole policy surface is
// testable without any shared state.
package risk

import (
	"github.com/santiago-project/santiago/internal/config"
	"github.com/santiago-project/santiago/pkg/graph"
)

// Classifier maps (entity type, diff, author) to a risk tier and a required
// approval count.
type Classifier struct {
	policy config.PolicyConfig
}

// NewClassifier creates a classifier from the instance policy table.
func NewClassifier(policy config.PolicyConfig) *Classifier {
	return &Classifier{policy: policy}
}

// Classify returns the risk tier for a write intent against the given
// entity type.
//
// Rules, in order:
//  1. Mutations of high-risk entity types are always High.
//  2. Deletes are at least Medium; a delete by an untrusted author is High.
//  3. Diffs changing >= high_diff_fields fields are High, unless the author
//     role is trusted, in which case they cap at Medium.
//  4. Diffs changing >= medium_diff_fields fields are Medium.
//  5. Everything else is Low.
func (c *Classifier) Classify(entityType string, event *graph.WriteIntentEvent) graph.RiskTier {
	for _, highType := range c.policy.HighRiskTypes {
		if entityType == highType {
			return graph.RiskTierHigh
		}
	}

	trusted := c.isTrusted(event.Author.Type)

	if event.Operation == graph.OperationDelete {
		if trusted {
			return graph.RiskTierMedium
		}
		return graph.RiskTierHigh
	}

	changed := ChangedFields(event.Diff)

	if changed >= c.policy.HighDiffFields {
		if trusted {
			return graph.RiskTierMedium
		}
		return graph.RiskTierHigh
	}

	if changed >= c.policy.MediumDiffFields {
		return graph.RiskTierMedium
	}

	return graph.RiskTierLow
}

// RequiredApprovals returns the number of valid reviewer sign-offs the tier
// requires before commit. Unlisted tiers require none.
func (c *Classifier) RequiredApprovals(tier graph.RiskTier) int {
	return c.policy.RequiredApprovals[string(tier)]
}

// isTrusted reports whether the author type is in the trusted roles list.
func (c *Classifier) isTrusted(authorType string) bool {
	for _, role := range c.policy.TrustedRoles {
		if authorType == role {
			return true
		}
	}
	return false
}

// ChangedFields counts the fields that differ between diff.before and
// diff.after: added, removed, or changed in value.
func ChangedFields(diff graph.Diff) int {
	changed := 0

	for field, after := range diff.After {
		before, existed := diff.Before[field]
		if !existed || before != after {
			changed++
		}
	}

	for field := range diff.Before {
		if _, kept := diff.After[field]; !kept {
			changed++
		}
	}

	return changed
}
