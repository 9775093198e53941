// Package config loads and validates santiago.yml, the instance
// configuration for the write gate: the active ontology, the risk policy
// table, the recognized reviewer identities, and the queue/committer tuning
// knobs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for values like "30s" or "4h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the top-level santiago.yml configuration.
type Config struct {
	Version     string                      `yaml:"version"`
	Ontology    OntologyConfig              `yaml:"ontology"`
	Policy      PolicyConfig                `yaml:"policy"`
	Reviewers   []ReviewerConfig            `yaml:"reviewers"`
	Queue       QueueConfig                 `yaml:"queue"`
	Committer   CommitterConfig             `yaml:"committer"`
	Approval    ApprovalConfig              `yaml:"approval"`
	Idempotency IdempotencyConfig           `yaml:"idempotency"`
	Snapshot    SnapshotConfig              `yaml:"snapshot"`
}

// OntologyConfig carries the active schema version and its entity type
// definitions. In a full deployment this section is synced from the
// ontology service; the file form is the authoritative cache the validator
// runs against.
type OntologyConfig struct {
	Version     string                      `yaml:"version"`
	EntityTypes map[string]EntityTypeConfig `yaml:"entity_types"`
}

// EntityTypeConfig defines one entity type's field schema.
type EntityTypeConfig struct {
	Fields map[string]FieldConfig `yaml:"fields"`
}

// FieldConfig defines one field's shape and constraints.
type FieldConfig struct {
	Kind      string `yaml:"kind"`                 // string, int, float, bool, timestamp, ref
	Required  bool   `yaml:"required,omitempty"`
	RefTarget string `yaml:"ref_target,omitempty"` // required entity type for kind=ref
}

// PolicyConfig is the risk classification and gating policy table.
type PolicyConfig struct {
	// HighRiskTypes lists entity types whose mutations always classify High
	// regardless of diff size (e.g. ontology and policy entities).
	HighRiskTypes []string `yaml:"high_risk_types,omitempty"`

	// MediumDiffFields and HighDiffFields are changed-field-count thresholds
	// for escalating tiers. Deletes always classify at least Medium.
	MediumDiffFields int `yaml:"medium_diff_fields,omitempty"`
	HighDiffFields   int `yaml:"high_diff_fields,omitempty"`

	// TrustedRoles are author types whose writes are capped at Medium unless
	// the entity type itself is high-risk.
	TrustedRoles []string `yaml:"trusted_roles,omitempty"`

	// RequiredApprovals maps risk tier to the number of valid reviewer
	// sign-offs required before commit.
	RequiredApprovals map[string]int `yaml:"required_approvals,omitempty"`
}

// ReviewerConfig is one recognized reviewer identity for approval
// authentication.
type ReviewerConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name,omitempty"`
}

// QueueConfig tunes the per-entity lane pool and lock discipline.
type QueueConfig struct {
	Lanes           int      `yaml:"lanes,omitempty"`
	LaneBuffer      int      `yaml:"lane_buffer,omitempty"`
	LockTTL         Duration `yaml:"lock_ttl,omitempty"`
	LockWaitTimeout Duration `yaml:"lock_wait_timeout,omitempty"`
	MaxLockRetries  int      `yaml:"max_lock_retries,omitempty"`
}

// CommitterConfig tunes the batch committer.
type CommitterConfig struct {
	BatchSize     int      `yaml:"batch_size,omitempty"`
	FlushInterval Duration `yaml:"flush_interval,omitempty"`
	MaxRetries    int      `yaml:"max_retries,omitempty"`
	RetryBackoff  Duration `yaml:"retry_backoff,omitempty"`
}

// ApprovalConfig tunes the approval gate.
type ApprovalConfig struct {
	TTL           Duration `yaml:"ttl,omitempty"`
	SweepInterval Duration `yaml:"sweep_interval,omitempty"`
}

// IdempotencyConfig tunes the idempotency filter.
type IdempotencyConfig struct {
	Retention Duration `yaml:"retention,omitempty"`
}

// SnapshotConfig tunes the snapshot cadence for replay.
type SnapshotConfig struct {
	EveryNCommits int64 `yaml:"every_n_commits,omitempty"`
}

// Validate performs strict validation on the configuration and applies
// defaults for omitted tuning knobs.
func (c *Config) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	// Required: ontology with at least one entity type
	if c.Ontology.Version == "" {
		return fmt.Errorf("ontology.version is required")
	}
	if len(c.Ontology.EntityTypes) == 0 {
		return fmt.Errorf("ontology.entity_types must define at least one entity type")
	}

	for typeName, entityType := range c.Ontology.EntityTypes {
		if err := entityType.validate(typeName, c.Ontology.EntityTypes); err != nil {
			return err
		}
	}

	// Reviewers must have unique, non-empty IDs
	seen := make(map[string]bool)
	for i, reviewer := range c.Reviewers {
		if reviewer.ID == "" {
			return fmt.Errorf("reviewer at index %d: id is required", i)
		}
		if seen[reviewer.ID] {
			return fmt.Errorf("duplicate reviewer id '%s'", reviewer.ID)
		}
		seen[reviewer.ID] = true
	}

	if err := c.Policy.validate(c.Ontology.EntityTypes); err != nil {
		return err
	}

	c.applyDefaults()

	if c.Queue.Lanes < 1 {
		return fmt.Errorf("queue.lanes must be >= 1, got %d", c.Queue.Lanes)
	}
	if c.Committer.BatchSize < 1 {
		return fmt.Errorf("committer.batch_size must be >= 1, got %d", c.Committer.BatchSize)
	}
	if c.Snapshot.EveryNCommits < 1 {
		return fmt.Errorf("snapshot.every_n_commits must be >= 1, got %d", c.Snapshot.EveryNCommits)
	}

	return nil
}

func (et *EntityTypeConfig) validate(typeName string, all map[string]EntityTypeConfig) error {
	if len(et.Fields) == 0 {
		return fmt.Errorf("entity type '%s': at least one field is required", typeName)
	}

	for fieldName, field := range et.Fields {
		switch field.Kind {
		case "string", "int", "float", "bool", "timestamp":
			if field.RefTarget != "" {
				return fmt.Errorf("entity type '%s' field '%s': ref_target only valid for kind=ref", typeName, fieldName)
			}
		case "ref":
			if field.RefTarget == "" {
				return fmt.Errorf("entity type '%s' field '%s': ref_target is required for kind=ref", typeName, fieldName)
			}
			if _, exists := all[field.RefTarget]; !exists {
				return fmt.Errorf("entity type '%s' field '%s': ref_target '%s' is not a defined entity type", typeName, fieldName, field.RefTarget)
			}
		default:
			return fmt.Errorf("entity type '%s' field '%s': unknown kind '%s'", typeName, fieldName, field.Kind)
		}
	}

	return nil
}

func (p *PolicyConfig) validate(entityTypes map[string]EntityTypeConfig) error {
	for _, typeName := range p.HighRiskTypes {
		if _, exists := entityTypes[typeName]; !exists {
			return fmt.Errorf("policy.high_risk_types: '%s' is not a defined entity type", typeName)
		}
	}

	for tier, count := range p.RequiredApprovals {
		if tier != "low" && tier != "medium" && tier != "high" {
			return fmt.Errorf("policy.required_approvals: unknown tier '%s'", tier)
		}
		if count < 0 {
			return fmt.Errorf("policy.required_approvals.%s must be >= 0, got %d", tier, count)
		}
	}

	return nil
}

// applyDefaults fills omitted tuning knobs.
func (c *Config) applyDefaults() {
	if c.Policy.MediumDiffFields == 0 {
		c.Policy.MediumDiffFields = 3
	}
	if c.Policy.HighDiffFields == 0 {
		c.Policy.HighDiffFields = 10
	}
	if c.Policy.RequiredApprovals == nil {
		c.Policy.RequiredApprovals = map[string]int{}
	}
	if _, ok := c.Policy.RequiredApprovals["high"]; !ok {
		c.Policy.RequiredApprovals["high"] = 1
	}

	if c.Queue.Lanes == 0 {
		c.Queue.Lanes = 8
	}
	if c.Queue.LaneBuffer == 0 {
		c.Queue.LaneBuffer = 64
	}
	if c.Queue.LockTTL == 0 {
		c.Queue.LockTTL = Duration(30 * time.Second)
	}
	if c.Queue.LockWaitTimeout == 0 {
		c.Queue.LockWaitTimeout = Duration(5 * time.Second)
	}
	if c.Queue.MaxLockRetries == 0 {
		c.Queue.MaxLockRetries = 5
	}

	if c.Committer.BatchSize == 0 {
		c.Committer.BatchSize = 16
	}
	if c.Committer.FlushInterval == 0 {
		c.Committer.FlushInterval = Duration(2 * time.Second)
	}
	if c.Committer.MaxRetries == 0 {
		c.Committer.MaxRetries = 5
	}
	if c.Committer.RetryBackoff == 0 {
		c.Committer.RetryBackoff = Duration(500 * time.Millisecond)
	}

	if c.Approval.TTL == 0 {
		c.Approval.TTL = Duration(4 * time.Hour)
	}
	if c.Approval.SweepInterval == 0 {
		c.Approval.SweepInterval = Duration(10 * time.Second)
	}

	if c.Idempotency.Retention == 0 {
		c.Idempotency.Retention = Duration(48 * time.Hour)
	}

	if c.Snapshot.EveryNCommits == 0 {
		c.Snapshot.EveryNCommits = 500
	}
}

// IsReviewer reports whether id is a recognized reviewer identity.
func (c *Config) IsReviewer(id string) bool {
	for _, reviewer := range c.Reviewers {
		if reviewer.ID == id {
			return true
		}
	}
	return false
}

// Load reads and validates santiago.yml from the specified path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
