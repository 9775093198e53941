package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
version: "1.0"
ontology:
  version: "1.0"
  entity_types:
    location:
      fields:
        name:
          kind: string
          required: true
reviewers:
  - id: marina
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "santiago.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("loads minimal config and applies defaults", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, minimalYAML))
		require.NoError(t, err)

		assert.Equal(t, "1.0", cfg.Ontology.Version)
		assert.Equal(t, 8, cfg.Queue.Lanes)
		assert.Equal(t, 64, cfg.Queue.LaneBuffer)
		assert.Equal(t, 30*time.Second, cfg.Queue.LockTTL.Std())
		assert.Equal(t, 5*time.Second, cfg.Queue.LockWaitTimeout.Std())
		assert.Equal(t, 5, cfg.Queue.MaxLockRetries)
		assert.Equal(t, 16, cfg.Committer.BatchSize)
		assert.Equal(t, 2*time.Second, cfg.Committer.FlushInterval.Std())
		assert.Equal(t, 4*time.Hour, cfg.Approval.TTL.Std())
		assert.Equal(t, 48*time.Hour, cfg.Idempotency.Retention.Std())
		assert.Equal(t, int64(500), cfg.Snapshot.EveryNCommits)
		assert.Equal(t, 3, cfg.Policy.MediumDiffFields)
		assert.Equal(t, 10, cfg.Policy.HighDiffFields)
		assert.Equal(t, 1, cfg.Policy.RequiredApprovals["high"])
	})

	t.Run("explicit values override defaults", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, minimalYAML+`
queue:
  lanes: 2
  lock_ttl: 10s
committer:
  batch_size: 4
  flush_interval: 250ms
idempotency:
  retention: 24h
`))
		require.NoError(t, err)

		assert.Equal(t, 2, cfg.Queue.Lanes)
		assert.Equal(t, 10*time.Second, cfg.Queue.LockTTL.Std())
		assert.Equal(t, 4, cfg.Committer.BatchSize)
		assert.Equal(t, 250*time.Millisecond, cfg.Committer.FlushInterval.Std())
		assert.Equal(t, 24*time.Hour, cfg.Idempotency.Retention.Std())
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
		assert.ErrorContains(t, err, "failed to read config")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "version: [broken"))
		assert.ErrorContains(t, err, "failed to parse YAML")
	})

	t.Run("malformed duration", func(t *testing.T) {
		_, err := Load(writeConfig(t, minimalYAML+`
queue:
  lock_ttl: soon
`))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unsupported version",
			yaml:    `version: "2.0"`,
			wantErr: "unsupported version",
		},
		{
			name: "missing ontology version",
			yaml: `
version: "1.0"
ontology:
  entity_types:
    location:
      fields:
        name: {kind: string}
`,
			wantErr: "ontology.version is required",
		},
		{
			name: "no entity types",
			yaml: `
version: "1.0"
ontology:
  version: "1.0"
`,
			wantErr: "at least one entity type",
		},
		{
			name: "entity type without fields",
			yaml: `
version: "1.0"
ontology:
  version: "1.0"
  entity_types:
    location: {}
`,
			wantErr: "at least one field",
		},
		{
			name: "unknown field kind",
			yaml: `
version: "1.0"
ontology:
  version: "1.0"
  entity_types:
    location:
      fields:
        name: {kind: text}
`,
			wantErr: "unknown kind",
		},
		{
			name: "ref without target",
			yaml: `
version: "1.0"
ontology:
  version: "1.0"
  entity_types:
    vessel:
      fields:
        berth: {kind: ref}
`,
			wantErr: "ref_target is required",
		},
		{
			name: "ref to undefined type",
			yaml: `
version: "1.0"
ontology:
  version: "1.0"
  entity_types:
    vessel:
      fields:
        berth: {kind: ref, ref_target: location}
`,
			wantErr: "not a defined entity type",
		},
		{
			name: "ref_target on scalar field",
			yaml: `
version: "1.0"
ontology:
  version: "1.0"
  entity_types:
    location:
      fields:
        name: {kind: string, ref_target: vessel}
`,
			wantErr: "only valid for kind=ref",
		},
		{
			name: "duplicate reviewer",
			yaml: minimalYAML + `  - id: marina
`,
			wantErr: "duplicate reviewer",
		},
		{
			name: "high risk type must exist",
			yaml: minimalYAML + `policy:
  high_risk_types: [vessel]
`,
			wantErr: "not a defined entity type",
		},
		{
			name: "unknown approval tier",
			yaml: minimalYAML + `policy:
  required_approvals:
    critical: 1
`,
			wantErr: "unknown tier",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestIsReviewer(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.True(t, cfg.IsReviewer("marina"))
	assert.False(t, cfg.IsReviewer("stranger"))
}
