package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ubershmekel/jenkins/internal/cierrors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadJobConfig_KeyedTriggerLayout(t *testing.T) {
	path := writeConfig(t, `
kind: freestyle
concurrentBuild: true
quietPeriod: 5s
steps:
  - make test
triggers:
  timer:
    every: 5m
  scm-poll:
    every: 1m
`)
	cfg, err := LoadJobConfig(path)
	require.NoError(t, err)

	assert.True(t, cfg.ConcurrentBuild)
	assert.Equal(t, 5*time.Second, cfg.QuietPeriod.Std())
	require.Len(t, cfg.Triggers, 2)
	assert.Equal(t, "timer", cfg.Triggers[0].Kind)
	assert.Equal(t, 5*time.Minute, cfg.Triggers[0].Every.Std())
	assert.Equal(t, "scm-poll", cfg.Triggers[1].Kind)
}

func TestLoadJobConfig_LegacySequenceLayoutWithDuplicates(t *testing.T) {
	// Old installations stored triggers as a bare sequence, duplicates and
	// all. Loading must tolerate it; collapsing happens in trigger.Load.
	path := writeConfig(t, `
kind: freestyle
triggers:
  - kind: timer
    every: 5m
  - kind: timer
    every: 10m
`)
	cfg, err := LoadJobConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Triggers, 2)
	assert.Equal(t, 10*time.Minute, cfg.Triggers[1].Every.Std(), "order preserved so last-wins collapse works")
}

func TestJobConfig_RoundTripWritesKeyedLayout(t *testing.T) {
	cfg := &JobConfig{
		Kind:        JobKindFreestyle,
		QuietPeriod: Duration(3 * time.Second),
		Steps:       []string{"make build"},
		Triggers: TriggerList{
			{Kind: "timer", Every: Duration(time.Minute)},
		},
	}
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, SaveJobConfig(path, cfg))

	loaded, err := LoadJobConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Steps, loaded.Steps)
	require.Len(t, loaded.Triggers, 1)
	assert.Equal(t, "timer", loaded.Triggers[0].Kind)
	assert.Equal(t, time.Minute, loaded.Triggers[0].Every.Std())

	// No temp file left behind by the atomic write.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCheckKind(t *testing.T) {
	cfg := &JobConfig{Kind: "pipeline"}
	err := cfg.CheckKind(JobKindFreestyle)
	require.Error(t, err)
	assert.True(t, cierrors.IsKind(err, cierrors.KindConfigTypeMismatch))
	assert.Contains(t, err.Error(), "pipeline")
	assert.Contains(t, err.Error(), "freestyle")

	ok := &JobConfig{Kind: JobKindFreestyle}
	require.NoError(t, ok.CheckKind(JobKindFreestyle))

	// Empty kind defaults to freestyle.
	blank := &JobConfig{}
	require.NoError(t, blank.CheckKind(JobKindFreestyle))
}

func TestDuration_AcceptsBareSeconds(t *testing.T) {
	path := writeConfig(t, "quietPeriod: 30\n")
	cfg, err := LoadJobConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.QuietPeriod.Std())
}

func TestLoadServerConfig_DefaultsAndOverrides(t *testing.T) {
	cfg, err := LoadServerConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 2, cfg.Workers)

	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9090"
home: /var/ci
workers: 4
maxQuietDelay: 90s
auth:
  - subject: alice
    actions: [build, wipe]
`), 0o600))
	cfg, err = LoadServerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, filepath.Join("/var/ci", "jobs"), cfg.JobsDir())
	assert.Equal(t, filepath.Join("/var/ci", "workspace"), cfg.WorkspacesDir())
	assert.Equal(t, 90*time.Second, cfg.MaxQuietDelay.Std())
	require.Len(t, cfg.Auth, 1)
	assert.Equal(t, []string{"build", "wipe"}, cfg.Auth[0].Actions)
}
