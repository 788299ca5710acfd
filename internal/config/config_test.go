package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xerilium/catalyst/internal/config"
	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
)

const validPlaybook = `
name: release
description: Cut a release
owner: platform
version: 1.2.0
inputs:
  - name: tag
    type: string
    required: true
    validation:
      - pattern: '^v\d+'
errorPolicy: Stop
steps:
  - name: build
    action: script
    config:
      command: make build
  - script: make test
    errorPolicy:
      default: {action: Continue, retryCount: 2}
      Timeout: {action: Stop}
catch:
  - code: default
    steps:
      - log: build failed
finally:
  - name: cleanup
    action: log
    config: {}
`

func TestLoadPlaybook_ValidYAML(t *testing.T) {
	p, err := config.LoadPlaybook([]byte(validPlaybook), "release.yaml")
	require.NoError(t, err)

	assert.Equal(t, "release", p.Name)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, "script", p.Steps[1].Action)
	assert.Equal(t, "make test", p.Steps[1].Config)
	assert.Equal(t, "script-2", p.Steps[1].DisplayName(1))
	assert.Equal(t, "build", p.Steps[0].DisplayName(0))

	require.NotNil(t, p.ErrorPolicy)
	assert.True(t, p.ErrorPolicy.IsToken())
	assert.Equal(t, config.ActionStop, p.ErrorPolicy.Action)

	pol := p.Steps[1].ErrorPolicy
	require.NotNil(t, pol)
	assert.False(t, pol.IsToken())
	assert.Equal(t, config.PolicyRule{Action: config.ActionContinue, RetryCount: 2}, pol.Rules[config.DefaultRuleKey])

	assert.Equal(t, map[string]any{}, p.Finally[0].Config)
	require.NotNil(t, p.FindCatch("Anything"))
	assert.Equal(t, config.DefaultCatchCode, p.FindCatch("Anything").Code)
}

func TestLoadPlaybook_JSONCWithComments(t *testing.T) {
	doc := `{
  // release playbook
  "name": "release",
  "description": "d",
  "owner": "o",
  "steps": [
    {"action": "log", "config": {"message": "hi"}}, /* trailing */
  ]
}`
	p, err := config.LoadPlaybook([]byte(doc), "release.jsonc")
	require.NoError(t, err)
	assert.Equal(t, "log-1", p.Steps[0].DisplayName(0))
}

func TestLoadPlaybook_ListsEveryMissingField(t *testing.T) {
	_, err := config.LoadPlaybook([]byte("version: 1.0.0\n"), "")
	require.Error(t, err)
	assert.True(t, caterrors.IsKind(err, caterrors.KindPlaybookNotValid))

	var ce *caterrors.Error
	require.ErrorAs(t, err, &ce)
	assert.ElementsMatch(t, []string{
		"name is required",
		"description is required",
		"owner is required",
		"steps must contain at least one step",
	}, ce.Violations)
	assert.NotEmpty(t, ce.Guidance)
}

func TestLoadPlaybook_SchemaRejectsUnknownPolicyAction(t *testing.T) {
	doc := `
name: n
description: d
owner: o
errorPolicy: Explode
steps:
  - action: log
    config: {}
`
	_, err := config.LoadPlaybook([]byte(doc), "p.yaml")
	require.Error(t, err)
	var ce *caterrors.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, caterrors.KindPlaybookNotValid, ce.Kind)
	assert.NotEmpty(t, ce.Violations)
}

func TestLoadPlaybook_StepViolations(t *testing.T) {
	doc := `
name: n
description: d
owner: o
steps:
  - name: dup
    action: log
  - name: dup
    action: log
    config: {}
`
	_, err := config.LoadPlaybook([]byte(doc), "p.yaml")
	require.Error(t, err)
	var ce *caterrors.Error
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Violations, "steps[0] (dup): config is required (use {} for none)")
	assert.Contains(t, ce.Violations, `steps[1] (dup): step name "dup" already used at steps[0] (dup)`)
}

func TestLoadPlaybook_UnnamedStepsAreQualifiedPerBlock(t *testing.T) {
	doc := `
name: n
description: d
owner: o
steps:
  - log: main
catch:
  - code: Timeout
    steps:
      - log: slow
  - code: default
    steps:
      - log: generic
finally:
  - log: done
`
	p, err := config.LoadPlaybook([]byte(doc), "p.yaml")
	require.NoError(t, err)
	assert.Equal(t, "log-1", p.Steps[0].QualifiedName("", 0))
	assert.Equal(t, "catch-2.log-1", p.Catch[1].Steps[0].QualifiedName(config.CatchBlock(1), 0))
	assert.Equal(t, "finally.log-1", p.Finally[0].QualifiedName(config.FinallyBlock, 0))
	assert.Equal(t, 1, p.FindCatchIndex("Unknown"))
	assert.Equal(t, 0, p.FindCatchIndex("Timeout"))

	named := doc + "  - name: tidy\n    log: again\n  - name: tidy\n    log: twice\n"
	_, err = config.LoadPlaybook([]byte(named), "p.yaml")
	var ce *caterrors.Error
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Violations, `finally[2] (tidy): step name "tidy" already used at finally[1] (tidy)`)
}

func TestLoadPlaybook_RejectsUnknownTopLevelKey(t *testing.T) {
	doc := "name: n\ndescription: d\nowner: o\nbogus: 1\nsteps:\n  - log: hi\n"
	_, err := config.LoadPlaybook([]byte(doc), "p.yaml")
	assert.True(t, caterrors.IsKind(err, caterrors.KindPlaybookNotValid))
}

func TestLoadPlaybook_Empty(t *testing.T) {
	_, err := config.LoadPlaybook([]byte("  \n"), "p.yaml")
	assert.True(t, caterrors.IsKind(err, caterrors.KindPlaybookNotValid))
}

func TestLoadPlaybookFromFile_Missing(t *testing.T) {
	_, err := config.LoadPlaybookFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, caterrors.IsKind(err, caterrors.KindConfigInvalid))
}

func TestErrorPolicy_Violations(t *testing.T) {
	p := config.MapPolicy(config.PolicyRule{Action: "Nope"}, map[string]config.PolicyRule{
		"Timeout": {Action: config.ActionContinue, RetryCount: -1},
	})
	v := p.Violations("errorPolicy")
	assert.Len(t, v, 2)

	missingDefault := &config.ErrorPolicy{Rules: map[string]config.PolicyRule{"X": {Action: config.ActionStop}}}
	assert.Contains(t, missingDefault.Violations("x")[0], `"default"`)

	assert.Empty(t, config.TokenPolicy(config.ActionIgnore).Violations("x"))
	assert.Nil(t, (*config.ErrorPolicy)(nil).Violations("x"))
}

func TestLoadSettings_DefaultsFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runs_dir: /tmp/runs\nlock_ttl: 5m\n"), 0o644))
	t.Setenv("CATALYST_LOG_FORMAT", "json")

	s, err := config.LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/runs", s.RunsDir)
	assert.Equal(t, 5*time.Minute, s.LockTTL)
	assert.Equal(t, "json", s.LogFormat)
	assert.Equal(t, ".xe/runs/locks", s.LocksDir)
	assert.Equal(t, 30, s.ArchiveRetentionDays)
	assert.Equal(t, config.ActionStop, s.DefaultPolicy().Action)
}

func TestLoadSettings_ExplicitMissingFile(t *testing.T) {
	_, err := config.LoadSettings(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.True(t, caterrors.IsKind(err, caterrors.KindConfigInvalid))
}

func TestLoadSettings_ValidationListsFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default_error_policy: Explode\nlog_format: xml\n"), 0o644))

	_, err := config.LoadSettings(path)
	require.Error(t, err)
	var ce *caterrors.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, caterrors.KindConfigInvalid, ce.Kind)
	assert.Len(t, ce.Violations, 2)
}
