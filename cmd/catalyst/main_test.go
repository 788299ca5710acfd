package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xerilium/catalyst/internal/lock"
	"github.com/xerilium/catalyst/internal/logger"
	catalyst "github.com/xerilium/catalyst/pkg/catalyst/v1"
	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
)

const greetPlaybook = `
name: greet
description: Say hello
owner: tests
inputs:
  - name: who
    type: string
    required: true
resources:
  paths: [docs]
steps:
  - log: "hello {{ .who }}"
  - name: finish
    action: return
    config:
      outputs:
        greeting: "hi {{ .who }}"
outputs:
  greeting: string
`

const failingPlaybook = `
name: broken
description: Always fails
owner: tests
steps:
  - script: exit 7
`

type cli struct {
	runsDir  string
	settings string
	dir      string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	settings := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(settings, []byte("holder: tester\nlock_ttl: 10m\n"), 0o644))
	return &cli{runsDir: filepath.Join(dir, "runs"), settings: settings, dir: dir}
}

func (c *cli) playbook(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(c.dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func (c *cli) exec(ctx context.Context, args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	full := append([]string{"--config", c.settings, "--runs-dir", c.runsDir, "--log-level", "error"}, args...)
	code := execute(ctx, full, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestValidate(t *testing.T) {
	c := newCLI(t)
	code, out, _ := c.exec(context.Background(), "validate", c.playbook(t, "greet.yaml", greetPlaybook))
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, `Playbook "greet" is valid (2 steps)`)

	bad := c.playbook(t, "bad.yaml", "name: x\nsteps:\n  - action: nope\n")
	code, _, errOut := c.exec(context.Background(), "validate", bad)
	assert.Equal(t, ExitUsageError, code)
	assert.Contains(t, errOut, "Error:")
}

func TestRun_SuccessJSON(t *testing.T) {
	c := newCLI(t)
	code, out, errOut := c.exec(context.Background(), "run", c.playbook(t, "greet.yaml", greetPlaybook), "-i", "who=ada", "--json")
	require.Equal(t, ExitSuccess, code, errOut)

	var res catalyst.RunResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.EqualValues(t, "completed", res.Status)
	assert.Equal(t, "hi ada", res.Outputs["greeting"])
	assert.NotEmpty(t, res.RunID)

	code, out, _ = c.exec(context.Background(), "runs", "list", "--archived")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, res.RunID)
	assert.Contains(t, out, "greet")

	code, out, _ = c.exec(context.Background(), "runs", "show", res.RunID)
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, `"playbookName": "greet"`)
}

func TestRun_MissingRequiredInput(t *testing.T) {
	c := newCLI(t)
	code, _, errOut := c.exec(context.Background(), "run", c.playbook(t, "greet.yaml", greetPlaybook))
	assert.Equal(t, ExitUsageError, code)
	assert.Contains(t, errOut, "who")
}

func TestRun_BadInputPair(t *testing.T) {
	c := newCLI(t)
	code, _, errOut := c.exec(context.Background(), "run", c.playbook(t, "greet.yaml", greetPlaybook), "-i", "noequals")
	assert.Equal(t, ExitUsageError, code)
	assert.Contains(t, errOut, "not name=value")
}

func TestRun_MissingSecret(t *testing.T) {
	c := newCLI(t)
	code, _, errOut := c.exec(context.Background(), "run", c.playbook(t, "greet.yaml", greetPlaybook),
		"-i", "who=ada", "--secret", "CATALYST_TEST_SURELY_UNSET")
	assert.Equal(t, ExitUsageError, code)
	assert.Contains(t, errOut, "CATALYST_TEST_SURELY_UNSET")
}

func TestRun_FailedStep(t *testing.T) {
	c := newCLI(t)
	code, out, errOut := c.exec(context.Background(), "run", c.playbook(t, "broken.yaml", failingPlaybook))
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, out, "failed")
	assert.Contains(t, errOut, "Error:")
}

func TestRun_Locked(t *testing.T) {
	c := newCLI(t)
	locks := lock.NewManager(filepath.Join(c.runsDir, "locks"), logger.NewLogger("error", "text", io.Discard))
	require.NoError(t, locks.Acquire("20240101-000000-000", lock.Resources{Paths: []string{"docs"}}, "someone", time.Hour))

	code, _, errOut := c.exec(context.Background(), "run", c.playbook(t, "greet.yaml", greetPlaybook), "-i", "who=ada")
	assert.Equal(t, ExitLocked, code)
	assert.Contains(t, errOut, "Error:")

	code, out, _ := c.exec(context.Background(), "locks", "list")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "someone")
	assert.NotContains(t, out, "tester", "the refused run must not leave a lock behind")
}

func TestRun_CancelledSuspendsThenResumes(t *testing.T) {
	c := newCLI(t)
	pb := c.playbook(t, "greet.yaml", greetPlaybook)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	code, out, _ := c.exec(ctx, "run", pb, "-i", "who=ada", "--json")
	require.Equal(t, ExitSuspended, code)

	var res catalyst.RunResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.EqualValues(t, "suspended", res.Status)

	code, out, _ = c.exec(context.Background(), "runs", "list")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, res.RunID)

	code, out, errOut := c.exec(context.Background(), "resume", res.RunID, pb)
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "completed")
}

func TestRunsShow_NotFound(t *testing.T) {
	c := newCLI(t)
	code, _, errOut := c.exec(context.Background(), "runs", "show", "20200101-000000-000")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, errOut, "Error:")
}

func TestLocksCleanupAndPrune_EmptyState(t *testing.T) {
	c := newCLI(t)
	code, out, _ := c.exec(context.Background(), "locks", "cleanup")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "Removed 0 stale lock(s)")

	code, out, _ = c.exec(context.Background(), "runs", "prune", "--days", "7")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "Pruned 0 archived run(s)")
}

func TestUnknownCommandIsUsageError(t *testing.T) {
	c := newCLI(t)
	code, _, _ := c.exec(context.Background(), "frobnicate")
	assert.Equal(t, ExitUsageError, code)
}

func TestExitCodeFor(t *testing.T) {
	assert.Equal(t, ExitLocked, exitCodeFor(caterrors.New(caterrors.KindResourceLocked, "locked", "", nil)))
	assert.Equal(t, ExitUsageError, exitCodeFor(caterrors.New(caterrors.KindInputValidationFailed, "bad", "", nil)))
	assert.Equal(t, ExitFailure, exitCodeFor(caterrors.New(caterrors.KindActionFailed, "boom", "", nil)))
}
