package command_test

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xerilium/catalyst/internal/command"
)

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestRun_CapturesOutput(t *testing.T) {
	skipWithoutShell(t)
	res, err := command.NewRunner().Run(context.Background(), command.Spec{
		Command: `echo out; echo err >&2`,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.False(t, res.TimedOut)
}

func TestRun_NonZeroExitIsNotAnError(t *testing.T) {
	skipWithoutShell(t)
	res, err := command.NewRunner().Run(context.Background(), command.Spec{Command: "exit 3"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestRun_EnvAndDir(t *testing.T) {
	skipWithoutShell(t)
	dir := t.TempDir()
	t.Setenv("CATALYST_CMD_INHERITED", "parent")

	res, err := command.NewRunner().Run(context.Background(), command.Spec{
		Command: `echo "$GREETING $CATALYST_CMD_INHERITED"; pwd`,
		Dir:     dir,
		Env:     map[string]string{"GREETING": "hello"},
	})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "hello parent", lines[0])
	assert.True(t, strings.HasSuffix(lines[1], strings.TrimPrefix(dir, "/private")))
}

func TestRun_Timeout(t *testing.T) {
	skipWithoutShell(t)
	res, err := command.NewRunner().Run(context.Background(), command.Spec{
		Command: "sleep 5",
		Timeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
}

func TestRun_CancelledIsNotTimeout(t *testing.T) {
	skipWithoutShell(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := command.NewRunner().Run(ctx, command.Spec{Command: "sleep 5", Timeout: time.Minute})
	require.Error(t, err)
	assert.False(t, res.TimedOut)
}
