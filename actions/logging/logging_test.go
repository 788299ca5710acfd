package logging_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xerilium/catalyst/actions/logging"
	"github.com/xerilium/catalyst/internal/logger"
	"github.com/xerilium/catalyst/internal/secrets"
	"github.com/xerilium/catalyst/pkg/catalyst/v1/action"
	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
)

func TestExecute_UsesStepLogger(t *testing.T) {
	var fallback, step bytes.Buffer
	masker := secrets.NewMasker()
	masker.Register("TOKEN", "hunter2hunter2")

	stepLog := logger.WithMasker(logger.NewLogger("debug", "text", &step), masker)
	ctx := action.WithLogger(context.Background(), stepLog)

	a := logging.NewFactory(logger.NewLogger("debug", "text", &fallback))()
	out := a.Execute(ctx, map[string]any{"message": "token is hunter2hunter2", "level": "warn"})

	cont, ok := out.(action.Continue)
	require.True(t, ok)
	assert.Equal(t, "token is hunter2hunter2", cont.Value)
	assert.Contains(t, step.String(), "token is [SECRET:TOKEN]")
	assert.NotContains(t, step.String(), "hunter2hunter2")
	assert.Empty(t, fallback.String())
}

func TestExecute_FallbackLogger(t *testing.T) {
	var buf bytes.Buffer
	a := logging.NewFactory(logger.NewLogger("info", "text", &buf))()

	_, ok := a.Execute(context.Background(), map[string]any{"message": "hello"}).(action.Continue)
	require.True(t, ok)
	assert.Contains(t, buf.String(), "hello")
}

func TestExecute_RejectsUnknownLevel(t *testing.T) {
	a := logging.NewFactory(nil)()
	f, ok := a.Execute(context.Background(), map[string]any{"message": "x", "level": "loud"}).(action.Failure)
	require.True(t, ok)
	assert.Equal(t, caterrors.KindConfigInvalid.Code(), f.Code)
}

func TestPrimaryProperty(t *testing.T) {
	a := logging.NewFactory(nil)()
	p, ok := a.(action.PrimaryPropertyProvider)
	require.True(t, ok)
	assert.Equal(t, "message", p.PrimaryProperty())
}
