package earlyreturn_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xerilium/catalyst/actions/earlyreturn"
	"github.com/xerilium/catalyst/pkg/catalyst/v1/action"
)

func TestExecute(t *testing.T) {
	out := earlyreturn.New().Execute(context.Background(), map[string]any{
		"message": "already released",
		"outputs": map[string]any{"version": "1.0.0"},
	})
	er, ok := out.(action.EarlyReturn)
	require.True(t, ok, "got %#v", out)
	assert.Equal(t, action.SuccessCode, er.Code)
	assert.Equal(t, "already released", er.Message)
	assert.Equal(t, map[string]any{"version": "1.0.0"}, er.Outputs)
}

func TestExecute_EmptyConfig(t *testing.T) {
	er, ok := earlyreturn.New().Execute(context.Background(), nil).(action.EarlyReturn)
	require.True(t, ok)
	assert.Equal(t, action.SuccessCode, er.Code)
	assert.Nil(t, er.Outputs)
}

func TestExecute_UnknownKey(t *testing.T) {
	_, ok := earlyreturn.New().Execute(context.Background(), map[string]any{"output": 1}).(action.Failure)
	assert.True(t, ok)
}
