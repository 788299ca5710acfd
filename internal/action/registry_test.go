package action_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xerilium/catalyst/internal/action"
	catalystaction "github.com/xerilium/catalyst/pkg/catalyst/v1/action"
	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
)

type noop struct{}

func (noop) Execute(context.Context, any) catalystaction.Outcome { return catalystaction.Continue{} }

func TestStaticRegistry(t *testing.T) {
	r := action.NewStaticRegistry()
	factory := func() catalystaction.Action { return noop{} }

	require.NoError(t, r.Register("b", factory))
	require.NoError(t, r.Register("a", factory))
	assert.True(t, caterrors.IsKind(r.Register("a", factory), caterrors.KindConfigInvalid))
	assert.Error(t, r.Register("", factory))
	assert.Error(t, r.Register("c", nil))

	assert.Equal(t, []string{"a", "b"}, r.List())

	f, err := r.Get("a")
	require.NoError(t, err)
	assert.IsType(t, catalystaction.Continue{}, f().Execute(context.Background(), nil))

	_, err = r.Get("missing")
	assert.True(t, caterrors.IsKind(err, caterrors.KindActionNotFound))
}
