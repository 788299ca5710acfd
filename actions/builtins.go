// Package actions registers the built-in actions.
package actions

import (
	"github.com/xerilium/catalyst/actions/earlyreturn"
	"github.com/xerilium/catalyst/actions/filewrite"
	"github.com/xerilium/catalyst/actions/httprequest"
	"github.com/xerilium/catalyst/actions/logging"
	"github.com/xerilium/catalyst/actions/script"
	"github.com/xerilium/catalyst/pkg/catalyst/v1/action"
	catlog "github.com/xerilium/catalyst/pkg/catalyst/v1/log"
)

// RegisterBuiltins adds every built-in action to reg. log receives output
// of `log` steps that run outside the engine.
func RegisterBuiltins(reg action.Registry, log catlog.Logger) error {
	builtins := []struct {
		id      string
		factory action.Factory
	}{
		{earlyreturn.ID, earlyreturn.New},
		{script.ID, script.New},
		{httprequest.ID, httprequest.New},
		{filewrite.ID, filewrite.New},
		{logging.ID, logging.NewFactory(log)},
	}
	for _, b := range builtins {
		if err := reg.Register(b.id, b.factory); err != nil {
			return err
		}
	}
	return nil
}
