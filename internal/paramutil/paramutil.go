// Package paramutil turns a resolved step config into an action's typed
// config struct.
package paramutil

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
)

var validate = validator.New()

// Decode fills out, a pointer to a config struct, from a step config.
//
// Fields are matched by `mapstructure` tags. `default` tags are applied
// first, then the config is decoded with weak typing ("30s" into a
// time.Duration, "3" into an int), then `validate` tags are checked. Unknown
// keys are rejected so typos do not pass silently. Every problem is reported
// in one ConfigInvalid error.
func Decode(actionID string, config any, out any) error {
	if err := defaults.Set(out); err != nil {
		return fmt.Errorf("applying defaults for %s: %w", actionID, err)
	}
	if config == nil {
		config = map[string]any{}
	}
	if _, ok := config.(map[string]any); !ok {
		return invalid(actionID, []string{fmt.Sprintf("config must be a mapping, got %T", config)})
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := dec.Decode(config); err != nil {
		var merr *mapstructure.Error
		if errors.As(err, &merr) {
			problems := append([]string(nil), merr.Errors...)
			sort.Strings(problems)
			return invalid(actionID, problems)
		}
		return invalid(actionID, []string{err.Error()})
	}

	if err := validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			problems := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("field '%s' failed validation: %s", fe.Field(), fe.Tag()))
			}
			return invalid(actionID, problems)
		}
		return invalid(actionID, []string{err.Error()})
	}
	return nil
}

func invalid(actionID string, problems []string) error {
	return caterrors.NewValidation(caterrors.KindConfigInvalid,
		fmt.Sprintf("invalid config for action %q", actionID), problems,
		"Check the step's config keys and value types against the action's documentation.")
}

// StringMap converts a decoded map of arbitrary scalars to strings, the
// shape headers, query parameters and environment variables need.
func StringMap(in map[string]any) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch s := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = s
		default:
			out[k] = fmt.Sprint(s)
		}
	}
	return out
}
