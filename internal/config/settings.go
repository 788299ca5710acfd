package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
)

// EnvPrefix is the prefix of environment variables that override settings,
// e.g. CATALYST_RUNS_DIR.
const EnvPrefix = "CATALYST_"

// Settings configures the runner itself, as opposed to a single playbook.
type Settings struct {
	RunsDir              string        `koanf:"runs_dir" default:".xe/runs" validate:"required"`
	LocksDir             string        `koanf:"locks_dir" default:".xe/runs/locks" validate:"required"`
	LockTTL              time.Duration `koanf:"lock_ttl" default:"1h" validate:"gt=0"`
	Holder               string        `koanf:"holder"`
	ArchiveRetentionDays int           `koanf:"archive_retention_days" default:"30" validate:"gte=0"`
	DefaultErrorPolicy   string        `koanf:"default_error_policy" default:"Stop" validate:"oneof=Stop Suspend Break Inquire Continue SilentlyContinue Ignore"`
	LogLevel             string        `koanf:"log_level" default:"info" validate:"oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	LogFormat            string        `koanf:"log_format" default:"text" validate:"oneof=text json"`
	StatusAddr           string        `koanf:"status_addr" default:"127.0.0.1:8089" validate:"hostname_port"`
}

var validate = validator.New()

// DefaultSettingsPath is $XDG_CONFIG_HOME/catalyst/config.yaml.
func DefaultSettingsPath() string {
	return filepath.Join(xdg.ConfigHome, "catalyst", "config.yaml")
}

// LoadSettings builds Settings from struct defaults, then the YAML file at
// path, then CATALYST_* environment variables. An empty path falls back to
// DefaultSettingsPath, which is skipped silently when absent. An explicit path
// that does not exist is an error.
func LoadSettings(path string) (*Settings, error) {
	s := &Settings{}
	if err := defaults.Set(s); err != nil {
		return nil, caterrors.New(caterrors.KindConfigInvalid, "applying default settings", "", err)
	}

	k := koanf.New(".")
	explicit := path != ""
	if !explicit {
		path = DefaultSettingsPath()
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, caterrors.New(caterrors.KindConfigInvalid, fmt.Sprintf("loading settings from %s", path),
				"Check that the settings file is valid YAML.", err)
		}
	} else if explicit || !errors.Is(err, os.ErrNotExist) {
		return nil, caterrors.New(caterrors.KindConfigInvalid, fmt.Sprintf("reading settings file %s", path),
			"Pass an existing file to --config or omit the flag.", err)
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil)
	if err != nil {
		return nil, caterrors.New(caterrors.KindConfigInvalid, "loading settings from environment", "", err)
	}

	if err := k.UnmarshalWithConf("", s, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, caterrors.New(caterrors.KindConfigInvalid, "decoding settings",
			"Check the types of the values in the settings file and CATALYST_* variables.", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks every field and reports all failures at once.
func (s *Settings) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return caterrors.New(caterrors.KindConfigInvalid, "settings validation failed", "", err)
	}
	violations := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		violations = append(violations, fmt.Sprintf("field '%s' failed validation: %v (rule: %s)", fe.Field(), fe.Value(), fe.Tag()))
	}
	return caterrors.NewValidation(caterrors.KindConfigInvalid, "settings validation failed", violations,
		"Fix the listed settings in the config file or the CATALYST_* environment.")
}

// DefaultPolicy returns the configured engine-wide default error policy.
func (s *Settings) DefaultPolicy() *ErrorPolicy {
	return TokenPolicy(PolicyAction(s.DefaultErrorPolicy))
}
