package secrets

import (
	"context"
	"os"

	catsecrets "github.com/xerilium/catalyst/pkg/catalyst/v1/secrets"
)

// EnvProvider reads secrets from the process environment.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates a provider that looks up prefix+key.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

// GetSecret returns the environment value of prefix+key.
func (p *EnvProvider) GetSecret(_ context.Context, key string) (string, bool, error) {
	value, found := os.LookupEnv(p.prefix + key)
	return value, found, nil
}

var _ catsecrets.Provider = (*EnvProvider)(nil)
