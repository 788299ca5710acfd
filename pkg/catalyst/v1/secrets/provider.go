package secrets

import "context"

// Provider looks up secret values by name. The CLI uses providers to populate
// the secret store handed to a run; the engine itself never calls them.
type Provider interface {
	// GetSecret returns the value and whether it was found. A non-nil error
	// means the lookup itself failed.
	GetSecret(ctx context.Context, key string) (string, bool, error)
}
