package images

import (
	"fmt"

	"github.com/docker/docker/api/types/registry"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
)

// Auth produces the encoded RegistryAuth header for a pull.
type Auth struct {
	// Static credentials win over the keychain when Username is set.
	Username string
	Password string
	Keychain authn.Keychain
}

// DefaultAuth resolves credentials from the docker config and credential helpers.
func DefaultAuth() Auth { return Auth{Keychain: authn.DefaultKeychain} }

// RegistryAuth returns the base64 JSON auth for ref's registry, or "" for
// anonymous access.
func (a Auth) RegistryAuth(ref Reference) (string, error) {
	if a.Username != "" {
		return registry.EncodeAuthConfig(registry.AuthConfig{
			Username:      a.Username,
			Password:      a.Password,
			ServerAddress: ref.Registry(),
		})
	}
	if a.Keychain == nil {
		return "", nil
	}
	reg, err := name.NewRegistry(ref.Registry())
	if err != nil {
		return "", fmt.Errorf("registry %q: %w", ref.Registry(), err)
	}
	authr, err := a.Keychain.Resolve(reg)
	if err != nil {
		return "", fmt.Errorf("resolve credentials for %s: %w", ref.Registry(), err)
	}
	if authr == authn.Anonymous {
		return "", nil
	}
	cfg, err := authr.Authorization()
	if err != nil {
		return "", fmt.Errorf("credentials for %s: %w", ref.Registry(), err)
	}
	if cfg.Username == "" && cfg.Password == "" && cfg.IdentityToken == "" && cfg.RegistryToken == "" && cfg.Auth == "" {
		return "", nil
	}
	return registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      cfg.Username,
		Password:      cfg.Password,
		Auth:          cfg.Auth,
		IdentityToken: cfg.IdentityToken,
		RegistryToken: cfg.RegistryToken,
		ServerAddress: ref.Registry(),
	})
}
