// Package secrets resolves provider credentials such as webhook URLs,
// routing keys and API tokens.
//
// Configuration never carries credentials directly. A credential field holds
// a reference that is expanded at start-up:
//
//	env:SLACK_WEBHOOK      environment variable
//	secret:pagerduty-prod  entry in the configured KeyStore
//	https://example.com    anything else is used literally
//
// The primary KeyStore uses 1Password Connect for production environments,
// with a local file-based fallback for development.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrSecretNotFound is returned when a named secret does not exist.
var ErrSecretNotFound = errors.New("secret not found")

// KeyStore provides read access to named credentials.
type KeyStore interface {
	// GetSecret returns the value stored under name. It returns an error
	// wrapping ErrSecretNotFound if the secret does not exist.
	GetSecret(ctx context.Context, name string) (string, error)

	// Close releases any resources held by the key store.
	Close() error
}

const (
	envPrefix    = "env:"
	secretPrefix = "secret:"
)

// IsReference reports whether value is an env: or secret: reference.
func IsReference(value string) bool {
	return strings.HasPrefix(value, envPrefix) || strings.HasPrefix(value, secretPrefix)
}

// Resolve expands a credential reference. ks may be nil when no secret:
// references are used.
func Resolve(ctx context.Context, ks KeyStore, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, envPrefix):
		name := strings.TrimPrefix(ref, envPrefix)
		val, ok := os.LookupEnv(name)
		if !ok || val == "" {
			return "", fmt.Errorf("environment variable %s: %w", name, ErrSecretNotFound)
		}
		return val, nil

	case strings.HasPrefix(ref, secretPrefix):
		name := strings.TrimPrefix(ref, secretPrefix)
		if ks == nil {
			return "", fmt.Errorf("secret %s referenced but no key store configured", name)
		}
		val, err := ks.GetSecret(ctx, name)
		if err != nil {
			return "", fmt.Errorf("resolving secret %s: %w", name, err)
		}
		return val, nil

	default:
		return ref, nil
	}
}
