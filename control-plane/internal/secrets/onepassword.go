package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
)

// OnePasswordKeyStore reads secrets from 1Password using the Connect API.
//
// A secret name is an item title, optionally followed by a field label:
// "pagerduty-prod" reads the item's credential or password field,
// "slack/webhook url" reads the field labelled "webhook url".
//
// Configuration is via environment variables:
//   - OP_CONNECT_HOST: URL of the 1Password Connect server
//   - OP_CONNECT_TOKEN: Access token for the Connect server
//   - OP_VAULT_ID: UUID of the vault holding provider credentials
type OnePasswordKeyStore struct {
	client  connect.Client
	vaultID string
	logger  *slog.Logger

	// Cache to avoid repeated API calls
	mu    sync.RWMutex
	cache map[string]string
}

// OnePasswordConfig holds configuration for 1Password Connect.
type OnePasswordConfig struct {
	Host    string // OP_CONNECT_HOST
	Token   string // OP_CONNECT_TOKEN
	VaultID string // OP_VAULT_ID
}

// NewOnePasswordKeyStore creates a new 1Password-backed key store.
func NewOnePasswordKeyStore(cfg OnePasswordConfig, logger *slog.Logger) (*OnePasswordKeyStore, error) {
	if cfg.Host == "" || cfg.Token == "" || cfg.VaultID == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault_id are required")
	}

	client := connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "alertcore-control-plane")

	return newOnePasswordKeyStore(client, cfg.VaultID, logger), nil
}

func newOnePasswordKeyStore(client connect.Client, vaultID string, logger *slog.Logger) *OnePasswordKeyStore {
	return &OnePasswordKeyStore{
		client:  client,
		vaultID: vaultID,
		logger:  logger,
		cache:   make(map[string]string),
	}
}

// GetSecret implements KeyStore.
func (ks *OnePasswordKeyStore) GetSecret(ctx context.Context, name string) (string, error) {
	ks.mu.RLock()
	if cached, ok := ks.cache[name]; ok {
		ks.mu.RUnlock()
		return cached, nil
	}
	ks.mu.RUnlock()

	title, label, _ := strings.Cut(name, "/")

	items, err := ks.client.GetItemsByTitle(title, ks.vaultID)
	if err != nil {
		if isNotFoundError(err) {
			return "", fmt.Errorf("%s: %w", name, ErrSecretNotFound)
		}
		return "", fmt.Errorf("listing items: %w", err)
	}
	if len(items) == 0 {
		return "", fmt.Errorf("%s: %w", name, ErrSecretNotFound)
	}

	// Get the full item (including fields)
	item, err := ks.client.GetItem(items[0].ID, ks.vaultID)
	if err != nil {
		return "", fmt.Errorf("getting item: %w", err)
	}

	val, ok := fieldValue(item, label)
	if !ok {
		return "", fmt.Errorf("%s: field not present: %w", name, ErrSecretNotFound)
	}

	ks.mu.Lock()
	ks.cache[name] = val
	ks.mu.Unlock()

	ks.logger.Debug("resolved secret from 1Password", "item", title, "field", label)
	return val, nil
}

// Close releases any resources.
func (ks *OnePasswordKeyStore) Close() error {
	ks.mu.Lock()
	ks.cache = make(map[string]string)
	ks.mu.Unlock()
	return nil
}

// fieldValue picks the requested field, or the item's primary secret when
// label is empty.
func fieldValue(item *onepassword.Item, label string) (string, bool) {
	if label != "" {
		for _, f := range item.Fields {
			if strings.EqualFold(f.Label, label) || f.ID == label {
				return f.Value, true
			}
		}
		return "", false
	}
	for _, want := range []string{"credential", "password"} {
		for _, f := range item.Fields {
			if f.ID == want || strings.EqualFold(f.Label, want) {
				return f.Value, true
			}
		}
	}
	for _, f := range item.Fields {
		if f.Type == "CONCEALED" {
			return f.Value, true
		}
	}
	return "", false
}

// isNotFoundError checks if an error is a "not found" error from 1Password.
// The SDK does not export typed errors for this case.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404") || strings.Contains(msg, "no items")
}
