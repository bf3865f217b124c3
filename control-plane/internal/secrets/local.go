package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LocalKeyStore stores secrets on the local filesystem.
// This is intended for development and testing only.
//
// Each secret is one file in the base directory, named after the secret:
//
//	<base_dir>/
//	  slack-oncall       (contents: the webhook URL)
//	  pagerduty-prod     (contents: the routing key)
type LocalKeyStore struct {
	baseDir string
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// NewLocalKeyStore creates a new local filesystem-backed key store.
// If baseDir is empty, it defaults to ~/.alertcore/secrets.
func NewLocalKeyStore(baseDir string, logger *slog.Logger) (*LocalKeyStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".alertcore", "secrets")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("creating secrets directory: %w", err)
	}

	logger.Info("using local key store", "path", baseDir)

	return &LocalKeyStore{
		baseDir: baseDir,
		logger:  logger,
		cache:   make(map[string]string),
	}, nil
}

// GetSecret reads the secret file for name. Surrounding whitespace is
// trimmed.
func (ks *LocalKeyStore) GetSecret(ctx context.Context, name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}

	ks.mu.RLock()
	if cached, ok := ks.cache[name]; ok {
		ks.mu.RUnlock()
		return cached, nil
	}
	ks.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(ks.baseDir, name))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%s: %w", name, ErrSecretNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading secret %s: %w", name, err)
	}
	val := strings.TrimSpace(string(data))

	ks.mu.Lock()
	ks.cache[name] = val
	ks.mu.Unlock()
	return val, nil
}

// PutSecret writes a secret with owner-only permissions.
func (ks *LocalKeyStore) PutSecret(ctx context.Context, name, value string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(ks.baseDir, name), []byte(value), 0600); err != nil {
		return fmt.Errorf("writing secret %s: %w", name, err)
	}

	ks.mu.Lock()
	ks.cache[name] = value
	ks.mu.Unlock()

	ks.logger.Info("stored secret", "name", name)
	return nil
}

// Close releases any resources.
func (ks *LocalKeyStore) Close() error {
	ks.mu.Lock()
	ks.cache = make(map[string]string)
	ks.mu.Unlock()
	return nil
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid secret name %q", name)
	}
	return nil
}
