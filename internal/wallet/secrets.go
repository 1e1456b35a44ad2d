package wallet

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Secret keys the wallet needs at runtime.
const (
	SecretMasterSeed  = "hd_wallet_master_seed"
	SecretTreasuryKey = "treasury_wallet_private_key"
)

// Secrets is the pluggable backend for wallet credentials. Values are
// fetched lazily and cached for the life of the process.
type Secrets interface {
	Get(key string) (string, error)
}

// NewSecrets selects a backend. "env" reads upper-cased environment
// variables; "file" reads one file per key under the prefix directory.
func NewSecrets(backend, prefix string) (Secrets, error) {
	switch backend {
	case "", "env":
		return &cachedSecrets{fetch: fetchEnv(prefix)}, nil
	case "file":
		if prefix == "" {
			return nil, fmt.Errorf("file secrets backend requires SECRETS_PREFIX (directory)")
		}
		return &cachedSecrets{fetch: fetchFile(prefix)}, nil
	default:
		return nil, fmt.Errorf("unknown secrets backend %q (valid: env, file)", backend)
	}
}

type cachedSecrets struct {
	mu    sync.Mutex
	cache map[string]string
	fetch func(key string) (string, error)
}

func (s *cachedSecrets) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil {
		s.cache = make(map[string]string)
	}
	if v, ok := s.cache[key]; ok {
		return v, nil
	}
	v, err := s.fetch(key)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", fmt.Errorf("secret %q is empty", key)
	}
	s.cache[key] = v
	return v, nil
}

func fetchEnv(prefix string) func(string) (string, error) {
	return func(key string) (string, error) {
		name := strings.ToUpper(key)
		if prefix != "" {
			name = strings.ToUpper(prefix) + "_" + name
		}
		v := os.Getenv(name)
		if v == "" {
			return "", fmt.Errorf("secret %q not found in environment (%s)", key, name)
		}
		return v, nil
	}
}

func fetchFile(dir string) func(string) (string, error) {
	return func(key string) (string, error) {
		data, err := os.ReadFile(filepath.Join(dir, key))
		if err != nil {
			return "", fmt.Errorf("secret %q: %w", key, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
}
