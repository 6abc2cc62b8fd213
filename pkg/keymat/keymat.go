// Package keymat owns the deployment's report key encryption material:
// a 128-bit key loaded exactly once and cached for the life of the
// process, until explicitly invalidated.
package keymat

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/archodex/backend/pkg/apierror"
	"github.com/archodex/backend/pkg/store"
)

// LoadFunc fetches the deployment's private key. Called at most once
// per cache generation.
type LoadFunc func(ctx context.Context) ([]byte, error)

// Cache is a thread-safe load-once holder for the deployment key. A
// failed load is not cached; the next call retries.
type Cache struct {
	mu   sync.Mutex
	key  []byte
	load LoadFunc
}

func NewCache(load LoadFunc) *Cache {
	return &Cache{load: load}
}

// Key returns the cached key, loading it on first use.
func (c *Cache) Key(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key != nil {
		return c.key, nil
	}
	key, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(key) != 16 {
		return nil, apierror.Internal("private key must be 16 bytes, got %d", len(key))
	}
	c.key = key
	return c.key, nil
}

// Invalidate clears the cached key so the next Key call loads again.
// Called when the account owning store-backed key material is deleted.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = nil
}

// ParseHexKey decodes a hex-encoded 128-bit key from configuration.
func ParseHexKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid hex private key: %w", err)
	}
	if len(key) != 16 {
		return nil, fmt.Errorf("private key must be 16 bytes, got %d", len(key))
	}
	return key, nil
}

// AccountLoader resolves the deployment key from either the environment
// or the account record, never both. With envHex set, the env key is
// authoritative even before the account exists; an account that also
// carries stored key material is a deployment misconfiguration and
// fails hard rather than silently preferring one.
func AccountLoader(st *store.Store, envHex string) LoadFunc {
	return func(ctx context.Context) ([]byte, error) {
		account, err := st.GetAccount(ctx)
		if envHex != "" {
			if err != nil && !apierror.IsKind(err, apierror.KindNotFound) {
				return nil, err
			}
			if err == nil && len(account.APIPrivateKey) > 0 {
				return nil, apierror.Internal("private key configured in both environment and account record")
			}
			return ParseHexKey(envHex)
		}
		if err != nil {
			return nil, err
		}
		if len(account.APIPrivateKey) == 0 {
			return nil, apierror.Internal("account record has no private key and none configured in environment")
		}
		return account.APIPrivateKey, nil
	}
}

// StaticLoader serves a fixed key. Test helper.
func StaticLoader(key []byte) LoadFunc {
	return func(context.Context) ([]byte, error) {
		return key, nil
	}
}
