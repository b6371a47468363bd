// Package secrets provides the durable key-value secret storage that session
// records are persisted in.
package secrets

import (
	"context"
	"fmt"
	"io"

	"github.com/winter-ide/winter-auth/internal/config"
)

// Storage is an opaque, confidential key-value store.
type Storage interface {
	// Get returns the value for key. The boolean is false when key is absent.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open creates the storage backend selected by cfg. The returned closer
// releases backend connections and must be called on shutdown.
func Open(cfg *config.StorageConfig) (Storage, io.Closer, error) {
	switch cfg.Backend {
	case config.StorageFile:
		fs, err := NewFile(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return fs, nopCloser{}, nil
	case config.StorageMemory:
		return NewMemory(), nopCloser{}, nil
	case config.StorageRedis:
		rs := NewRedis(NewRedisClient(cfg.Redis), cfg.Redis.KeyPrefix)
		return rs, rs, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
