package blobstore

import (
	"context"
	"fmt"
	"io"
)

// Backend names accepted by Open
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config selects and configures a backend
type Config struct {
	Backend     string
	Dir         string
	Redis       RedisConfig
	PostgresDSN string
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Open creates the store named by cfg.Backend. The returned closer releases
// any connections held by the backend.
func Open(ctx context.Context, cfg Config) (Store, io.Closer, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nopCloser{}, nil
	case BackendFile:
		s, err := NewFileStore(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return s, nopCloser{}, nil
	case BackendRedis:
		s, err := NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case BackendPostgres:
		s, err := NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, closerFunc(func() error { s.Close(); return nil }), nil
	default:
		return nil, nil, fmt.Errorf("unknown blob store backend %q", cfg.Backend)
	}
}
