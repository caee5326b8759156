package tenant

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// Persistent cache types selected by CONFIG_CACHE_TYPE.
const (
	StoreRedis = "redis"
	StoreFile  = "file"
)

// ErrMiss is returned by a Store when no usable entry exists.
var ErrMiss = errors.New("tenant config not cached")

// Store persists raw tenant configs between process restarts.
type Store interface {
	Get(ctx context.Context, tenantKey string) ([]byte, error)
	Set(ctx context.Context, tenantKey string, data []byte) error
}

// RedisStore keeps configs under {prefix}/{tenantKey} with a TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(tenantKey string) string {
	return s.prefix + "/" + tenantKey
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, tenantKey string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(tenantKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, tenantKey string, data []byte) error {
	if err := s.client.Set(ctx, s.key(tenantKey), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// FileStore keeps configs as {dir}/{tenantKey}.json. Files older than maxAge
// are treated as missing.
type FileStore struct {
	dir    string
	maxAge time.Duration
	now    func() time.Time
}

// NewFileStore creates a FileStore.
func NewFileStore(dir string, maxAge time.Duration) *FileStore {
	return &FileStore{dir: dir, maxAge: maxAge, now: time.Now}
}

func (s *FileStore) path(tenantKey string) string {
	return filepath.Join(s.dir, filepath.Base(tenantKey)+".json")
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, tenantKey string) ([]byte, error) {
	p := s.path(tenantKey)
	info, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", p, err)
	}
	if s.maxAge > 0 && s.now().Sub(info.ModTime()) > s.maxAge {
		return nil, ErrMiss
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return data, nil
}

// Set implements Store.
func (s *FileStore) Set(_ context.Context, tenantKey string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	if err := os.WriteFile(s.path(tenantKey), data, 0o600); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}
	return nil
}
