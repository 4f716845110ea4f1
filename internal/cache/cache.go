package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned when a key is not present or has expired.
var ErrCacheMiss = errors.New("cache miss")

// Cache stores opaque byte payloads with a TTL. The gateway uses it for raw
// manifest bytes, keyed by Study Instance UID; the memory backend is the
// default and Redis can be configured for multi-process deployments.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context, pattern string) error
	Close() error
}

// ManifestKey builds the cache key for a study's raw manifest bytes.
func ManifestKey(studyUID string) string {
	return "manifest:" + studyUID
}
