// Package cache memoizes serialized query results with a per-call TTL.
//
// A Backend talks to storage and reports its errors. Callers never see those
// errors: they use a Cache, normally a FailOpen wrapping a Backend, which turns
// every backend failure into a miss (reads) or a dropped write.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"
)

// Backend is a TTL key/value store. Get returns ok=false on a miss or an
// expired entry; err is reserved for backend failures.
type Backend interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Cache is the error-free contract handlers depend on.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// Key joins parts with ':' after prefix, e.g. Key("intel:", "pulse", "9").
func Key(prefix string, parts ...string) string {
	return prefix + strings.Join(parts, ":")
}

// ContentHash returns a fixed-length digest of free text for use in keys.
func ContentHash(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Nop is a cache that never hits. Used when caching is disabled.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool)         { return nil, false }
func (Nop) Set(context.Context, string, []byte, time.Duration) {}
