package cache

import (
	"context"
	"time"

	"towerintel/internal/breaker"
	"towerintel/internal/logging"
	"towerintel/internal/metrics"
)

// FailOpen adapts a Backend to Cache. Backend errors, timeouts and an open
// breaker all read as a miss; failed writes are dropped.
type FailOpen struct {
	backend Backend
	breaker *breaker.Breaker
	timeout time.Duration
}

// NewFailOpen wraps b. timeout bounds each backend call.
func NewFailOpen(b Backend, timeout time.Duration, s breaker.Settings) *FailOpen {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &FailOpen{backend: b, breaker: breaker.New("cache", s), timeout: timeout}
}

func (f *FailOpen) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var (
		val []byte
		hit bool
	)
	err := f.breaker.Do(func() error {
		var err error
		val, hit, err = f.backend.Get(ctx, key)
		return err
	})
	switch {
	case err != nil:
		f.report(ctx, "get", key, err)
		return nil, false
	case hit:
		metrics.CacheOps.WithLabelValues("get", "hit").Inc()
		return val, true
	default:
		metrics.CacheOps.WithLabelValues("get", "miss").Inc()
		return nil, false
	}
}

func (f *FailOpen) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	err := f.breaker.Do(func() error {
		return f.backend.Set(ctx, key, value, ttl)
	})
	if err != nil {
		f.report(ctx, "set", key, err)
		return
	}
	metrics.CacheOps.WithLabelValues("set", "ok").Inc()
}

func (f *FailOpen) report(ctx context.Context, op, key string, err error) {
	if breaker.IsOpen(err) {
		metrics.CacheOps.WithLabelValues(op, "skipped").Inc()
		return
	}
	metrics.CacheOps.WithLabelValues(op, "error").Inc()
	logging.Ctx(ctx).Warn().Err(err).Str("op", op).Str("key", key).Msg("cache backend unavailable, failing open")
}
