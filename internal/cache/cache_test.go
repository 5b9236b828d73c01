package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towerintel/internal/breaker"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMemoryRoundTripAndExpiry(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	m := NewMemory()
	m.now = clk.now
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "intel:pulse:9", []byte(`[1]`), 30*time.Second))
	v, ok, err := m.Get(ctx, "intel:pulse:9")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `[1]`, string(v))

	clk.advance(29 * time.Second)
	_, ok, _ = m.Get(ctx, "intel:pulse:9")
	assert.True(t, ok, "entry should live until ttl")

	clk.advance(time.Second)
	_, ok, _ = m.Get(ctx, "intel:pulse:9")
	assert.False(t, ok, "read at ttl must miss even before sweep")
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, 0, m.Len())
}

func TestMemorySetRestartsTTL(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	m := NewMemory()
	m.now = clk.now
	ctx := context.Background()

	_ = m.Set(ctx, "k", []byte("a"), 10*time.Second)
	clk.advance(8 * time.Second)
	_ = m.Set(ctx, "k", []byte("b"), 10*time.Second)
	clk.advance(8 * time.Second)

	v, ok, _ := m.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "b", string(v))
}

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "intel:network:30", Key("intel:", "network", "30"))
	h := ContentHash("chat-1:what is the pulse?")
	assert.Len(t, h, 32)
	assert.Equal(t, h, ContentHash("chat-1:what is the pulse?"))
	assert.NotEqual(t, h, ContentHash("chat-1:what is the revenue?"))
}

type brokenBackend struct {
	calls atomic.Int32
	err   error
	block bool
}

func (b *brokenBackend) Get(ctx context.Context, _ string) ([]byte, bool, error) {
	b.calls.Add(1)
	if b.block {
		<-ctx.Done()
		return nil, false, ctx.Err()
	}
	return nil, false, b.err
}

func (b *brokenBackend) Set(ctx context.Context, _ string, _ []byte, _ time.Duration) error {
	b.calls.Add(1)
	if b.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return b.err
}

func TestFailOpenTreatsErrorsAsMiss(t *testing.T) {
	b := &brokenBackend{err: errors.New("connection refused")}
	c := NewFailOpen(b, 50*time.Millisecond, breaker.Settings{ConsecutiveFailures: 100, OpenTimeout: time.Minute})
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), time.Minute)
	v, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Nil(t, v)
	assert.EqualValues(t, 2, b.calls.Load())
}

func TestFailOpenBoundsSlowBackend(t *testing.T) {
	b := &brokenBackend{block: true}
	c := NewFailOpen(b, 20*time.Millisecond, breaker.Settings{ConsecutiveFailures: 100, OpenTimeout: time.Minute})

	start := time.Now()
	_, ok := c.Get(context.Background(), "k")
	c.Set(context.Background(), "k", []byte("v"), time.Minute)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFailOpenSkipsBackendOnceBreakerOpens(t *testing.T) {
	b := &brokenBackend{err: errors.New("down")}
	c := NewFailOpen(b, 50*time.Millisecond, breaker.Settings{ConsecutiveFailures: 3, OpenTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, ok := c.Get(ctx, "k")
		require.False(t, ok)
	}
	assert.EqualValues(t, 3, b.calls.Load())
}

func TestFailOpenPassesThroughHealthyBackend(t *testing.T) {
	c := NewFailOpen(NewMemory(), time.Second, breaker.DefaultSettings())
	ctx := context.Background()

	c.Set(ctx, "intel:live", []byte(`{"tower":{}}`), 15*time.Second)
	v, ok := c.Get(ctx, "intel:live")
	require.True(t, ok)
	assert.JSONEq(t, `{"tower":{}}`, string(v))
}

func TestFailOpenWithUnreachableRedis(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer func() { _ = rdb.Close() }()

	c := NewFailOpen(NewRedis(rdb), 200*time.Millisecond, breaker.DefaultSettings())
	ctx := context.Background()
	c.Set(ctx, "intel:pulse:2", []byte("x"), time.Minute)
	_, ok := c.Get(ctx, "intel:pulse:2")
	assert.False(t, ok)
}

func TestNopNeverHits(t *testing.T) {
	var c Cache = Nop{}
	c.Set(context.Background(), "k", []byte("v"), time.Minute)
	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
}
