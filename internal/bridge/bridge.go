// Package bridge relays backend bus messages to live client connections.
package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"towerintel/internal/bus"
	"towerintel/internal/logging"
	"towerintel/internal/metrics"
)

// Broadcaster is the side of the connection manager the bridge needs.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel string, msg []byte) int
}

type Config struct {
	Channels       []string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Bridge holds one subscription to every configured channel and forwards each
// message verbatim, in arrival order, to the broadcaster.
type Bridge struct {
	bus  bus.Bus
	out  Broadcaster
	cfg  Config
	wait func(ctx context.Context, d time.Duration) bool
}

func New(b bus.Bus, out Broadcaster, cfg Config) *Bridge {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Bridge{bus: b, out: out, cfg: cfg, wait: sleepCtx}
}

func (b *Bridge) String() string { return "bus-bridge" }

// Serve runs until ctx is cancelled. Subscribe failures and lost streams are
// retried forever with capped exponential backoff.
func (b *Bridge) Serve(ctx context.Context) error {
	if len(b.cfg.Channels) == 0 {
		return fmt.Errorf("bridge: %w", bus.ErrNoChannels)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.InitialBackoff
	bo.Multiplier = 2
	bo.MaxInterval = b.cfg.MaxBackoff
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sub, err := b.bus.Subscribe(ctx, b.cfg.Channels...)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.BridgeReconnects.Inc()
			sleep := next(bo, b.cfg.MaxBackoff)
			logging.Warn().Err(err).Dur("retry_in", sleep).Msg("bus subscribe failed")
			if !b.wait(ctx, sleep) {
				return ctx.Err()
			}
			continue
		}
		bo.Reset()
		logging.Info().Strs("channels", b.cfg.Channels).Msg("bridge subscribed")

		err = b.relay(ctx, sub)
		_ = sub.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.BridgeReconnects.Inc()
		sleep := next(bo, b.cfg.MaxBackoff)
		logging.Warn().Err(err).Dur("retry_in", sleep).Msg("bus stream lost")
		if !b.wait(ctx, sleep) {
			return ctx.Err()
		}
	}
}

// relay drains sub until it ends or ctx is done, returning the stream error.
func (b *Bridge) relay(ctx context.Context, sub bus.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return fmt.Errorf("bridge: subscription closed")
			}
			metrics.BridgeMessages.WithLabelValues(msg.Channel).Inc()
			n := b.out.Broadcast(ctx, msg.Channel, msg.Payload)
			logging.Debug().Str("channel", msg.Channel).Int("delivered", n).Msg("relayed")
		}
	}
}

func next(bo *backoff.ExponentialBackOff, max time.Duration) time.Duration {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		d = max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
