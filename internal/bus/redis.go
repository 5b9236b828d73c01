package bus

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DefaultHealthCheck is how long a subscription may stay silent before it
// is pinged. An unanswered ping ends the stream.
const DefaultHealthCheck = 30 * time.Second

var errHealthCheck = errors.New("bus: redis subscription health check timed out")

// Redis implements Bus over Redis Pub/Sub.
type Redis struct {
	rdb         *redis.Client
	healthCheck time.Duration
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, healthCheck: DefaultHealthCheck}
}

// WithHealthCheck sets the idle interval after which subscriptions ping.
func (b *Redis) WithHealthCheck(d time.Duration) *Redis {
	if d > 0 {
		b.healthCheck = d
	}
	return b
}

func (b *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe confirms the subscription with the server before returning. The
// returned stream ends on the first receive error, or when a ping goes
// unanswered, instead of letting the client reconnect silently, so the
// caller can resubscribe and log the gap.
func (b *Redis) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if len(channels) == 0 {
		return nil, ErrNoChannels
	}
	ps := b.rdb.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	s := &redisSub{ps: ps, healthCheck: b.healthCheck, msgs: make(chan Message, 64), done: make(chan struct{})}
	go s.pump()
	return s, nil
}

type redisSub struct {
	ps          *redis.PubSub
	healthCheck time.Duration
	msgs        chan Message
	done        chan struct{}
	once        sync.Once

	mu  sync.Mutex
	err error
}

func (s *redisSub) pump() {
	defer close(s.msgs)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	pinged := false
	for {
		v, err := s.ps.ReceiveTimeout(ctx, s.healthCheck)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && ctx.Err() == nil {
				if pinged {
					s.setErr(errHealthCheck)
					return
				}
				if err := s.ps.Ping(ctx); err != nil {
					s.fail(err)
					return
				}
				pinged = true
				continue
			}
			s.fail(err)
			return
		}
		pinged = false
		m, ok := v.(*redis.Message)
		if !ok {
			// pong or subscription confirmation
			continue
		}
		select {
		case s.msgs <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
		case <-s.done:
			return
		}
	}
}

// fail records err unless the subscription was closed by its owner.
func (s *redisSub) fail(err error) {
	select {
	case <-s.done:
	default:
		s.setErr(err)
	}
}

func (s *redisSub) setErr(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *redisSub) Messages() <-chan Message { return s.msgs }

func (s *redisSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
