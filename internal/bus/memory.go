package bus

import (
	"context"
	"sync"
)

// Memory is an in-process Bus. Publish blocks while a subscriber's buffer is
// full so per-channel order is never broken by drops.
type Memory struct {
	mu      sync.Mutex
	subs    map[string]map[*memSub]struct{} // channel -> subscribers
	failSub error
}

func NewMemory() *Memory {
	return &Memory{subs: map[string]map[*memSub]struct{}{}}
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	targets := make([]*memSub, 0, len(m.subs[channel]))
	for s := range m.subs[channel] {
		targets = append(targets, s)
	}
	m.mu.Unlock()

	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	for _, s := range targets {
		if err := s.deliver(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	if len(channels) == 0 {
		return nil, ErrNoChannels
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSub != nil {
		return nil, m.failSub
	}
	s := &memSub{
		bus:      m,
		channels: append([]string(nil), channels...),
		msgs:     make(chan Message, 64),
		done:     make(chan struct{}),
	}
	for _, ch := range channels {
		if m.subs[ch] == nil {
			m.subs[ch] = map[*memSub]struct{}{}
		}
		m.subs[ch][s] = struct{}{}
	}
	return s, nil
}

// FailSubscribe makes subsequent Subscribe calls return err; nil restores them.
func (m *Memory) FailSubscribe(err error) {
	m.mu.Lock()
	m.failSub = err
	m.mu.Unlock()
}

// Drop ends every live subscription with err, as a lost backend connection would.
func (m *Memory) Drop(err error) {
	m.mu.Lock()
	all := map[*memSub]struct{}{}
	for _, set := range m.subs {
		for s := range set {
			all[s] = struct{}{}
		}
	}
	m.mu.Unlock()
	for s := range all {
		s.end(err)
	}
}

// Subscribers returns the number of live subscriptions on channel.
func (m *Memory) Subscribers(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[channel])
}

func (m *Memory) remove(s *memSub) {
	m.mu.Lock()
	for _, ch := range s.channels {
		if set := m.subs[ch]; set != nil {
			delete(set, s)
			if len(set) == 0 {
				delete(m.subs, ch)
			}
		}
	}
	m.mu.Unlock()
}

type memSub struct {
	bus      *Memory
	channels []string
	msgs     chan Message
	done     chan struct{}
	once     sync.Once

	mu     sync.RWMutex
	closed bool
	err    error
}

func (s *memSub) deliver(ctx context.Context, msg Message) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.msgs <- msg:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memSub) end(err error) {
	s.once.Do(func() {
		close(s.done)
		s.bus.remove(s)
		s.mu.Lock()
		s.closed = true
		s.err = err
		close(s.msgs)
		s.mu.Unlock()
	})
}

func (s *memSub) Messages() <-chan Message { return s.msgs }

func (s *memSub) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *memSub) Close() error {
	s.end(nil)
	return nil
}
