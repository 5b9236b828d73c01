// Package hub tracks live client connections by channel membership and fans
// messages out to them.
package hub

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"towerintel/internal/logging"
	"towerintel/internal/metrics"
)

var (
	ErrUnknownChannel     = errors.New("hub: unknown channel")
	ErrNotRegistered      = errors.New("hub: connection not registered")
	ErrForbidden          = errors.New("hub: subscription not permitted")
	ErrTooManyConnections = errors.New("hub: too many connections from remote")
	ErrClosed             = errors.New("hub: manager closed")
)

// Transport is one client connection's wire. Send must honour ctx's deadline.
type Transport interface {
	Accept(ctx context.Context) error
	Send(ctx context.Context, msg []byte) error
	Close() error
	RemoteAddr() string
}

// State of a connection. Closed is terminal.
type State int32

const (
	Handshaking State = iota
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	default:
		return "closed"
	}
}

// Connection is a registered client.
type Connection struct {
	ID      string
	Subject string
	Remote  string

	t         Transport
	state     atomic.Int32
	wmu       sync.Mutex // serializes writes
	closeOnce sync.Once
}

func (c *Connection) State() State { return State(c.state.Load()) }

func newConnection(t Transport, subject string) *Connection {
	if subject == "" {
		subject = "anonymous"
	}
	return &Connection{ID: uuid.NewString(), Subject: subject, Remote: t.RemoteAddr(), t: t}
}

func (c *Connection) close() {
	c.state.Store(int32(Closed))
	c.closeOnce.Do(func() { _ = c.t.Close() })
}

// Authorizer decides whether conn may join channel after its initial one.
type Authorizer interface {
	Authorize(conn *Connection, channel string) bool
}

type AuthorizerFunc func(conn *Connection, channel string) bool

func (f AuthorizerFunc) Authorize(conn *Connection, channel string) bool { return f(conn, channel) }

// FloorPulseOnly permits additional subscriptions to floor pulse channels only.
var FloorPulseOnly = AuthorizerFunc(func(_ *Connection, channel string) bool {
	return strings.HasPrefix(channel, "floor-pulse-")
})

type Options struct {
	SendTimeout  time.Duration
	MaxPerRemote int // 0 disables the cap
	Workers      int
	Authorizer   Authorizer
}

// Manager owns channel membership. members and conns mirror each other and are
// only changed together under mu.
type Manager struct {
	opts  Options
	known map[string]struct{}

	mu        sync.RWMutex
	members   map[string]map[*Connection]struct{}
	conns     map[*Connection]map[string]struct{}
	perRemote map[string]int
	closed    bool
}

func NewManager(channels []string, opts Options) *Manager {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 32
	}
	if opts.Authorizer == nil {
		opts.Authorizer = FloorPulseOnly
	}
	m := &Manager{
		opts:      opts,
		known:     make(map[string]struct{}, len(channels)),
		members:   make(map[string]map[*Connection]struct{}, len(channels)),
		conns:     map[*Connection]map[string]struct{}{},
		perRemote: map[string]int{},
	}
	for _, ch := range channels {
		m.known[ch] = struct{}{}
		m.members[ch] = map[*Connection]struct{}{}
	}
	return m
}

// Known reports whether channel is part of the static channel set.
func (m *Manager) Known(channel string) bool {
	_, ok := m.known[channel]
	return ok
}

// Connect accepts t and registers it on channel. An unknown channel is
// rejected before the transport is accepted. The connection receives
// broadcasts as soon as Connect returns.
func (m *Manager) Connect(ctx context.Context, t Transport, subject, channel string) (*Connection, error) {
	return m.register(ctx, newConnection(t, subject), channel)
}

// register moves c from Handshaking to Active. A connection that was closed,
// or is already registered, is rejected.
func (m *Manager) register(ctx context.Context, c *Connection, channel string) (*Connection, error) {
	if !m.Known(channel) {
		return nil, ErrUnknownChannel
	}
	if c.State() != Handshaking {
		return nil, ErrClosed
	}
	if err := m.reserve(c.Remote); err != nil {
		return nil, err
	}
	if err := c.t.Accept(ctx); err != nil {
		m.release(c.Remote)
		c.close()
		return nil, err
	}

	m.mu.Lock()
	if m.closed || !c.state.CompareAndSwap(int32(Handshaking), int32(Active)) {
		m.mu.Unlock()
		m.release(c.Remote)
		c.close()
		return nil, ErrClosed
	}
	m.conns[c] = map[string]struct{}{channel: {}}
	m.members[channel][c] = struct{}{}
	size := len(m.members[channel])
	total := len(m.conns)
	m.mu.Unlock()

	metrics.WSConnections.Set(float64(total))
	metrics.ChannelMembers.WithLabelValues(channel).Set(float64(size))
	logging.Debug().Str("conn", c.ID).Str("subject", c.Subject).Str("channel", channel).Msg("connection registered")
	return c, nil
}

func (m *Manager) reserve(remote string) error {
	if m.opts.MaxPerRemote <= 0 || remote == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.perRemote[remote] >= m.opts.MaxPerRemote {
		return ErrTooManyConnections
	}
	m.perRemote[remote]++
	return nil
}

func (m *Manager) release(remote string) {
	if m.opts.MaxPerRemote <= 0 || remote == "" {
		return
	}
	m.mu.Lock()
	m.releaseLocked(remote)
	m.mu.Unlock()
}

func (m *Manager) releaseLocked(remote string) {
	if n := m.perRemote[remote]; n <= 1 {
		delete(m.perRemote, remote)
	} else {
		m.perRemote[remote] = n - 1
	}
}

// SubscribeAdditional adds channel to an already registered connection.
// Subscribing twice to the same channel is a no-op.
func (m *Manager) SubscribeAdditional(_ context.Context, c *Connection, channel string) error {
	if !m.Known(channel) {
		return ErrUnknownChannel
	}
	if !m.opts.Authorizer.Authorize(c, channel) {
		return ErrForbidden
	}
	m.mu.Lock()
	chans, ok := m.conns[c]
	if !ok {
		m.mu.Unlock()
		return ErrNotRegistered
	}
	chans[channel] = struct{}{}
	m.members[channel][c] = struct{}{}
	size := len(m.members[channel])
	m.mu.Unlock()

	metrics.ChannelMembers.WithLabelValues(channel).Set(float64(size))
	return nil
}

// Disconnect removes every membership of c and closes its transport once.
// It is safe to call repeatedly and on connections that never registered.
func (m *Manager) Disconnect(c *Connection) {
	if c == nil {
		return
	}
	m.mu.Lock()
	chans, ok := m.conns[c]
	sizes := make(map[string]int, len(chans))
	if ok {
		for ch := range chans {
			delete(m.members[ch], c)
			sizes[ch] = len(m.members[ch])
		}
		delete(m.conns, c)
		if m.opts.MaxPerRemote > 0 && c.Remote != "" {
			m.releaseLocked(c.Remote)
		}
	}
	total := len(m.conns)
	m.mu.Unlock()

	c.close()
	if !ok {
		return
	}
	metrics.WSConnections.Set(float64(total))
	for ch, n := range sizes {
		metrics.ChannelMembers.WithLabelValues(ch).Set(float64(n))
	}
	logging.Debug().Str("conn", c.ID).Msg("connection removed")
}

// Send writes msg to c within the send timeout. The caller decides whether a
// failure warrants Disconnect.
func (m *Manager) Send(ctx context.Context, c *Connection, msg []byte) error {
	if c.State() != Active {
		return ErrNotRegistered
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.SendTimeout)
	defer cancel()
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.t.Send(ctx, msg)
}

// Broadcast delivers msg to every member of channel and returns the number of
// successful sends. Members that fail are disconnected; no error escapes.
func (m *Manager) Broadcast(ctx context.Context, channel string, msg []byte) int {
	m.mu.RLock()
	targets := make([]*Connection, 0, len(m.members[channel]))
	for c := range m.members[channel] {
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	metrics.Broadcasts.WithLabelValues(channel).Inc()
	if len(targets) == 0 {
		return 0
	}

	workers := m.opts.Workers
	if workers > len(targets) {
		workers = len(targets)
	}
	var (
		delivered atomic.Int64
		mu        sync.Mutex
		failed    []*Connection
	)
	p := pool.New().WithMaxGoroutines(workers)
	for _, c := range targets {
		p.Go(func() {
			if err := m.Send(ctx, c, msg); err != nil {
				mu.Lock()
				failed = append(failed, c)
				mu.Unlock()
				logging.Debug().Err(err).Str("conn", c.ID).Str("channel", channel).Msg("broadcast send failed")
				return
			}
			delivered.Add(1)
		})
	}
	p.Wait()

	for _, c := range failed {
		metrics.SendFailures.WithLabelValues(channel).Inc()
		m.Disconnect(c)
	}
	return int(delivered.Load())
}

// Channels returns the channels c is subscribed to.
func (m *Manager) Channels(c *Connection) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.conns[c]))
	for ch := range m.conns[c] {
		out = append(out, ch)
	}
	return out
}

type Stats struct {
	Connections int            `json:"connections"`
	Channels    map[string]int `json:"channels"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{Connections: len(m.conns), Channels: make(map[string]int, len(m.members))}
	for ch, set := range m.members {
		st.Channels[ch] = len(set)
	}
	return st
}

// Close disconnects every connection and rejects further registrations.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	all := make([]*Connection, 0, len(m.conns))
	for c := range m.conns {
		all = append(all, c)
	}
	m.mu.Unlock()
	for _, c := range all {
		m.Disconnect(c)
	}
}
