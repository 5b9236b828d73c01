package hub

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testChannels = []string{"tower-ai-feed", "floor-pulse-2", "floor-pulse-4", "floor-pulse-9", "floor-pulse-15", "floor-pulse-16"}

type fakeTransport struct {
	remote    string
	acceptErr error
	sendErr   error
	delay     time.Duration

	mu     sync.Mutex
	got    [][]byte
	closes int
}

func (f *fakeTransport) Accept(context.Context) error { return f.acceptErr }

func (f *fakeTransport) Send(ctx context.Context, msg []byte) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	f.got = append(f.got, append([]byte(nil), msg...))
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return f.remote }

func (f *fakeTransport) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.got))
	for i, m := range f.got {
		out[i] = string(m)
	}
	return out
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func newManager(opts Options) *Manager { return NewManager(testChannels, opts) }

func TestConnectBroadcastExactlyOnce(t *testing.T) {
	m := newManager(Options{})
	ctx := context.Background()
	ft := &fakeTransport{}
	c, err := m.Connect(ctx, ft, "u1", "floor-pulse-9")
	require.NoError(t, err)
	assert.Equal(t, Active, c.State())

	n := m.Broadcast(ctx, "floor-pulse-9", []byte("hello"))
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"hello"}, ft.messages())

	assert.Equal(t, 0, m.Broadcast(ctx, "floor-pulse-2", []byte("other")))
	assert.Equal(t, []string{"hello"}, ft.messages())
}

func TestUnknownChannelRejectedBeforeAccept(t *testing.T) {
	m := newManager(Options{})
	ft := &fakeTransport{acceptErr: errors.New("must not be called")}
	_, err := m.Connect(context.Background(), ft, "u1", "floor-pulse-99")
	assert.ErrorIs(t, err, ErrUnknownChannel)
	assert.Equal(t, 0, m.Stats().Connections)
}

func TestAcceptFailureNotRegistered(t *testing.T) {
	m := newManager(Options{MaxPerRemote: 1})
	ft := &fakeTransport{remote: "10.0.0.1", acceptErr: errors.New("bad handshake")}
	_, err := m.Connect(context.Background(), ft, "", "tower-ai-feed")
	require.Error(t, err)
	assert.Equal(t, 1, ft.closeCount())

	// the reserved slot was released
	_, err = m.Connect(context.Background(), &fakeTransport{remote: "10.0.0.1"}, "", "tower-ai-feed")
	assert.NoError(t, err)
}

func TestDisconnectIdempotent(t *testing.T) {
	m := newManager(Options{})
	ctx := context.Background()
	ft := &fakeTransport{}
	c, err := m.Connect(ctx, ft, "u1", "tower-ai-feed")
	require.NoError(t, err)

	m.Disconnect(c)
	m.Disconnect(c)
	assert.Equal(t, Closed, c.State())
	assert.Equal(t, 1, ft.closeCount())
	assert.Equal(t, 0, m.Broadcast(ctx, "tower-ai-feed", []byte("x")))
	assert.Empty(t, ft.messages())

	// never registered
	m.Disconnect(newConnection(&fakeTransport{}, ""))
	m.Disconnect(nil)
}

func TestSubscribeAdditional(t *testing.T) {
	m := newManager(Options{})
	ctx := context.Background()
	ft := &fakeTransport{}
	c, err := m.Connect(ctx, ft, "u1", "tower-ai-feed")
	require.NoError(t, err)

	require.NoError(t, m.SubscribeAdditional(ctx, c, "floor-pulse-4"))
	require.NoError(t, m.SubscribeAdditional(ctx, c, "floor-pulse-4"))
	assert.ErrorIs(t, m.SubscribeAdditional(ctx, c, "floor-pulse-99"), ErrUnknownChannel)
	assert.ErrorIs(t, m.SubscribeAdditional(ctx, c, "tower-ai-feed"), ErrForbidden)
	assert.ElementsMatch(t, []string{"tower-ai-feed", "floor-pulse-4"}, m.Channels(c))

	m.Broadcast(ctx, "floor-pulse-4", []byte("a"))
	m.Broadcast(ctx, "tower-ai-feed", []byte("b"))
	assert.Equal(t, []string{"a", "b"}, ft.messages())

	stranger := newConnection(&fakeTransport{}, "")
	assert.ErrorIs(t, m.SubscribeAdditional(ctx, stranger, "floor-pulse-2"), ErrNotRegistered)

	m.Disconnect(c)
	assert.ErrorIs(t, m.SubscribeAdditional(ctx, c, "floor-pulse-2"), ErrNotRegistered)
}

func TestCustomAuthorizer(t *testing.T) {
	allowAll := AuthorizerFunc(func(*Connection, string) bool { return true })
	m := newManager(Options{Authorizer: allowAll})
	c, err := m.Connect(context.Background(), &fakeTransport{}, "u1", "floor-pulse-2")
	require.NoError(t, err)
	assert.NoError(t, m.SubscribeAdditional(context.Background(), c, "tower-ai-feed"))
}

func TestBroadcastEvictsFailingConnection(t *testing.T) {
	m := newManager(Options{})
	ctx := context.Background()
	good := &fakeTransport{}
	bad := &fakeTransport{sendErr: errors.New("broken pipe")}
	_, err := m.Connect(ctx, good, "a", "floor-pulse-15")
	require.NoError(t, err)
	cb, err := m.Connect(ctx, bad, "b", "floor-pulse-15")
	require.NoError(t, err)

	n := m.Broadcast(ctx, "floor-pulse-15", []byte("m1"))
	assert.Equal(t, 1, n)
	assert.Equal(t, Closed, cb.State())
	assert.Equal(t, 1, bad.closeCount())
	assert.Equal(t, 1, m.Stats().Channels["floor-pulse-15"])

	assert.Equal(t, 1, m.Broadcast(ctx, "floor-pulse-15", []byte("m2")))
	assert.Equal(t, []string{"m1", "m2"}, good.messages())
}

func TestSlowConnectionTimesOut(t *testing.T) {
	m := newManager(Options{SendTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	fast := &fakeTransport{}
	slow := &fakeTransport{delay: time.Second}
	_, _ = m.Connect(ctx, fast, "a", "tower-ai-feed")
	cs, _ := m.Connect(ctx, slow, "b", "tower-ai-feed")

	start := time.Now()
	n := m.Broadcast(ctx, "tower-ai-feed", []byte("tick"))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 1, n)
	assert.Equal(t, Closed, cs.State())
	assert.Equal(t, []string{"tick"}, fast.messages())
}

func TestPerRemoteCap(t *testing.T) {
	m := newManager(Options{MaxPerRemote: 2})
	ctx := context.Background()
	c1, err := m.Connect(ctx, &fakeTransport{remote: "1.2.3.4"}, "", "tower-ai-feed")
	require.NoError(t, err)
	_, err = m.Connect(ctx, &fakeTransport{remote: "1.2.3.4"}, "", "tower-ai-feed")
	require.NoError(t, err)
	_, err = m.Connect(ctx, &fakeTransport{remote: "1.2.3.4"}, "", "tower-ai-feed")
	assert.ErrorIs(t, err, ErrTooManyConnections)
	_, err = m.Connect(ctx, &fakeTransport{remote: "5.6.7.8"}, "", "tower-ai-feed")
	assert.NoError(t, err)

	m.Disconnect(c1)
	_, err = m.Connect(ctx, &fakeTransport{remote: "1.2.3.4"}, "", "tower-ai-feed")
	assert.NoError(t, err)
}

func TestCloseDisconnectsAll(t *testing.T) {
	m := newManager(Options{})
	ctx := context.Background()
	fts := []*fakeTransport{{}, {}, {}}
	for _, ft := range fts {
		_, err := m.Connect(ctx, ft, "", "floor-pulse-16")
		require.NoError(t, err)
	}
	m.Close()
	for _, ft := range fts {
		assert.Equal(t, 1, ft.closeCount())
	}
	assert.Equal(t, 0, m.Stats().Connections)
	_, err := m.Connect(ctx, &fakeTransport{}, "", "floor-pulse-16")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClosedConnectionCannotRejoin(t *testing.T) {
	m := newManager(Options{MaxPerRemote: 1})
	ctx := context.Background()
	ft := &fakeTransport{remote: "10.0.0.1"}
	c := newConnection(ft, "u1")

	m.Disconnect(c)
	require.Equal(t, Closed, c.State())
	_, err := m.register(ctx, c, "floor-pulse-9")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, Closed, c.State())
	assert.Equal(t, 1, ft.closeCount())
	assert.Equal(t, 0, m.Broadcast(ctx, "floor-pulse-9", []byte("x")))
	assert.Empty(t, ft.messages())
	assertConsistent(t, m)

	// the rejected attempt must not hold a slot for the address
	_, err = m.Connect(ctx, &fakeTransport{remote: "10.0.0.1"}, "u1", "floor-pulse-9")
	assert.NoError(t, err)
}

func TestActiveConnectionCannotRegisterTwice(t *testing.T) {
	m := newManager(Options{})
	ctx := context.Background()
	c, err := m.Connect(ctx, &fakeTransport{}, "u1", "floor-pulse-9")
	require.NoError(t, err)
	_, err = m.register(ctx, c, "floor-pulse-2")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, []string{"floor-pulse-9"}, m.Channels(c))
}

func TestSendRequiresActive(t *testing.T) {
	m := newManager(Options{})
	c := newConnection(&fakeTransport{}, "")
	assert.ErrorIs(t, m.Send(context.Background(), c, []byte("x")), ErrNotRegistered)
}

// assertConsistent checks that members and conns mirror each other.
func assertConsistent(t *testing.T, m *Manager) {
	t.Helper()
	m.mu.RLock()
	defer m.mu.RUnlock()
	for ch, set := range m.members {
		for c := range set {
			_, ok := m.conns[c][ch]
			require.Truef(t, ok, "conn %s in members[%s] but not in its channel set", c.ID, ch)
		}
	}
	for c, chans := range m.conns {
		require.Equal(t, Active, c.State())
		for ch := range chans {
			_, ok := m.members[ch][c]
			require.Truef(t, ok, "channel %s in conns[%s] but conn not a member", ch, c.ID)
		}
	}
}

func TestMembershipConsistentUnderConcurrency(t *testing.T) {
	m := newManager(Options{Authorizer: AuthorizerFunc(func(*Connection, string) bool { return true })})
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			var mine []*Connection
			for i := 0; i < 200; i++ {
				ch := testChannels[rng.Intn(len(testChannels))]
				switch op := rng.Intn(4); {
				case op == 0 || len(mine) == 0:
					ft := &fakeTransport{remote: fmt.Sprintf("10.0.%d.%d", seed, i)}
					if rng.Intn(5) == 0 {
						ft.sendErr = errors.New("dead")
					}
					c, err := m.Connect(ctx, ft, "", ch)
					if err == nil {
						mine = append(mine, c)
					}
				case op == 1:
					_ = m.SubscribeAdditional(ctx, mine[rng.Intn(len(mine))], ch)
				case op == 2:
					m.Disconnect(mine[rng.Intn(len(mine))])
				default:
					m.Broadcast(ctx, ch, []byte("x"))
				}
			}
		}(int64(w))
	}
	wg.Wait()
	assertConsistent(t, m)

	st := m.Stats()
	total := 0
	for _, n := range st.Channels {
		total += n
	}
	assert.GreaterOrEqual(t, total, st.Connections)
}
