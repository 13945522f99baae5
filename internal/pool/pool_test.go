package pool

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer accepts connections and keeps them open until the test ends.
type echoServer struct {
	ln       net.Listener
	accepted atomic.Int32
	mu       sync.Mutex
	conns    []net.Conn
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &echoServer{ln: ln}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.accepted.Add(1)
			s.mu.Lock()
			s.conns = append(s.conns, c)
			s.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		s.closeAll()
	})
	return s
}

func (s *echoServer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

func (s *echoServer) key(t *testing.T) Key {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return Key{Host: host, Port: port}
}

func TestPool_ReusesReleasedConnection(t *testing.T) {
	t.Parallel()

	srv := newEchoServer(t)
	p := New(Config{IdleTimeout: time.Minute})
	t.Cleanup(func() { _ = p.Close() })
	key := srv.key(t)

	first, err := p.Acquire(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, first.Reused())
	p.Release(first, true)
	assert.Equal(t, 1, p.Idle(key))

	second, err := p.Acquire(context.Background(), key)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.True(t, second.Reused())
	assert.Equal(t, 0, p.Idle(key))
	assert.Equal(t, int32(1), srv.accepted.Load())
}

func TestPool_CheckedOutConnectionsAreExclusive(t *testing.T) {
	t.Parallel()

	srv := newEchoServer(t)
	p := New(Config{})
	t.Cleanup(func() { _ = p.Close() })
	key := srv.key(t)

	const n = 8
	conns := make([]*Conn, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Acquire(context.Background(), key)
			if assert.NoError(t, err) {
				conns[i] = c
			}
		}()
	}
	wg.Wait()

	seen := map[*Conn]bool{}
	for _, c := range conns {
		require.NotNil(t, c)
		assert.False(t, seen[c], "connection handed out twice")
		seen[c] = true
	}
	for _, c := range conns {
		p.Release(c, true)
	}
	assert.Equal(t, n, p.Idle(key))
}

func TestPool_ProbeDropsConnectionClosedByPeer(t *testing.T) {
	t.Parallel()

	srv := newEchoServer(t)
	p := New(Config{ProbeTimeout: 20 * time.Millisecond})
	t.Cleanup(func() { _ = p.Close() })
	key := srv.key(t)

	c, err := p.Acquire(context.Background(), key)
	require.NoError(t, err)
	p.Release(c, true)

	srv.closeAll()
	time.Sleep(20 * time.Millisecond)

	fresh, err := p.Acquire(context.Background(), key)
	require.NoError(t, err)
	assert.NotSame(t, c, fresh)
	assert.False(t, fresh.Reused())
}

func TestPool_NonReusableReleaseCloses(t *testing.T) {
	t.Parallel()

	srv := newEchoServer(t)
	p := New(Config{})
	t.Cleanup(func() { _ = p.Close() })
	key := srv.key(t)

	c, err := p.Acquire(context.Background(), key)
	require.NoError(t, err)
	p.Release(c, false)
	assert.Equal(t, 0, p.Idle(key))

	_, err = c.NetConn().Write([]byte("x"))
	assert.Error(t, err, "discarded connection must be closed")

	// Releasing again is ignored.
	p.Release(c, true)
	assert.Equal(t, 0, p.Idle(key))
}

func TestPool_MaxIdlePerHost(t *testing.T) {
	t.Parallel()

	srv := newEchoServer(t)
	p := New(Config{MaxIdlePerHost: 1})
	t.Cleanup(func() { _ = p.Close() })
	key := srv.key(t)

	a, err := p.Acquire(context.Background(), key)
	require.NoError(t, err)
	b, err := p.Acquire(context.Background(), key)
	require.NoError(t, err)

	p.Release(a, true)
	p.Release(b, true)
	assert.Equal(t, 1, p.Idle(key))
}

func TestPool_SweeperEvictsOnlyIdle(t *testing.T) {
	t.Parallel()

	srv := newEchoServer(t)
	p := New(Config{IdleTimeout: 30 * time.Millisecond, SweepInterval: 10 * time.Millisecond})
	t.Cleanup(func() { _ = p.Close() })
	key := srv.key(t)

	idle, err := p.Acquire(context.Background(), key)
	require.NoError(t, err)
	busy, err := p.Acquire(context.Background(), key)
	require.NoError(t, err)
	p.Release(idle, true)

	assert.Eventually(t, func() bool { return p.Idle(key) == 0 }, time.Second, 5*time.Millisecond)

	// The checked-out connection is still usable.
	_, err = busy.NetConn().Write([]byte("ping"))
	assert.NoError(t, err)
	p.Release(busy, true)
	assert.Equal(t, 1, p.Idle(key))
}

func TestPool_DialError(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	p := New(Config{ConnectTimeout: time.Second})
	t.Cleanup(func() { _ = p.Close() })

	_, err = p.Acquire(context.Background(), Key{Host: "127.0.0.1", Port: addr.Port})
	var de *DialError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, addr.Port, de.Key.Port)
}

func TestPool_CustomDialerAndClose(t *testing.T) {
	t.Parallel()

	errDial := errors.New("no route")
	p := New(Config{}, WithDialer(func(context.Context, string, string) (net.Conn, error) {
		return nil, errDial
	}))

	_, err := p.Acquire(context.Background(), Key{Host: "backend", Port: 80})
	assert.ErrorIs(t, err, errDial)

	require.NoError(t, p.Close())
	_, err = p.Acquire(context.Background(), Key{Host: "backend", Port: 80})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_InterruptedConnectionIsNotPooled(t *testing.T) {
	t.Parallel()

	srv := newEchoServer(t)
	p := New(Config{})
	t.Cleanup(func() { _ = p.Close() })
	key := srv.key(t)

	c, err := p.Acquire(context.Background(), key)
	require.NoError(t, err)
	c.SetIOTimeout(time.Second)
	c.Interrupt()

	buf := make([]byte, 1)
	_, err = c.Reader.Read(buf)
	assert.Error(t, err)

	p.Release(c, true)
	assert.Equal(t, 0, p.Idle(key))
}

func TestKey_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "http://backend:8080", Key{Host: "backend", Port: 8080}.String())
	assert.Equal(t, "https://[::1]:443", Key{Host: "::1", Port: 443, TLS: true}.String())
	assert.Equal(t, "https://backend:443#partner", Key{Host: "backend", Port: 443, TLS: true, Profile: "partner"}.String())
}

func TestPool_ProfilesKeepSeparateIdleLists(t *testing.T) {
	t.Parallel()

	srv := newEchoServer(t)
	p := New(Config{IdleTimeout: time.Minute})
	t.Cleanup(func() { _ = p.Close() })

	// Plain keys exercise the bucket split without a TLS handshake.
	a := srv.key(t)
	a.Profile = "partner"
	b := srv.key(t)
	b.Profile = "internal"

	first, err := p.Acquire(context.Background(), a)
	require.NoError(t, err)
	p.Release(first, true)
	assert.Equal(t, 1, p.Idle(a))
	assert.Equal(t, 0, p.Idle(b))

	second, err := p.Acquire(context.Background(), b)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.False(t, second.Reused())
	assert.Equal(t, int32(2), srv.accepted.Load())
	p.Release(second, true)
}
