package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

const maxAcceptBackoff = time.Second

// portListener is one bound port with its accept loop and connections.
type portListener struct {
	t     *Transport
	addr  string
	port  int
	ln    net.Listener
	state atomic.Int32

	// ctx is the parent of every exchange on this port. It is cancelled
	// on hard close so blocked handlers give up.
	ctx    context.Context
	cancel context.CancelFunc

	// wg counts the accept loop and every connection goroutine.
	wg      sync.WaitGroup
	mu      sync.Mutex
	conns   map[*conn]struct{}
	closing sync.Once
}

func newPortListener(t *Transport, addr string) *portListener {
	ctx, cancel := context.WithCancel(context.Background())
	return &portListener{
		t:      t,
		addr:   addr,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*conn]struct{}),
	}
}

// State returns the current state.
func (l *portListener) State() State {
	return State(l.state.Load())
}

func (l *portListener) open() bool {
	return l.State() == StateOpen
}

func (l *portListener) acceptLoop() {
	defer l.wg.Done()

	var delay time.Duration
	for {
		if tl, ok := l.ln.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(l.t.cfg.AcceptTimeout))
		}

		nc, err := l.ln.Accept()
		if err != nil {
			if !l.open() || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = 0
				continue
			}

			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > maxAcceptBackoff {
				delay = maxAcceptBackoff
			}
			l.t.logger.Warn("accept failed",
				observability.Int("port", l.port),
				observability.Duration("retry_in", delay),
				observability.Error(err),
			)
			time.Sleep(delay)
			continue
		}
		delay = 0

		// The slot is taken before the next accept so connections from
		// one address are counted in arrival order.
		ip := remoteIP(nc.RemoteAddr())
		if !l.t.perIP.acquire(ip) {
			l.t.metrics.RecordRejectedConnection(l.port, "per_ip_limit")
			l.t.logger.Warn("connection rejected, per-IP limit reached",
				observability.Int("port", l.port),
				observability.String("remote_ip", ip),
			)
			_ = nc.Close()
			continue
		}

		l.wg.Add(1)
		go l.serve(nc, ip)
	}
}

// beginClose moves the port to CLOSING, stops accepting and drops idle
// connections. Busy connections close after their current exchange.
func (l *portListener) beginClose() {
	l.closing.Do(func() {
		l.state.Store(int32(StateClosing))
		if l.ln != nil {
			_ = l.ln.Close()
		}

		l.mu.Lock()
		for c := range l.conns {
			if c.idle.Load() {
				_ = c.Close()
			}
		}
		l.mu.Unlock()

		go func() {
			l.wg.Wait()
			l.state.Store(int32(StateClosed))
			l.cancel()
			l.t.forget(l)
			l.t.logger.Info("listener stopped",
				observability.Int("port", l.port),
			)
		}()
	})
}

// closeConns closes every connection socket at once.
func (l *portListener) closeConns() {
	l.mu.Lock()
	for c := range l.conns {
		_ = c.Close()
	}
	l.mu.Unlock()

	l.cancel()
}

// track registers c. It fails once the port is closing.
func (l *portListener) track(c *conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.open() {
		return false
	}
	l.conns[c] = struct{}{}
	return true
}

func (l *portListener) untrack(c *conn) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
}

func remoteIP(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
