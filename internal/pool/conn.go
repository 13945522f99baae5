package pool

import (
	"bufio"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"time"
)

// Key identifies a backend endpoint together with the TLS settings its
// connections were opened with.
type Key struct {
	Host string
	Port int
	TLS  bool
	// Profile names the TLS settings; empty is the default profile.
	Profile string
}

// Address returns host:port.
func (k Key) Address() string {
	return net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

// String renders the key for logs and metric labels.
func (k Key) String() string {
	if !k.TLS {
		return "http://" + k.Address()
	}
	if k.Profile != "" {
		return "https://" + k.Address() + "#" + k.Profile
	}
	return "https://" + k.Address()
}

// Conn is a pooled connection with its buffered reader and writer.
type Conn struct {
	key    Key
	raw    net.Conn
	io     *timeoutConn
	Reader *bufio.Reader
	Writer *bufio.Writer

	createdAt time.Time
	idleSince time.Time
	reused    bool
	inUse     atomic.Bool
}

func newConn(key Key, raw net.Conn) *Conn {
	tc := &timeoutConn{Conn: raw}
	return &Conn{
		key:       key,
		raw:       raw,
		io:        tc,
		Reader:    bufio.NewReaderSize(tc, 32<<10),
		Writer:    bufio.NewWriterSize(tc, 32<<10),
		createdAt: time.Now(),
	}
}

// Key returns the endpoint the connection belongs to.
func (c *Conn) Key() Key { return c.key }

// Reused reports whether the connection served an earlier request.
func (c *Conn) Reused() bool { return c.reused }

// NetConn returns the underlying connection.
func (c *Conn) NetConn() net.Conn { return c.raw }

// SetIOTimeout bounds every individual read and write; zero disables it.
func (c *Conn) SetIOTimeout(d time.Duration) {
	c.io.timeout.Store(int64(d))
}

// Interrupt makes blocked reads and writes fail immediately.
func (c *Conn) Interrupt() {
	c.io.interrupted.Store(true)
	_ = c.raw.SetDeadline(time.Now())
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// alive probes an idle connection. A peer that closed the connection, or
// sent bytes nobody asked for, makes it unusable.
func (c *Conn) alive(probe time.Duration) bool {
	if c.Reader.Buffered() > 0 {
		return false
	}
	if err := c.raw.SetReadDeadline(time.Now().Add(probe)); err != nil {
		return false
	}
	_, err := c.Reader.Peek(1)
	_ = c.raw.SetReadDeadline(time.Time{})

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// timeoutConn re-arms a deadline before each read and write so that a
// long streamed body is bounded by per-operation idleness, not by its
// total duration.
type timeoutConn struct {
	net.Conn
	timeout     atomic.Int64
	interrupted atomic.Bool
}

func (t *timeoutConn) Read(p []byte) (int, error) {
	if d := time.Duration(t.timeout.Load()); d > 0 && !t.interrupted.Load() {
		_ = t.Conn.SetReadDeadline(time.Now().Add(d))
	}
	return t.Conn.Read(p)
}

func (t *timeoutConn) Write(p []byte) (int, error) {
	if d := time.Duration(t.timeout.Load()); d > 0 && !t.interrupted.Load() {
		_ = t.Conn.SetWriteDeadline(time.Now().Add(d))
	}
	return t.Conn.Write(p)
}
