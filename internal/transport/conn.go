package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avaproxy/internal/core"
	"github.com/vyrodovalexey/avaproxy/internal/message"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

const (
	readBufferSize  = 16 << 10
	writeBufferSize = 16 << 10
)

// conn is an inbound connection that applies a deadline to every read and
// write. While idle, reads wait up to the idle timeout instead.
type conn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	// idle is set while waiting for the next request head.
	idle atomic.Bool
}

func newConn(nc net.Conn, cfg Config) *conn {
	return &conn{
		Conn:         nc,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		idleTimeout:  cfg.IdleTimeout,
	}
}

func (c *conn) Read(p []byte) (int, error) {
	d := c.readTimeout
	if c.idle.Load() {
		d = c.idleTimeout
	}
	_ = c.SetReadDeadline(time.Now().Add(d))

	n, err := c.Conn.Read(p)
	if n > 0 {
		c.idle.Store(false)
	}
	return n, err
}

func (c *conn) Write(p []byte) (int, error) {
	_ = c.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.Conn.Write(p)
}

// serve runs the keep-alive loop of one accepted connection.
func (l *portListener) serve(nc net.Conn, ip string) {
	defer l.wg.Done()
	defer l.t.perIP.release(ip)

	c := newConn(nc, l.t.cfg)
	defer c.Close()
	if !l.track(c) {
		return
	}
	defer l.untrack(c)

	l.t.metrics.ConnectionOpened(l.port)
	defer l.t.metrics.ConnectionClosed(l.port)

	host := ip
	if l.t.cfg.ReverseDNS {
		host = l.t.lookupHost(ip)
	}

	br := bufio.NewReaderSize(c, readBufferSize)
	bw := bufio.NewWriterSize(c, writeBufferSize)
	limits := message.Limits{MaxHeaderBytes: l.t.cfg.MaxHeaderBytes}

	for {
		if br.Buffered() == 0 {
			c.idle.Store(true)
		}
		if !l.open() {
			return
		}

		req, err := message.ReadRequest(br, limits)
		c.idle.Store(false)
		if err != nil {
			l.readFailed(bw, c, err)
			return
		}

		if !l.handle(c, bw, req, ip, host) {
			return
		}
	}
}

// readFailed answers a malformed request with 400. Closed or timed out
// connections are dropped silently.
func (l *portListener) readFailed(bw *bufio.Writer, c *conn, err error) {
	if !message.IsProtocolError(err) {
		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !isTimeout(err) {
			l.t.logger.Debug("reading request failed",
				observability.String("remote_addr", c.RemoteAddr().String()),
				observability.Error(err),
			)
		}
		return
	}

	l.t.logger.Debug("malformed request",
		observability.String("remote_addr", c.RemoteAddr().String()),
		observability.Error(err),
	)
	resp := message.ErrorResponse(http.StatusBadRequest, "")
	resp.Header.Set(message.HeaderConnection, "close")
	_, _ = message.WriteResponse(bw, resp, "GET", message.HTTP11, nil)
}

// handle runs one exchange and writes its response. It reports whether
// the connection may carry another request.
func (l *portListener) handle(c *conn, bw *bufio.Writer, req *message.Request, ip, host string) bool {
	keepAlive := req.KeepAlive()
	method, version := req.Method, req.Version

	if expectsContinue(req) {
		req.Header.Del("Expect")
		if _, err := bw.WriteString("HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
			return false
		}
		if err := bw.Flush(); err != nil {
			return false
		}
	}

	exc := core.NewExchange(l.ctx, req)
	exc.RemoteAddr = c.RemoteAddr().String()
	exc.RemoteIP = ip
	exc.RemoteHost = host
	exc.LocalPort = l.port

	l.t.handler.Handle(exc)

	if exc.Response == nil {
		exc.SetResponse(message.ErrorResponse(http.StatusInternalServerError, ""))
		exc.Fail(ErrNoResponse)
	}

	// The next request head starts after this body.
	if err := req.Body.Discard(); err != nil || !req.Body.Drained() {
		keepAlive = false
	}

	resp := exc.Response
	if !l.open() || resp.Header.HasConnectionToken("close") {
		keepAlive = false
	}
	switch {
	case !keepAlive:
		resp.Header.Set(message.HeaderConnection, "close")
	case version == message.HTTP10:
		resp.Header.Set(message.HeaderConnection, "keep-alive")
	}

	closeAfter, err := message.WriteResponse(bw, resp, method, version, nil)
	if err != nil {
		exc.Fail(fmt.Errorf("writing response: %w", err))
		exc.Logger().Debug("writing response failed", observability.Error(err))
		keepAlive = false
	}
	// A write that stopped early leaves the backend stream unread; closing
	// it hands the backend connection back to its pool for disposal.
	resp.Body.Close()
	if closeAfter {
		keepAlive = false
	}
	if exc.Status() != core.StatusFailed {
		exc.SetStatus(core.StatusCompleted)
	}
	exc.Finish()

	l.t.metrics.RecordExchange(exc.RuleName(), method, resp.StatusCode, exc.Status().String(), exc.Duration())
	return keepAlive
}

func expectsContinue(req *message.Request) bool {
	return req.Version == message.HTTP11 &&
		strings.EqualFold(req.Header.Get("Expect"), "100-continue") &&
		!req.Body.IsEmpty()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
