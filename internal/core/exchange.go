package core

import (
	"context"
	"maps"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avaproxy/internal/message"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// Status is the lifecycle state of an exchange.
type Status int32

// Exchange statuses.
const (
	StatusStarted Status = iota
	StatusSent
	StatusReceived
	StatusCompleted
	StatusFailed
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusStarted:
		return "STARTED"
	case StatusSent:
		return "SENT"
	case StatusReceived:
		return "RECEIVED"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Exchange is the per-request context carried through the interceptor
// chain. It is owned by the connection goroutine that created it and must
// not be retained by interceptors beyond a handler call.
type Exchange struct {
	ID       string
	Request  *message.Request
	Response *message.Response
	Rule     *Rule

	// Destinations holds candidate backend URIs in failover order.
	Destinations []string

	// OriginalURI and OriginalHost are the request target and Host header
	// as received, before any interceptor rewrote them.
	OriginalURI  string
	OriginalHost string

	RemoteAddr string
	RemoteIP   string
	// RemoteHost is the reverse-resolved peer name, or RemoteIP.
	RemoteHost string
	LocalPort  int

	ReceivedAt         time.Time
	SentAt             time.Time
	ResponseReceivedAt time.Time
	CompletedAt        time.Time

	// Err is the failure that ended the exchange, if any.
	Err error

	status     Status
	properties map[string]any
	ctx        context.Context
	logger     observability.Logger
	finishers  []func()
	finished   bool
}

// NewExchange returns a started exchange for req.
func NewExchange(ctx context.Context, req *message.Request) *Exchange {
	if ctx == nil {
		ctx = context.Background()
	}
	exc := &Exchange{
		ID:         uuid.New().String(),
		Request:    req,
		ReceivedAt: time.Now(),
		status:     StatusStarted,
		ctx:        ctx,
		logger:     observability.NopLogger(),
	}
	if req != nil {
		exc.OriginalURI = req.URI
		exc.OriginalHost = req.Header.Host()
	}
	return exc
}

// Context returns the exchange context.
func (e *Exchange) Context() context.Context {
	return e.ctx
}

// SetContext replaces the exchange context.
func (e *Exchange) SetContext(ctx context.Context) {
	if ctx != nil {
		e.ctx = ctx
	}
}

// Logger returns the exchange-scoped logger.
func (e *Exchange) Logger() observability.Logger {
	return e.logger
}

// SetLogger replaces the exchange-scoped logger.
func (e *Exchange) SetLogger(l observability.Logger) {
	if l != nil {
		e.logger = l
	}
}

// Status returns the current status.
func (e *Exchange) Status() Status {
	return e.status
}

// SetStatus moves the exchange to s and stamps the matching timestamp.
func (e *Exchange) SetStatus(s Status) {
	e.status = s
	now := time.Now()
	switch s {
	case StatusSent:
		e.SentAt = now
	case StatusReceived:
		e.ResponseReceivedAt = now
	case StatusCompleted, StatusFailed:
		e.CompletedAt = now
	}
}

// Fail marks the exchange failed with err.
func (e *Exchange) Fail(err error) {
	if e.Err == nil {
		e.Err = err
	}
	e.SetStatus(StatusFailed)
}

// Property returns the value stored under key.
func (e *Exchange) Property(key string) (any, bool) {
	v, ok := e.properties[key]
	return v, ok
}

// SetProperty stores v under key.
func (e *Exchange) SetProperty(key string, v any) {
	if e.properties == nil {
		e.properties = make(map[string]any)
	}
	e.properties[key] = v
}

// RemoveProperty deletes key.
func (e *Exchange) RemoveProperty(key string) {
	delete(e.properties, key)
}

// Properties returns a copy of the property bag.
func (e *Exchange) Properties() map[string]any {
	return maps.Clone(e.properties)
}

// OnFinish registers fn to run when the exchange is finished, whether or
// not the response walk reached the caller.
func (e *Exchange) OnFinish(fn func()) {
	if e.finished {
		fn()
		return
	}
	e.finishers = append(e.finishers, fn)
}

// Finish runs the registered finishers once, most recent first.
func (e *Exchange) Finish() {
	if e.finished {
		return
	}
	e.finished = true
	for i := len(e.finishers) - 1; i >= 0; i-- {
		e.finishers[i]()
	}
	e.finishers = nil
}

// Duration returns the time from receipt to completion, or to now while
// the exchange is still running.
func (e *Exchange) Duration() time.Duration {
	if e.CompletedAt.IsZero() {
		return time.Since(e.ReceivedAt)
	}
	return e.CompletedAt.Sub(e.ReceivedAt)
}

// StatusCode returns the response status, or 0 without a response.
func (e *Exchange) StatusCode() int {
	if e.Response == nil {
		return 0
	}
	return e.Response.StatusCode
}

// RuleName returns the matched rule name, or "".
func (e *Exchange) RuleName() string {
	if e.Rule == nil {
		return ""
	}
	return e.Rule.Name
}

// SetResponse replaces the response, abandoning any unread body of the
// previous one.
func (e *Exchange) SetResponse(resp *message.Response) {
	if e.Response != nil && e.Response != resp && e.Response.Body != nil {
		e.Response.Body.Close()
	}
	e.Response = resp
}

// SplitHostPort splits a host header or authority into lower-cased host
// and numeric port, substituting the default port of scheme when absent.
func SplitHostPort(hostport, scheme string) (string, int) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return strings.ToLower(strings.Trim(hostport, "[]")), DefaultPort(scheme)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = DefaultPort(scheme)
	}
	return strings.ToLower(host), port
}
