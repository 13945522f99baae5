package interceptor

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avaproxy/internal/core"
	"github.com/vyrodovalexey/avaproxy/internal/message"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// Built-in interceptor types.
const (
	TypeThrottle  = "throttle"
	TypeSetHeader = "setHeader"
	TypeStatic    = "static"
	TypeLog       = "log"
)

// Throttle delays requests to a configured rate. A request that would
// wait longer than maxDelay is answered with 429.
//
// Params: rate (requests per second, default 10), burst (default rate),
// maxDelay (default 0, reject instead of waiting).
type Throttle struct {
	core.Base
	limiter  *rate.Limiter
	maxDelay time.Duration
}

// NewThrottle creates a throttle allowing rps requests per second.
func NewThrottle(name string, rps float64, burst int, maxDelay time.Duration) *Throttle {
	if burst <= 0 {
		burst = max(1, int(rps))
	}
	return &Throttle{
		Base:     core.Base{ID: name},
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		maxDelay: maxDelay,
	}
}

func newThrottle(name string, p Params) (core.Interceptor, error) {
	rps, err := p.Float("rate", 10)
	if err != nil {
		return nil, err
	}
	if rps <= 0 {
		return nil, fmt.Errorf("rate must be positive")
	}
	burst, err := p.Int("burst", 0)
	if err != nil {
		return nil, err
	}
	maxDelay, err := p.Duration("maxDelay", 0)
	if err != nil {
		return nil, err
	}
	return NewThrottle(name, rps, burst, maxDelay), nil
}

// HandleRequest waits for a token or rejects the request.
func (t *Throttle) HandleRequest(exc *core.Exchange) (core.Outcome, error) {
	r := t.limiter.Reserve()
	delay := r.Delay()
	if !r.OK() || delay > t.maxDelay {
		r.Cancel()
		exc.Logger().Warn("request throttled",
			observability.String("interceptor", t.Name()),
			observability.Duration("delay", delay),
		)
		resp := message.ErrorResponse(http.StatusTooManyRequests, "")
		resp.Header.Set("Retry-After", retryAfter(delay))
		exc.SetResponse(resp)
		return core.Return, nil
	}
	if delay == 0 {
		return core.Continue, nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return core.Continue, nil
	case <-exc.Context().Done():
		r.Cancel()
		return core.Abort, exc.Context().Err()
	}
}

func retryAfter(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	return fmt.Sprint(max(1, secs))
}

// SetHeader sets a header on the request, the response or both.
//
// Params: name, value, direction (request | response | both, default
// request).
type SetHeader struct {
	core.Base
	header   string
	value    string
	request  bool
	response bool
}

func newSetHeader(name string, p Params) (core.Interceptor, error) {
	header := p.String("name", "")
	if header == "" {
		return nil, fmt.Errorf("param name is required")
	}
	h := &SetHeader{Base: core.Base{ID: name}, header: header, value: p.String("value", "")}
	switch strings.ToLower(p.String("direction", "request")) {
	case "request":
		h.request = true
	case "response":
		h.response = true
	case "both":
		h.request, h.response = true, true
	default:
		return nil, fmt.Errorf("unknown direction %q", p["direction"])
	}
	return h, nil
}

// HandleRequest sets the request header.
func (h *SetHeader) HandleRequest(exc *core.Exchange) (core.Outcome, error) {
	if h.request {
		exc.Request.Header.Set(h.header, h.value)
	}
	return core.Continue, nil
}

// HandleResponse sets the response header.
func (h *SetHeader) HandleResponse(exc *core.Exchange) (core.Outcome, error) {
	if h.response && exc.Response != nil {
		exc.Response.Header.Set(h.header, h.value)
	}
	return core.Continue, nil
}

// Static answers every request with a configured response.
//
// Params: status (default 200), body, contentType (default text/plain).
type Static struct {
	core.Base
	status      int
	body        []byte
	contentType string
}

func newStatic(name string, p Params) (core.Interceptor, error) {
	status, err := p.Int("status", http.StatusOK)
	if err != nil {
		return nil, err
	}
	if status < 100 || status > 599 {
		return nil, fmt.Errorf("invalid status %d", status)
	}
	return &Static{
		Base:        core.Base{ID: name},
		status:      status,
		body:        []byte(p.String("body", "")),
		contentType: p.String("contentType", "text/plain; charset=utf-8"),
	}, nil
}

// HandleRequest sets the response and returns.
func (s *Static) HandleRequest(exc *core.Exchange) (core.Outcome, error) {
	resp := message.NewResponse(s.status, "")
	if len(s.body) > 0 {
		resp.Body = message.NewBufferedBody(s.body)
		resp.Header.Set(message.HeaderContentType, s.contentType)
		resp.Header.SetContentLength(int64(len(s.body)))
	}
	exc.SetResponse(resp)
	return core.Return, nil
}

// Log logs the request line and the response status of each exchange.
//
// Params: level (debug | info, default info).
type Log struct {
	core.Base
	debug bool
}

func newLog(name string, p Params) (core.Interceptor, error) {
	switch level := p.String("level", "info"); level {
	case "info":
		return &Log{Base: core.Base{ID: name}}, nil
	case "debug":
		return &Log{Base: core.Base{ID: name}, debug: true}, nil
	default:
		return nil, fmt.Errorf("unknown level %q", level)
	}
}

func (l *Log) log(exc *core.Exchange, msg string, fields ...observability.Field) {
	if l.debug {
		exc.Logger().Debug(msg, fields...)
		return
	}
	exc.Logger().Info(msg, fields...)
}

// HandleRequest logs the request line.
func (l *Log) HandleRequest(exc *core.Exchange) (core.Outcome, error) {
	l.log(exc, "request",
		observability.String("method", exc.Request.Method),
		observability.String("uri", exc.Request.URI),
		observability.String("host", exc.OriginalHost),
	)
	return core.Continue, nil
}

// HandleResponse logs the response status.
func (l *Log) HandleResponse(exc *core.Exchange) (core.Outcome, error) {
	l.log(exc, "response",
		observability.Int("status", exc.StatusCode()),
		observability.Duration("duration", exc.Duration()),
	)
	return core.Continue, nil
}
