// Package message models HTTP/1.x requests and responses as they cross the
// proxy: an ordered header, a body that is either buffered or streamed,
// and the wire codec that reads and writes them.
package message

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Protocol versions.
const (
	HTTP10 = "HTTP/1.0"
	HTTP11 = "HTTP/1.1"
)

// Request is an HTTP request message.
type Request struct {
	Method  string
	URI     string
	Version string
	Header  Header
	Body    *Body
}

// NewRequest returns an HTTP/1.1 request with an empty body.
func NewRequest(method, uri string) *Request {
	return &Request{
		Method:  method,
		URI:     uri,
		Version: HTTP11,
		Body:    EmptyBody(),
	}
}

// IsAbsoluteURI reports whether the request-target is in absolute form,
// as sent to a forward proxy.
func (r *Request) IsAbsoluteURI() bool {
	return strings.HasPrefix(r.URI, "http://") || strings.HasPrefix(r.URI, "https://")
}

// Path returns the origin-form target (path and query) regardless of the
// form the request was received in.
func (r *Request) Path() string {
	if !r.IsAbsoluteURI() {
		return r.URI
	}
	u, err := url.Parse(r.URI)
	if err != nil {
		return r.URI
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}

// PathOnly returns Path without the query string.
func (r *Request) PathOnly() string {
	p := r.Path()
	if i := strings.IndexByte(p, '?'); i >= 0 {
		return p[:i]
	}
	return p
}

// KeepAlive reports whether the client wants the connection kept open.
func (r *Request) KeepAlive() bool {
	return keepAlive(r.Version, &r.Header)
}

// Response is an HTTP response message.
type Response struct {
	StatusCode int
	Reason     string
	Version    string
	Header     Header
	Body       *Body

	// closeDelimited marks a body framed by connection close.
	closeDelimited bool
}

// NewResponse returns an HTTP/1.1 response with a text/plain body. An
// empty body string yields an empty body.
func NewResponse(code int, body string) *Response {
	resp := &Response{
		StatusCode: code,
		Reason:     http.StatusText(code),
		Version:    HTTP11,
		Body:       EmptyBody(),
	}
	if body != "" {
		resp.Header.Set(HeaderContentType, "text/plain; charset=utf-8")
		resp.Body = NewBufferedBody([]byte(body))
	}
	resp.Header.SetContentLength(resp.Body.Length())
	return resp
}

// ErrorResponse returns a short diagnostic response for client-facing
// failures.
func ErrorResponse(code int, detail string) *Response {
	msg := strconv.Itoa(code) + " " + http.StatusText(code)
	if detail != "" {
		msg += ": " + detail
	}
	return NewResponse(code, msg+"\n")
}

// KeepAlive reports whether the connection the response arrived on may be
// reused.
func (r *Response) KeepAlive() bool {
	if r.closeDelimited {
		return false
	}
	return keepAlive(r.Version, &r.Header)
}

// CloseDelimited reports whether the body ends when the connection closes.
func (r *Response) CloseDelimited() bool {
	return r.closeDelimited
}

// BodyForbidden reports whether the status code never carries a body.
func (r *Response) BodyForbidden() bool {
	return bodyForbidden(r.StatusCode)
}

func bodyForbidden(code int) bool {
	return (code >= 100 && code < 200) || code == http.StatusNoContent || code == http.StatusNotModified
}

func keepAlive(version string, h *Header) bool {
	if h.HasConnectionToken("close") {
		return false
	}
	if version == HTTP11 {
		return true
	}
	return h.HasConnectionToken("keep-alive")
}
