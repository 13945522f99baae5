package message

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Default parser limits.
const (
	DefaultMaxLineBytes   = 8 << 10
	DefaultMaxHeaderBytes = 64 << 10
	DefaultMaxHeaders     = 200
)

// Limits bounds what the parser accepts.
type Limits struct {
	MaxLineBytes   int
	MaxHeaderBytes int
	MaxHeaders     int
}

// DefaultLimits returns the default parser limits.
func DefaultLimits() Limits {
	return Limits{
		MaxLineBytes:   DefaultMaxLineBytes,
		MaxHeaderBytes: DefaultMaxHeaderBytes,
		MaxHeaders:     DefaultMaxHeaders,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxLineBytes <= 0 {
		l.MaxLineBytes = d.MaxLineBytes
	}
	if l.MaxHeaderBytes <= 0 {
		l.MaxHeaderBytes = d.MaxHeaderBytes
	}
	if l.MaxHeaders <= 0 {
		l.MaxHeaders = d.MaxHeaders
	}
	return l
}

// ProtocolError reports a malformed message.
type ProtocolError struct {
	Reason string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return "malformed HTTP message: " + e.Reason
}

// IsProtocolError reports whether err is, or wraps, a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// ReadRequest reads one request head from br and frames its body. The body
// is streamed from br; callers must read or discard it before reading the
// next request on the same connection. io.EOF is returned when the peer
// closed the connection before sending any byte.
func ReadRequest(br *bufio.Reader, limits Limits) (*Request, error) {
	limits = limits.withDefaults()

	line, err := readRequestLine(br, limits.MaxLineBytes)
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return nil, protocolErrorf("bad request line %q", line)
	}
	if !isToken(parts[0]) {
		return nil, protocolErrorf("bad method %q", parts[0])
	}
	if !validVersion(parts[2]) {
		return nil, protocolErrorf("unsupported version %q", parts[2])
	}

	req := &Request{Method: parts[0], URI: parts[1], Version: parts[2]}
	if err := readHeader(br, &req.Header, limits); err != nil {
		return nil, err
	}
	if req.Version == HTTP11 && !req.Header.Has(HeaderHost) {
		return nil, protocolErrorf("missing Host header")
	}

	body, err := requestBody(br, &req.Header)
	if err != nil {
		return nil, err
	}
	req.Body = body
	return req, nil
}

// ReadResponse reads one response head from br and frames its body.
// method is the request method the response answers; HEAD responses carry
// no body. onDone is attached to a streamed body (see NewStreamingBody).
func ReadResponse(br *bufio.Reader, method string, limits Limits, onDone func(complete bool)) (*Response, error) {
	limits = limits.withDefaults()

	line, err := readLine(br, limits.MaxLineBytes)
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !validVersion(parts[0]) {
		return nil, protocolErrorf("bad status line %q", line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || len(parts[1]) != 3 || code < 100 {
		return nil, protocolErrorf("bad status code %q", parts[1])
	}

	resp := &Response{StatusCode: code, Version: parts[0]}
	if len(parts) == 3 {
		resp.Reason = parts[2]
	}
	if err := readHeader(br, &resp.Header, limits); err != nil {
		return nil, err
	}

	switch {
	case method == "HEAD" || bodyForbidden(code):
		resp.Body = EmptyBody()
		if onDone != nil {
			onDone(true)
		}
	case resp.Header.IsChunked():
		resp.Header.Del(HeaderContentLength)
		resp.Body = NewStreamingBody(NewChunkedReader(br), -1, onDone)
	case resp.Header.Has(HeaderContentLength):
		n, err := parseContentLength(&resp.Header)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			resp.Body = EmptyBody()
			if onDone != nil {
				onDone(true)
			}
		} else {
			resp.Body = NewStreamingBody(br, n, onDone)
		}
	default:
		resp.closeDelimited = true
		resp.Body = NewStreamingBody(br, -1, onDone)
	}
	return resp, nil
}

// requestBody frames a request body. Content-Length together with
// Transfer-Encoding is rejected as a smuggling vector.
func requestBody(br *bufio.Reader, h *Header) (*Body, error) {
	hasTE := h.Has(HeaderTransferEncoding)
	hasCL := h.Has(HeaderContentLength)

	switch {
	case hasTE && hasCL:
		return nil, protocolErrorf("both Transfer-Encoding and Content-Length present")
	case hasTE:
		if !h.IsChunked() {
			return nil, protocolErrorf("unsupported transfer coding %q", h.TransferEncoding())
		}
		return NewStreamingBody(NewChunkedReader(br), -1, nil), nil
	case hasCL:
		n, err := parseContentLength(h)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return EmptyBody(), nil
		}
		return NewStreamingBody(br, n, nil), nil
	default:
		return EmptyBody(), nil
	}
}

func parseContentLength(h *Header) (int64, error) {
	values := h.Values(HeaderContentLength)
	var n int64 = -1
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			m, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil || m < 0 {
				return 0, protocolErrorf("bad Content-Length %q", v)
			}
			if n >= 0 && m != n {
				return 0, protocolErrorf("conflicting Content-Length values")
			}
			n = m
		}
	}
	return n, nil
}

func readRequestLine(br *bufio.Reader, max int) (string, error) {
	// Tolerate empty lines ahead of the request line.
	for i := 0; ; i++ {
		line, err := readLine(br, max)
		if err != nil {
			return "", err
		}
		if line != "" {
			return line, nil
		}
		if i >= 4 {
			return "", protocolErrorf("too many empty lines")
		}
	}
}

func readHeader(br *bufio.Reader, h *Header, limits Limits) error {
	total := 0
	for {
		line, err := readLine(br, limits.MaxLineBytes)
		if err != nil {
			return unexpected(err)
		}
		if line == "" {
			return nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			return protocolErrorf("obsolete header line folding")
		}
		if total += len(line); total > limits.MaxHeaderBytes {
			return protocolErrorf("header section too large")
		}
		if h.Len() >= limits.MaxHeaders {
			return protocolErrorf("too many header fields")
		}

		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return protocolErrorf("bad header line %q", line)
		}
		name := line[:colon]
		if !isToken(name) {
			return protocolErrorf("bad header name %q", name)
		}
		h.Add(name, strings.TrimSpace(line[colon+1:]))
	}
}

// readLine reads one CRLF- or LF-terminated line without the terminator.
func readLine(br *bufio.Reader, max int) (string, error) {
	var buf []byte
	for {
		chunk, err := br.ReadSlice('\n')
		if len(buf)+len(chunk) > max+2 {
			return "", protocolErrorf("line too long")
		}
		buf = append(buf, chunk...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err == io.EOF && len(buf) > 0 {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	buf = buf[:len(buf)-1]
	if n := len(buf); n > 0 && buf[n-1] == '\r' {
		buf = buf[:n-1]
	}
	return string(buf), nil
}

func validVersion(v string) bool {
	return v == HTTP11 || v == HTTP10
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}
