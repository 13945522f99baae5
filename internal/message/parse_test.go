package message

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reader(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

func TestReadRequest_Framing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		wire      string
		wantBody  string
		streaming bool
	}{
		{
			name:     "no body",
			wire:     "GET /a HTTP/1.1\r\nHost: x\r\n\r\n",
			wantBody: "",
		},
		{
			name:      "content length",
			wire:      "POST /a HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello",
			wantBody:  "hello",
			streaming: true,
		},
		{
			name:     "zero content length",
			wire:     "POST /a HTTP/1.1\r\nHost: x\r\nContent-Length: 0\r\n\r\n",
			wantBody: "",
		},
		{
			name:      "chunked",
			wire:      "POST /a HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n0\r\n\r\n",
			wantBody:  "abc",
			streaming: true,
		},
		{
			name:     "leading empty lines",
			wire:     "\r\n\r\nGET / HTTP/1.1\r\nHost: x\r\n\r\n",
			wantBody: "",
		},
		{
			name:     "http 1.0 without host",
			wire:     "GET / HTTP/1.0\r\n\r\n",
			wantBody: "",
		},
		{
			name:      "duplicate equal content length",
			wire:      "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 2\r\nContent-Length: 2\r\n\r\nok",
			wantBody:  "ok",
			streaming: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req, err := ReadRequest(reader(tt.wire), DefaultLimits())
			require.NoError(t, err)
			assert.Equal(t, tt.streaming, req.Body.IsStreaming())

			got, err := req.Body.Bytes()
			require.NoError(t, err)
			assert.Equal(t, tt.wantBody, string(got))
		})
	}
}

func TestReadRequest_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		wire string
	}{
		{"garbage", "hello\r\n\r\n"},
		{"bad version", "GET / HTTP/2.0\r\nHost: x\r\n\r\n"},
		{"bad method", "G(T / HTTP/1.1\r\nHost: x\r\n\r\n"},
		{"missing host", "GET / HTTP/1.1\r\n\r\n"},
		{"te and cl", "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 3\r\nTransfer-Encoding: chunked\r\n\r\n"},
		{"unknown coding", "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: gzip\r\n\r\n"},
		{"negative length", "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: -4\r\n\r\n"},
		{"conflicting length", "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 3\r\nContent-Length: 4\r\n\r\n"},
		{"folded header", "GET / HTTP/1.1\r\nHost: x\r\n continued\r\n\r\n"},
		{"no colon", "GET / HTTP/1.1\r\nHost x\r\n\r\n"},
		{"space in name", "GET / HTTP/1.1\r\nHo st: x\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ReadRequest(reader(tt.wire), DefaultLimits())
			require.Error(t, err)
			assert.True(t, IsProtocolError(err), "got %v", err)
		})
	}
}

func TestReadRequest_Limits(t *testing.T) {
	t.Parallel()

	limits := Limits{MaxLineBytes: 64, MaxHeaders: 2}

	_, err := ReadRequest(reader("GET /"+strings.Repeat("a", 100)+" HTTP/1.1\r\nHost: x\r\n\r\n"), limits)
	assert.True(t, IsProtocolError(err))

	_, err = ReadRequest(reader("GET / HTTP/1.1\r\nHost: x\r\nA: 1\r\nB: 2\r\n\r\n"), limits)
	assert.True(t, IsProtocolError(err))
}

func TestReadRequest_EOF(t *testing.T) {
	t.Parallel()

	_, err := ReadRequest(reader(""), DefaultLimits())
	assert.ErrorIs(t, err, io.EOF)

	_, err = ReadRequest(reader("GET / HTTP/1.1\r\nHost: x\r\n"), DefaultLimits())
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadRequest_KeepAliveSequence(t *testing.T) {
	t.Parallel()

	br := reader("POST /1 HTTP/1.1\r\nHost: x\r\nContent-Length: 3\r\n\r\nabc" +
		"GET /2 HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")

	first, err := ReadRequest(br, DefaultLimits())
	require.NoError(t, err)
	assert.True(t, first.KeepAlive())
	require.NoError(t, first.Body.Discard())

	second, err := ReadRequest(br, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, "/2", second.URI)
	assert.False(t, second.KeepAlive())
}

func TestReadResponse_Framing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		method         string
		wire           string
		wantBody       string
		closeDelimited bool
	}{
		{
			name:     "content length",
			method:   "GET",
			wire:     "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi",
			wantBody: "hi",
		},
		{
			name:     "chunked wins over content length",
			method:   "GET",
			wire:     "HTTP/1.1 200 OK\r\nContent-Length: 100\r\nTransfer-Encoding: chunked\r\n\r\n2\r\nhi\r\n0\r\n\r\n",
			wantBody: "hi",
		},
		{
			name:           "close delimited",
			method:         "GET",
			wire:           "HTTP/1.1 200 OK\r\n\r\nuntil close",
			wantBody:       "until close",
			closeDelimited: true,
		},
		{
			name:     "head",
			method:   "HEAD",
			wire:     "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n",
			wantBody: "",
		},
		{
			name:     "no content",
			method:   "GET",
			wire:     "HTTP/1.1 204 No Content\r\n\r\n",
			wantBody: "",
		},
		{
			name:     "missing reason",
			method:   "GET",
			wire:     "HTTP/1.1 200\r\nContent-Length: 0\r\n\r\n",
			wantBody: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var done []bool
			resp, err := ReadResponse(reader(tt.wire), tt.method, DefaultLimits(), func(complete bool) {
				done = append(done, complete)
			})
			require.NoError(t, err)
			assert.Equal(t, tt.closeDelimited, resp.CloseDelimited())
			assert.Equal(t, !tt.closeDelimited, resp.KeepAlive())

			got, err := resp.Body.Bytes()
			require.NoError(t, err)
			assert.Equal(t, tt.wantBody, string(got))
			assert.Equal(t, []bool{true}, done, "completion must be reported exactly once")
		})
	}
}

func TestReadResponse_Truncated(t *testing.T) {
	t.Parallel()

	var done []bool
	resp, err := ReadResponse(reader("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc"), "GET", DefaultLimits(),
		func(complete bool) { done = append(done, complete) })
	require.NoError(t, err)

	_, err = resp.Body.Bytes()
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Equal(t, []bool{false}, done)
}

func TestReadResponse_BadStatusLine(t *testing.T) {
	t.Parallel()

	for _, wire := range []string{
		"HTTP/1.1 OK\r\n\r\n",
		"HTTP/1.1 99 Low\r\n\r\n",
		"SPDY/3 200 OK\r\n\r\n",
	} {
		_, err := ReadResponse(reader(wire), "GET", DefaultLimits(), nil)
		assert.True(t, IsProtocolError(err), wire)
	}
}

func TestWriteResponse_Framing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		resp        func() *Response
		method      string
		peer        string
		wantHead    []string
		wantBody    string
		wantClose   bool
		notInHeader string
	}{
		{
			name:     "buffered",
			resp:     func() *Response { return NewResponse(200, "hello") },
			method:   "GET",
			peer:     HTTP11,
			wantHead: []string{"HTTP/1.1 200 OK\r\n", "Content-Length: 5\r\n"},
			wantBody: "hello",
		},
		{
			name: "unknown length to 1.1 peer",
			resp: func() *Response {
				r := NewResponse(200, "")
				r.Header.Del(HeaderContentLength)
				r.Body = NewStreamingBody(strings.NewReader("abc"), -1, nil)
				return r
			},
			method:      "GET",
			peer:        HTTP11,
			wantHead:    []string{"Transfer-Encoding: chunked\r\n"},
			wantBody:    "3\r\nabc\r\n0\r\n\r\n",
			notInHeader: HeaderContentLength,
		},
		{
			name: "unknown length to 1.0 peer",
			resp: func() *Response {
				r := NewResponse(200, "")
				r.Body = NewStreamingBody(strings.NewReader("abc"), -1, nil)
				return r
			},
			method:      "GET",
			peer:        HTTP10,
			wantHead:    []string{"HTTP/1.0 200 OK\r\n", "Connection: close\r\n"},
			wantBody:    "abc",
			wantClose:   true,
			notInHeader: HeaderContentLength,
		},
		{
			name:     "head keeps declared length",
			resp:     func() *Response { return NewResponse(200, "hello") },
			method:   "HEAD",
			peer:     HTTP11,
			wantHead: []string{"Content-Length: 5\r\n"},
			wantBody: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			bw := bufio.NewWriter(&buf)
			closeAfter, err := WriteResponse(bw, tt.resp(), tt.method, tt.peer, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.wantClose, closeAfter)

			head, body, ok := strings.Cut(buf.String(), "\r\n\r\n")
			require.True(t, ok)
			head += "\r\n"
			for _, want := range tt.wantHead {
				assert.Contains(t, head, want)
			}
			if tt.notInHeader != "" {
				assert.NotContains(t, head, tt.notInHeader)
			}
			assert.Equal(t, tt.wantBody, body)
		})
	}
}

func TestWriteRequest_ConsumedBody(t *testing.T) {
	t.Parallel()

	req := NewRequest("POST", "/")
	req.Body = NewStreamingBody(strings.NewReader("abc"), 3, nil)
	_, err := req.Body.Reader()
	require.NoError(t, err)

	err = WriteRequest(bufio.NewWriter(io.Discard), req, nil)
	assert.ErrorIs(t, err, ErrBodyConsumed)
}

func TestWriteRequest_PartialProgress(t *testing.T) {
	t.Parallel()

	src := io.MultiReader(strings.NewReader("abc"), iotestErrReader{})
	req := NewRequest("POST", "/")
	req.Header.Set(HeaderHost, "x")
	req.Body = NewStreamingBody(src, 10, nil)

	p := &WriteProgress{}
	err := WriteRequest(bufio.NewWriter(io.Discard), req, p)

	var se *SourceError
	require.ErrorAs(t, err, &se)
	assert.True(t, p.HeadWritten)
	assert.True(t, p.BodyStarted())
	assert.False(t, p.BodyComplete)
}

var errBoom = errors.New("boom")

type iotestErrReader struct{}

func (iotestErrReader) Read([]byte) (int, error) { return 0, errBoom }

func TestRequest_Path(t *testing.T) {
	t.Parallel()

	tests := []struct {
		uri      string
		path     string
		pathOnly string
		absolute bool
	}{
		{"/a/b?x=1", "/a/b?x=1", "/a/b", false},
		{"http://host:8080/a?x=1", "/a?x=1", "/a", true},
		{"https://host", "/", "/", true},
	}

	for _, tt := range tests {
		r := NewRequest("GET", tt.uri)
		assert.Equal(t, tt.absolute, r.IsAbsoluteURI(), tt.uri)
		assert.Equal(t, tt.path, r.Path(), tt.uri)
		assert.Equal(t, tt.pathOnly, r.PathOnly(), tt.uri)
	}
}
