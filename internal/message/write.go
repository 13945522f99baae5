package message

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// copyBufferSize is the unit in which streamed bodies are relayed. With
// chunked framing every unit becomes one chunk.
const copyBufferSize = 32 << 10

// WriteProgress records how far a message got onto the wire. A writer
// that fails part-way through a body leaves BodyBytes > 0 and
// BodyComplete false, which is what callers use to decide whether a
// resend is safe.
type WriteProgress struct {
	HeadWritten  bool
	BodyBytes    int64
	BodyComplete bool
}

// BodyStarted reports whether any body byte was handed to the connection.
func (p *WriteProgress) BodyStarted() bool {
	return p.BodyBytes > 0
}

// WriteRequest serializes req to w and flushes it. Framing headers are
// derived from the body: buffered and known-length bodies get
// Content-Length, streams of unknown length are sent chunked without
// being buffered.
func WriteRequest(w *bufio.Writer, req *Request, p *WriteProgress) error {
	if p == nil {
		p = &WriteProgress{}
	}
	if req.Body == nil {
		req.Body = EmptyBody()
	}
	if req.Body.Consumed() {
		return ErrBodyConsumed
	}

	chunked := frameRequest(req)
	version := req.Version
	if version == "" || chunked {
		version = HTTP11
	}

	if _, err := fmt.Fprintf(w, "%s %s %s\r\n", req.Method, req.URI, version); err != nil {
		return err
	}
	if _, err := req.Header.WriteTo(w); err != nil {
		return err
	}
	p.HeadWritten = true

	if err := writeBody(w, req.Body, chunked, p); err != nil {
		return err
	}
	return nil
}

// WriteResponse serializes resp to w for a client that sent a request
// with the given method and protocol version. It returns true when the
// connection must be closed after the response because the body is
// delimited by connection close.
func WriteResponse(w *bufio.Writer, resp *Response, method, peerVersion string, p *WriteProgress) (bool, error) {
	if p == nil {
		p = &WriteProgress{}
	}
	if resp.Body == nil {
		resp.Body = EmptyBody()
	}

	noBody := method == "HEAD" || resp.BodyForbidden()
	closeAfter := false
	chunked := false

	if !noBody {
		switch {
		case resp.Body.Consumed():
			return false, ErrBodyConsumed
		case !resp.Body.IsStreaming() || resp.Body.Length() >= 0:
			resp.Header.Del(HeaderTransferEncoding)
			resp.Header.SetContentLength(resp.Body.Length())
		case peerVersion == HTTP11:
			resp.Header.Del(HeaderContentLength)
			resp.Header.Set(HeaderTransferEncoding, "chunked")
			chunked = true
		default:
			resp.Header.Del(HeaderContentLength)
			resp.Header.Del(HeaderTransferEncoding)
			resp.Header.Set(HeaderConnection, "close")
			closeAfter = true
		}
	}

	reason := resp.Reason
	if reason == "" {
		reason = defaultReason(resp.StatusCode)
	}
	version := HTTP11
	if peerVersion == HTTP10 {
		version = HTTP10
	}

	if _, err := fmt.Fprintf(w, "%s %s %s\r\n", version, strconv.Itoa(resp.StatusCode), reason); err != nil {
		return closeAfter, err
	}
	if _, err := resp.Header.WriteTo(w); err != nil {
		return closeAfter, err
	}
	p.HeadWritten = true

	if noBody {
		resp.Body.Close()
		p.BodyComplete = true
		return closeAfter, w.Flush()
	}
	return closeAfter, writeBody(w, resp.Body, chunked, p)
}

// frameRequest rewrites the framing headers of req and reports whether the
// body goes out chunked.
func frameRequest(req *Request) bool {
	h := &req.Header
	body := req.Body

	h.Del(HeaderTransferEncoding)
	switch {
	case body.IsStreaming() && body.Length() < 0:
		h.Del(HeaderContentLength)
		h.Set(HeaderTransferEncoding, "chunked")
		return true
	case body.Length() > 0:
		h.SetContentLength(body.Length())
	case h.Has(HeaderContentLength) || methodExpectsBody(req.Method):
		h.SetContentLength(0)
	}
	return false
}

func methodExpectsBody(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH":
		return true
	}
	return false
}

func writeBody(w *bufio.Writer, body *Body, chunked bool, p *WriteProgress) error {
	if body.IsEmpty() && !chunked {
		p.BodyComplete = true
		return w.Flush()
	}

	r, err := body.Reader()
	if err != nil {
		return err
	}

	var dst io.Writer = w
	var cw *ChunkedWriter
	if chunked {
		cw = NewChunkedWriter(w)
		dst = cw
	}
	// Streamed data is pushed as it arrives so the next hop sees it too.
	flush := body.IsStreaming()

	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			written, werr := dst.Write(buf[:n])
			p.BodyBytes += int64(written)
			if werr != nil {
				return werr
			}
			if flush {
				if err := w.Flush(); err != nil {
					return err
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return &SourceError{Err: rerr}
		}
	}

	if cw != nil {
		if err := cw.Close(); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	p.BodyComplete = true
	return nil
}

// SourceError reports that the body being relayed could not be read from
// its origin, as opposed to a failure writing to the destination.
type SourceError struct {
	Err error
}

// Error implements the error interface.
func (e *SourceError) Error() string {
	return "reading body: " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *SourceError) Unwrap() error {
	return e.Err
}

func defaultReason(code int) string {
	if r := http.StatusText(code); r != "" {
		return r
	}
	return "Status " + strconv.Itoa(code)
}
