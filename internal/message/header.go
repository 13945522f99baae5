package message

import (
	"io"
	"strconv"
	"strings"
)

// Well-known header names.
const (
	HeaderContentLength    = "Content-Length"
	HeaderContentType      = "Content-Type"
	HeaderTransferEncoding = "Transfer-Encoding"
	HeaderConnection       = "Connection"
	HeaderHost             = "Host"
	HeaderLocation         = "Location"
	HeaderDestination      = "Destination"
	HeaderKeepAlive        = "Keep-Alive"
	HeaderXForwardedFor    = "X-Forwarded-For"
	HeaderXForwardedProto  = "X-Forwarded-Proto"
	HeaderXForwardedHost   = "X-Forwarded-Host"
)

// hopByHopHeaders are stripped when a message crosses the proxy.
var hopByHopHeaders = []string{
	HeaderConnection,
	HeaderKeepAlive,
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Upgrade",
}

// Field is a single header line.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered multi-map of header fields. Names compare
// case-insensitively; insertion order is kept for serialization.
// The zero value is an empty header ready to use.
type Header struct {
	fields []Field
}

// Add appends a field, keeping any existing fields with the same name.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Set replaces the first field with the given name in place and removes
// the others. The field is appended when absent.
func (h *Header) Set(name, value string) {
	found := false
	out := h.fields[:0]
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			if found {
				continue
			}
			found = true
			f.Value = value
		}
		out = append(out, f)
	}
	h.fields = out
	if !found {
		h.fields = append(h.fields, Field{Name: name, Value: value})
	}
}

// Get returns the first value for name, or "".
func (h *Header) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name in insertion order.
func (h *Header) Values(name string) []string {
	var values []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			values = append(values, f.Value)
		}
	}
	return values
}

// Has reports whether at least one field named name exists.
func (h *Header) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Del removes all fields named name.
func (h *Header) Del(name string) {
	out := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	h.fields = out
}

// Len returns the number of fields.
func (h *Header) Len() int {
	return len(h.fields)
}

// Fields returns a copy of the fields in order.
func (h *Header) Fields() []Field {
	out := make([]Field, len(h.fields))
	copy(out, h.fields)
	return out
}

// Keys returns the distinct field names in first-seen order.
func (h *Header) Keys() []string {
	keys := make([]string, 0, len(h.fields))
	seen := make(map[string]struct{}, len(h.fields))
	for _, f := range h.fields {
		k := strings.ToLower(f.Name)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, f.Name)
	}
	return keys
}

// Clone returns a deep copy.
func (h *Header) Clone() Header {
	return Header{fields: h.Fields()}
}

// ContentLength returns the parsed Content-Length and whether a valid one
// is present.
func (h *Header) ContentLength() (int64, bool) {
	v := h.Get(HeaderContentLength)
	if v == "" {
		return -1, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return -1, false
	}
	return n, true
}

// SetContentLength sets Content-Length.
func (h *Header) SetContentLength(n int64) {
	h.Set(HeaderContentLength, strconv.FormatInt(n, 10))
}

// ContentType returns the Content-Type value.
func (h *Header) ContentType() string {
	return h.Get(HeaderContentType)
}

// TransferEncoding returns the combined Transfer-Encoding value.
func (h *Header) TransferEncoding() string {
	return strings.Join(h.Values(HeaderTransferEncoding), ", ")
}

// IsChunked reports whether chunked is the final transfer coding.
func (h *Header) IsChunked() bool {
	te := h.TransferEncoding()
	if te == "" {
		return false
	}
	codings := strings.Split(te, ",")
	return strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), "chunked")
}

// Connection returns the combined Connection value.
func (h *Header) Connection() string {
	return strings.Join(h.Values(HeaderConnection), ", ")
}

// HasConnectionToken reports whether the Connection header lists token.
func (h *Header) HasConnectionToken(token string) bool {
	for _, v := range h.Values(HeaderConnection) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

// Host returns the Host header value.
func (h *Header) Host() string {
	return h.Get(HeaderHost)
}

// StripHopByHop removes hop-by-hop fields, including any named by the
// Connection header.
func (h *Header) StripHopByHop() {
	for _, v := range h.Values(HeaderConnection) {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" && !strings.EqualFold(t, "close") &&
				!strings.EqualFold(t, "keep-alive") {
				h.Del(t)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// WriteTo writes the fields followed by the terminating empty line.
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	for _, f := range h.fields {
		sb.WriteString(f.Name)
		sb.WriteString(": ")
		sb.WriteString(f.Value)
		sb.WriteString("\r\n")
	}
	sb.WriteString("\r\n")
	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}
