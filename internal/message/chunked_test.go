package message

import (
	"bufio"
	"bytes"
	"io"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(n int) []byte {
	b := make([]byte, n)
	r := rand.New(rand.NewPCG(uint64(n), 7))
	for i := range b {
		b[i] = byte(r.IntN(256))
	}
	return b
}

func TestChunkedRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"single byte", 1},
		{"multiple chunks", 200 << 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			payload := randomBytes(tt.size)

			req := NewRequest("POST", "/upload")
			req.Header.Set(HeaderHost, "example.com")
			req.Body = NewStreamingBody(bytes.NewReader(payload), -1, nil)

			var wire bytes.Buffer
			bw := bufio.NewWriter(&wire)
			progress := &WriteProgress{}
			require.NoError(t, WriteRequest(bw, req, progress))
			assert.True(t, progress.BodyComplete)
			assert.Equal(t, int64(tt.size), progress.BodyBytes)

			parsed, err := ReadRequest(bufio.NewReader(&wire), DefaultLimits())
			require.NoError(t, err)
			assert.True(t, parsed.Header.IsChunked())
			assert.True(t, parsed.Body.IsStreaming())

			got, err := parsed.Body.Bytes()
			require.NoError(t, err)
			assert.True(t, bytes.Equal(payload, got), "body differs after round trip")
		})
	}
}

func TestChunkedWriter_SplitsLargeBodies(t *testing.T) {
	t.Parallel()

	payload := randomBytes(100 << 10)
	req := NewRequest("PUT", "/blob")
	req.Header.Set(HeaderHost, "example.com")
	req.Body = NewStreamingBody(bytes.NewReader(payload), -1, nil)

	var wire bytes.Buffer
	bw := bufio.NewWriter(&wire)
	require.NoError(t, WriteRequest(bw, req, nil))

	// 100KiB in 32KiB units is four data chunks plus the last-chunk.
	assert.Equal(t, 4, strings.Count(wire.String(), "\r\n8000\r\n")+strings.Count(wire.String(), "\r\n1000\r\n"))
	assert.True(t, strings.HasSuffix(wire.String(), "\r\n0\r\n\r\n"))
}

func TestChunkedReader_ExtensionsAndTrailers(t *testing.T) {
	t.Parallel()

	wire := "5;name=value\r\nhello\r\n6\r\n world\r\n0\r\nX-Checksum: abc\r\n\r\nNEXT"
	br := bufio.NewReader(strings.NewReader(wire))

	got, err := io.ReadAll(NewChunkedReader(br))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	rest, err := io.ReadAll(br)
	require.NoError(t, err)
	assert.Equal(t, "NEXT", string(rest), "reader must stop exactly after the trailer section")
}

func TestChunkedReader_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		wire string
		want error
	}{
		{"bad hex", "zz\r\nabc\r\n0\r\n\r\n", errMalformedChunk},
		{"missing crlf after data", "3\r\nabcX\r\n0\r\n\r\n", errMalformedChunk},
		{"truncated data", "a\r\nabc", io.ErrUnexpectedEOF},
		{"truncated before last chunk", "3\r\nabc\r\n", io.ErrUnexpectedEOF},
		{"oversized size line", strings.Repeat("f", 17) + "\r\n", errMalformedChunk},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := io.ReadAll(NewChunkedReader(bufio.NewReader(strings.NewReader(tt.wire))))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestChunkedWriter_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	cw := NewChunkedWriter(&buf)

	n, err := cw.Write(nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = cw.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, cw.Close())
	require.NoError(t, cw.Close())

	assert.Equal(t, "3\r\nabc\r\n0\r\n\r\n", buf.String())

	_, err = cw.Write([]byte("x"))
	assert.Error(t, err)
}
