package message

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// maxChunkSizeDigits bounds the hex digits accepted in a chunk-size line.
const maxChunkSizeDigits = 16

// maxTrailerBytes bounds the trailer section after the last chunk.
const maxTrailerBytes = 8 << 10

var errMalformedChunk = errors.New("malformed chunked encoding")

// ChunkedReader decodes a chunked transfer-coded stream. Chunk extensions
// and trailer fields are read and dropped. It returns io.EOF after the
// terminating zero-size chunk and its trailer section.
type ChunkedReader struct {
	r         *bufio.Reader
	remaining int64
	needCRLF  bool
	done      bool
	err       error
}

// NewChunkedReader returns a decoder reading from r.
func NewChunkedReader(r *bufio.Reader) *ChunkedReader {
	return &ChunkedReader{r: r}
}

// Read implements io.Reader.
func (c *ChunkedReader) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.done {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	for c.remaining == 0 {
		if c.needCRLF {
			if err := c.readCRLF(); err != nil {
				return 0, c.fail(err)
			}
			c.needCRLF = false
		}
		size, err := c.readChunkSize()
		if err != nil {
			return 0, c.fail(err)
		}
		if size == 0 {
			if err := c.readTrailers(); err != nil {
				return 0, c.fail(err)
			}
			c.done = true
			return 0, io.EOF
		}
		c.remaining = size
	}

	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	if c.remaining == 0 {
		c.needCRLF = true
	}
	if err == io.EOF {
		return n, c.fail(io.ErrUnexpectedEOF)
	}
	if err != nil {
		return n, c.fail(err)
	}
	return n, nil
}

func (c *ChunkedReader) fail(err error) error {
	c.err = err
	return err
}

func (c *ChunkedReader) readCRLF() error {
	b, err := c.r.ReadByte()
	if err != nil {
		return unexpected(err)
	}
	if b == '\r' {
		if b, err = c.r.ReadByte(); err != nil {
			return unexpected(err)
		}
	}
	if b != '\n' {
		return errMalformedChunk
	}
	return nil
}

func (c *ChunkedReader) readChunkSize() (int64, error) {
	line, err := readLine(c.r, maxChunkSizeDigits+256)
	if err != nil {
		return 0, unexpected(err)
	}
	for i := 0; i < len(line); i++ {
		if line[i] == ';' || line[i] == ' ' || line[i] == '\t' {
			line = line[:i]
			break
		}
	}
	if line == "" || len(line) > maxChunkSizeDigits {
		return 0, errMalformedChunk
	}
	size, err := strconv.ParseInt(line, 16, 64)
	if err != nil || size < 0 {
		return 0, errMalformedChunk
	}
	return size, nil
}

func (c *ChunkedReader) readTrailers() error {
	total := 0
	for {
		line, err := readLine(c.r, maxTrailerBytes)
		if err != nil {
			return unexpected(err)
		}
		if line == "" {
			return nil
		}
		if total += len(line); total > maxTrailerBytes {
			return errMalformedChunk
		}
	}
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// ChunkedWriter encodes each Write as one chunk. Close writes the
// terminating zero-size chunk; it does not close the underlying writer.
type ChunkedWriter struct {
	w      io.Writer
	closed bool
}

// NewChunkedWriter returns an encoder writing to w.
func NewChunkedWriter(w io.Writer) *ChunkedWriter {
	return &ChunkedWriter{w: w}
}

// Write implements io.Writer. Empty writes emit nothing, since a zero-size
// chunk would end the stream.
func (c *ChunkedWriter) Write(p []byte) (int, error) {
	if c.closed {
		return 0, errors.New("write to closed chunked writer")
	}
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(c.w, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	n, err := c.w.Write(p)
	if err != nil {
		return n, err
	}
	if _, err := io.WriteString(c.w, "\r\n"); err != nil {
		return n, err
	}
	return n, nil
}

// Close writes the last-chunk and an empty trailer section.
func (c *ChunkedWriter) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	_, err := io.WriteString(c.w, "0\r\n\r\n")
	return err
}
