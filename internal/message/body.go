package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrBodyConsumed is returned when a streaming body is read a second time.
var ErrBodyConsumed = errors.New("streaming body already consumed")

// ErrBodyLength is returned when the bytes read disagree with the declared
// Content-Length.
var ErrBodyLength = errors.New("body length does not match Content-Length")

type bodyKind int

const (
	bodyBuffered bodyKind = iota
	bodyStreaming
)

// Body is either a fully buffered byte slice or a lazily read stream.
// A stream can be handed out once; afterwards it is consumed and every
// further read attempt fails with ErrBodyConsumed unless it was buffered
// first with Buffer.
type Body struct {
	kind     bodyKind
	data     []byte
	stream   io.Reader
	length   int64
	consumed bool
	drained  bool

	doneOnce sync.Once
	onDone   func(complete bool)
}

// NewBufferedBody returns a body holding b.
func NewBufferedBody(b []byte) *Body {
	return &Body{kind: bodyBuffered, data: b, length: int64(len(b))}
}

// EmptyBody returns a zero-length buffered body.
func EmptyBody() *Body {
	return NewBufferedBody(nil)
}

// NewStreamingBody returns a body read lazily from r. length is the
// declared size or -1 when unknown (chunked or close-delimited). onDone,
// when non-nil, is called exactly once: with true after the stream hit EOF,
// with false when it was abandoned or failed.
func NewStreamingBody(r io.Reader, length int64, onDone func(complete bool)) *Body {
	if length >= 0 {
		r = &lengthReader{r: r, remaining: length}
	}
	return &Body{kind: bodyStreaming, stream: r, length: length, onDone: onDone}
}

// IsStreaming reports whether the body is still backed by a stream.
func (b *Body) IsStreaming() bool {
	return b.kind == bodyStreaming
}

// Consumed reports whether a stream has already been handed out.
func (b *Body) Consumed() bool {
	return b.kind == bodyStreaming && b.consumed
}

// Length returns the body size, or -1 when it is not known yet.
func (b *Body) Length() int64 {
	return b.length
}

// IsEmpty reports whether the body is known to carry no bytes.
func (b *Body) IsEmpty() bool {
	return b.length == 0
}

// Replayable reports whether the body can be sent more than once.
func (b *Body) Replayable() bool {
	return b.kind == bodyBuffered
}

// Buffer reads a streaming body fully into memory. After Buffer the body
// is buffered and can be read any number of times.
func (b *Body) Buffer() error {
	if b.kind == bodyBuffered {
		return nil
	}
	if b.consumed {
		return ErrBodyConsumed
	}
	b.consumed = true
	data, err := io.ReadAll(b.stream)
	if err != nil {
		b.finish(false)
		return fmt.Errorf("buffering body: %w", err)
	}
	if b.length >= 0 && int64(len(data)) != b.length {
		b.finish(false)
		return ErrBodyLength
	}
	b.finish(true)
	b.kind = bodyBuffered
	b.data = data
	b.stream = nil
	b.length = int64(len(data))
	return nil
}

// Bytes returns the body content, buffering a stream if necessary.
func (b *Body) Bytes() ([]byte, error) {
	if err := b.Buffer(); err != nil {
		return nil, err
	}
	return b.data, nil
}

// Reader returns a reader over the content. For a stream this hands the
// stream out and marks it consumed.
func (b *Body) Reader() (io.Reader, error) {
	if b.kind == bodyBuffered {
		return bytes.NewReader(b.data), nil
	}
	if b.consumed {
		return nil, ErrBodyConsumed
	}
	b.consumed = true
	return &trackingReader{body: b, r: b.stream}, nil
}

// Drained reports whether the content was read to its end. Buffered
// bodies are always drained; a stream only once it hit EOF.
func (b *Body) Drained() bool {
	return b.kind == bodyBuffered || b.drained
}

// Discard drains an unread stream so the underlying connection can be
// reused. It is a no-op for buffered or consumed bodies.
func (b *Body) Discard() error {
	if b.kind == bodyBuffered || b.consumed {
		return nil
	}
	b.consumed = true
	_, err := io.Copy(io.Discard, b.stream)
	b.finish(err == nil)
	return err
}

// Close abandons an unread stream without draining it.
func (b *Body) Close() {
	if b.kind == bodyStreaming {
		b.consumed = true
		b.finish(false)
	}
}

func (b *Body) finish(complete bool) {
	b.doneOnce.Do(func() {
		b.drained = complete
		if b.onDone != nil {
			b.onDone(complete)
		}
	})
}

// trackingReader reports stream completion to the owning body.
type trackingReader struct {
	body *Body
	r    io.Reader
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	switch {
	case err == io.EOF:
		t.body.finish(true)
	case err != nil:
		t.body.finish(false)
	}
	return n, err
}

// lengthReader yields exactly remaining bytes and reports a short stream
// as io.ErrUnexpectedEOF.
type lengthReader struct {
	r         io.Reader
	remaining int64
}

func (l *lengthReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if err == io.EOF {
		if l.remaining > 0 {
			return n, io.ErrUnexpectedEOF
		}
		return n, io.EOF
	}
	if err == nil && l.remaining == 0 {
		return n, io.EOF
	}
	return n, err
}
