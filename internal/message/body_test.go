package message

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBody_StreamHandedOutOnce(t *testing.T) {
	t.Parallel()

	var done []bool
	b := NewStreamingBody(strings.NewReader("payload"), 7, func(complete bool) {
		done = append(done, complete)
	})
	assert.True(t, b.IsStreaming())
	assert.False(t, b.Replayable())

	r, err := b.Reader()
	require.NoError(t, err)
	assert.True(t, b.Consumed())

	_, err = b.Reader()
	assert.ErrorIs(t, err, ErrBodyConsumed)
	_, err = b.Bytes()
	assert.ErrorIs(t, err, ErrBodyConsumed)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
	assert.Equal(t, []bool{true}, done)
}

func TestBody_BufferMakesReplayable(t *testing.T) {
	t.Parallel()

	b := NewStreamingBody(strings.NewReader("abc"), -1, nil)
	require.NoError(t, b.Buffer())

	assert.False(t, b.IsStreaming())
	assert.True(t, b.Replayable())
	assert.Equal(t, int64(3), b.Length())

	for range 2 {
		r, err := b.Reader()
		require.NoError(t, err)
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "abc", string(got))
	}
}

func TestBody_CloseReportsAbandoned(t *testing.T) {
	t.Parallel()

	var done []bool
	b := NewStreamingBody(strings.NewReader("abc"), 3, func(complete bool) {
		done = append(done, complete)
	})
	b.Close()
	b.Close()

	assert.Equal(t, []bool{false}, done)
	assert.True(t, b.Consumed())
}

func TestBody_DiscardDrains(t *testing.T) {
	t.Parallel()

	src := strings.NewReader("abcdef")
	var done []bool
	b := NewStreamingBody(src, 4, func(complete bool) { done = append(done, complete) })

	require.NoError(t, b.Discard())
	assert.Equal(t, 2, src.Len(), "discard must stop at the declared length")
	assert.Equal(t, []bool{true}, done)
	assert.True(t, b.Drained())
}

func TestBody_Drained(t *testing.T) {
	t.Parallel()

	assert.True(t, EmptyBody().Drained())

	unread := NewStreamingBody(strings.NewReader("abc"), 3, nil)
	assert.False(t, unread.Drained())

	abandoned := NewStreamingBody(strings.NewReader("abc"), 3, nil)
	abandoned.Close()
	assert.False(t, abandoned.Drained())

	partial := NewStreamingBody(strings.NewReader("abc"), 3, nil)
	r, err := partial.Reader()
	require.NoError(t, err)
	_, err = r.Read(make([]byte, 1))
	require.NoError(t, err)
	assert.False(t, partial.Drained())
}

func TestBody_Empty(t *testing.T) {
	t.Parallel()

	b := EmptyBody()
	assert.True(t, b.IsEmpty())
	assert.True(t, b.Replayable())
	assert.Zero(t, b.Length())

	got, err := b.Bytes()
	require.NoError(t, err)
	assert.Empty(t, got)
}
