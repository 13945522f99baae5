package core

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaproxy/internal/message"
)

func TestRewrite_Apply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    string
		to      string
		path    string
		want    string
		matched bool
	}{
		{
			name:    "capture groups",
			from:    "^/buy/(.*)/(.*)",
			to:      "/buy?item=$1&amount=$2",
			path:    "/buy/banana/3",
			want:    "/buy?item=banana&amount=3",
			matched: true,
		},
		{
			name:    "prefix replacement keeps rest",
			from:    "^/api/v1",
			to:      "/v2",
			path:    "/api/v1/users?id=1",
			want:    "/v2/users?id=1",
			matched: true,
		},
		{
			name:    "braced group reference",
			from:    "^/(\\w+)$",
			to:      "/${1}s",
			path:    "/user",
			want:    "/users",
			matched: true,
		},
		{
			name:    "numbered group followed by letters",
			from:    "^/v(\\d+)/(.*)",
			to:      "/api$1beta/$2",
			path:    "/v3/items",
			want:    "/api3beta/items",
			matched: true,
		},
		{
			name:    "escaped dollar stays literal",
			from:    "^/price/(\\d+)",
			to:      "/cost$$1/$1",
			path:    "/price/42",
			want:    "/cost$1/42",
			matched: true,
		},
		{
			name: "no match",
			from: "^/other",
			to:   "/x",
			path: "/buy/banana/3",
			want: "/buy/banana/3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rw := NewRewrite(regexp.MustCompile(tt.from), tt.to)
			got, ok := rw.Apply(tt.path)
			assert.Equal(t, tt.matched, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExchange_StatusTimestamps(t *testing.T) {
	t.Parallel()

	req := message.NewRequest("GET", "/a")
	req.Header.Set(message.HeaderHost, "Public:2000")
	exc := NewExchange(context.Background(), req)

	require.NotEmpty(t, exc.ID)
	assert.Equal(t, StatusStarted, exc.Status())
	assert.Equal(t, "/a", exc.OriginalURI)
	assert.Equal(t, "Public:2000", exc.OriginalHost)
	assert.False(t, exc.ReceivedAt.IsZero())

	exc.SetStatus(StatusSent)
	assert.False(t, exc.SentAt.IsZero())
	exc.SetStatus(StatusReceived)
	assert.False(t, exc.ResponseReceivedAt.IsZero())
	exc.SetStatus(StatusCompleted)
	assert.False(t, exc.CompletedAt.IsZero())
	assert.GreaterOrEqual(t, exc.Duration(), exc.SentAt.Sub(exc.ReceivedAt))
}

func TestExchange_FailKeepsFirstError(t *testing.T) {
	t.Parallel()

	exc := NewExchange(context.TODO(), message.NewRequest("GET", "/"))
	first := errors.New("first")
	exc.Fail(first)
	exc.Fail(errors.New("second"))

	assert.Equal(t, StatusFailed, exc.Status())
	assert.ErrorIs(t, exc.Err, first)
	assert.NotNil(t, exc.Context())
}

func TestExchange_Properties(t *testing.T) {
	t.Parallel()

	exc := NewExchange(context.Background(), message.NewRequest("GET", "/"))
	_, ok := exc.Property("missing")
	assert.False(t, ok)

	exc.SetProperty("k", 1)
	v, ok := exc.Property("k")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	snapshot := exc.Properties()
	snapshot["k"] = 2
	v, _ = exc.Property("k")
	assert.Equal(t, 1, v, "Properties must return a copy")

	exc.RemoveProperty("k")
	_, ok = exc.Property("k")
	assert.False(t, ok)
}

func TestExchange_SetResponseClosesPrevious(t *testing.T) {
	t.Parallel()

	var abandoned bool
	exc := NewExchange(context.Background(), message.NewRequest("GET", "/"))
	first := message.NewResponse(200, "")
	first.Body = message.NewStreamingBody(nil, -1, func(complete bool) { abandoned = !complete })
	exc.SetResponse(first)
	exc.SetResponse(message.NewResponse(500, "boom"))

	assert.True(t, abandoned)
	assert.Equal(t, 500, exc.StatusCode())
}

func TestExchange_FinishRunsOnceInReverse(t *testing.T) {
	t.Parallel()

	exc := NewExchange(context.TODO(), nil)
	var order []int
	exc.OnFinish(func() { order = append(order, 1) })
	exc.OnFinish(func() { order = append(order, 2) })

	exc.Finish()
	exc.Finish()
	assert.Equal(t, []int{2, 1}, order)

	exc.OnFinish(func() { order = append(order, 3) })
	assert.Equal(t, []int{2, 1, 3}, order, "late finisher runs immediately")
}

func TestSplitHostPort(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		scheme string
		host   string
		port   int
	}{
		{"Target:8080", "http", "target", 8080},
		{"target", "http", "target", 80},
		{"target", "https", "target", 443},
		{"[::1]:9000", "http", "::1", 9000},
		{"[::1]", "https", "::1", 443},
	}

	for _, tt := range tests {
		host, port := SplitHostPort(tt.in, tt.scheme)
		assert.Equal(t, tt.host, host, tt.in)
		assert.Equal(t, tt.port, port, tt.in)
	}
}

func TestTarget_HostPort(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "backend:80", Target{Host: "backend"}.HostPort())
	assert.Equal(t, "backend:443", Target{Host: "backend", TLS: true}.HostPort())
	assert.Equal(t, "backend:8443", Target{Host: "backend", Port: 8443, TLS: true}.HostPort())
}

func TestEnumStrings(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "CONTINUE", Continue.String())
	assert.Equal(t, "RETURN", Return.String())
	assert.Equal(t, "ABORT", Abort.String())
	assert.Equal(t, "UNKNOWN", Outcome(9).String())
	assert.Equal(t, "FAILED", StatusFailed.String())
	assert.Equal(t, "UNKNOWN", Status(42).String())
	assert.Equal(t, "0 * * prefix:", RuleKey{}.String())
}
