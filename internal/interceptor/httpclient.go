package interceptor

import (
	"context"
	"net/http"

	"github.com/vyrodovalexey/avaproxy/internal/core"
	"github.com/vyrodovalexey/avaproxy/internal/message"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// Sender delivers a request to the first destination that answers.
type Sender interface {
	Send(ctx context.Context, destinations []string, req *message.Request) (*message.Response, error)
}

// HTTPClient sends the request to the exchange's destinations and sets the
// backend response. It always ends the request walk.
type HTTPClient struct {
	core.Base
	client    Sender
	forwarded bool
}

// HTTPClientOption is a functional option for configuring the HTTP client
// interceptor.
type HTTPClientOption func(*HTTPClient)

// WithForwardedHeaders toggles X-Forwarded-* headers on forwarded
// requests.
func WithForwardedHeaders(enabled bool) HTTPClientOption {
	return func(h *HTTPClient) {
		h.forwarded = enabled
	}
}

// NewHTTPClient creates the HTTP client interceptor.
func NewHTTPClient(client Sender, opts ...HTTPClientOption) *HTTPClient {
	h := &HTTPClient{Base: core.Base{ID: "httpClient"}, client: client, forwarded: true}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleRequest forwards the request. Send failures abort the exchange
// with the status the failure maps to.
func (h *HTTPClient) HandleRequest(exc *core.Exchange) (core.Outcome, error) {
	if len(exc.Destinations) == 0 {
		return core.Abort, &StatusError{Code: http.StatusInternalServerError, Err: ErrNoDestination}
	}

	req := exc.Request
	req.Header.StripHopByHop()
	if h.forwarded {
		addForwardedHeaders(exc)
	}
	observability.InjectTraceContext(exc.Context(), &req.Header)

	ctx := exc.Context()
	if exc.Rule != nil && exc.Rule.Target.TLSProfile != "" {
		ctx = core.ContextWithTLSProfile(ctx, exc.Rule.Target.TLSProfile)
	}

	exc.SetStatus(core.StatusSent)
	resp, err := h.client.Send(ctx, exc.Destinations, req)
	if err != nil {
		return core.Abort, err
	}

	resp.Header.StripHopByHop()
	exc.SetResponse(resp)
	exc.SetStatus(core.StatusReceived)
	exc.Logger().Debug("backend responded",
		observability.Int("status", resp.StatusCode),
		observability.String("destination", exc.Destinations[0]),
	)
	return core.Return, nil
}

func addForwardedHeaders(exc *core.Exchange) {
	h := &exc.Request.Header
	if exc.RemoteIP != "" {
		if prior := h.Get(message.HeaderXForwardedFor); prior != "" {
			h.Set(message.HeaderXForwardedFor, prior+", "+exc.RemoteIP)
		} else {
			h.Set(message.HeaderXForwardedFor, exc.RemoteIP)
		}
	}
	if !h.Has(message.HeaderXForwardedProto) {
		h.Set(message.HeaderXForwardedProto, "http")
	}
	if !h.Has(message.HeaderXForwardedHost) && exc.OriginalHost != "" {
		h.Set(message.HeaderXForwardedHost, exc.OriginalHost)
	}
}
