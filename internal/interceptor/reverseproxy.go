package interceptor

import (
	"net/url"

	"github.com/vyrodovalexey/avaproxy/internal/core"
	"github.com/vyrodovalexey/avaproxy/internal/message"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// ReverseProxying rewrites Location and Destination response headers
// that point at the backend so that they point at the address the client
// used instead. Values pointing anywhere else are left unchanged.
type ReverseProxying struct {
	core.Base
}

// NewReverseProxying creates the reverse-proxying interceptor.
func NewReverseProxying() *ReverseProxying {
	return &ReverseProxying{Base: core.Base{ID: "reverseProxying"}}
}

// HandleResponse rewrites the redirect headers.
func (p *ReverseProxying) HandleResponse(exc *core.Exchange) (core.Outcome, error) {
	if exc.Response == nil || len(exc.Destinations) == 0 || exc.OriginalHost == "" {
		return core.Continue, nil
	}
	if exc.Rule != nil && exc.Rule.Type == core.RuleProxy {
		return core.Continue, nil
	}

	for _, name := range []string{message.HeaderLocation, message.HeaderDestination} {
		v := exc.Response.Header.Get(name)
		if v == "" {
			continue
		}
		if rewritten, ok := RewriteLocation(v, exc.Destinations[0], exc.OriginalHost); ok {
			exc.Response.Header.Set(name, rewritten)
			exc.Logger().Debug("rewrote redirect header",
				observability.String("header", name),
				observability.String("from", v),
				observability.String("to", rewritten),
			)
		}
	}
	return core.Continue, nil
}

// RewriteLocation replaces the authority of location with publicHost when
// location points at the same host and port as destination. Hosts compare
// case-insensitively and an absent port means the scheme default.
func RewriteLocation(location, destination, publicHost string) (string, bool) {
	loc, err := url.Parse(location)
	if err != nil || !loc.IsAbs() || loc.Host == "" {
		return location, false
	}
	dst, err := url.Parse(destination)
	if err != nil || dst.Host == "" {
		return location, false
	}

	locHost, locPort := core.SplitHostPort(loc.Host, loc.Scheme)
	dstHost, dstPort := core.SplitHostPort(dst.Host, dst.Scheme)
	if locHost != dstHost || locPort != dstPort {
		return location, false
	}

	loc.Scheme = "http"
	loc.Host = publicHost
	return loc.String(), true
}
