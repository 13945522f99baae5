package interceptor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/vyrodovalexey/avaproxy/internal/core"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// InternalScheme prefixes destinations served by an internal rule.
const InternalScheme = "internal://"

// Dispatching computes the destination URIs of an exchange from its rule.
//
// A service rule forwards to its target: target.URL when set, otherwise
// scheme://host:port followed by the request path after rewrites. With
// the dns strategy every resolved address becomes a failover candidate.
// A proxy rule forwards to the absolute request URI. A rule without a
// target gets no destination.
type Dispatching struct {
	core.Base
	resolver core.Resolver
}

// NewDispatching creates the dispatching interceptor.
func NewDispatching() *Dispatching {
	return &Dispatching{Base: core.Base{ID: "dispatching"}}
}

// Init takes the resolver from the router.
func (d *Dispatching) Init(r core.Router) error {
	d.resolver = r.Resolver()
	return nil
}

// HandleRequest sets exc.Destinations.
func (d *Dispatching) HandleRequest(exc *core.Exchange) (core.Outcome, error) {
	if exc.Rule == nil {
		return core.Abort, &StatusError{Code: http.StatusInternalServerError, Err: ErrNoRule}
	}

	path := rewritePath(exc.Rule, exc.Request.Path())

	var (
		dests []string
		err   error
	)
	if exc.Rule.Type == core.RuleProxy {
		dests, err = proxyDestination(exc, path)
	} else {
		dests, err = d.serviceDestinations(exc.Context(), exc.Rule.Target, path)
	}
	if err != nil {
		return core.Abort, err
	}

	exc.Destinations = dests
	exc.Logger().Debug("dispatching exchange",
		observability.Strings("destinations", dests),
	)
	return core.Continue, nil
}

// rewritePath applies the first matching rewrite of r.
func rewritePath(r *core.Rule, path string) string {
	for _, rw := range r.Rewrites {
		if out, ok := rw.Apply(path); ok {
			return out
		}
	}
	return path
}

func proxyDestination(exc *core.Exchange, path string) ([]string, error) {
	req := exc.Request
	if req.IsAbsoluteURI() {
		u, err := url.Parse(req.URI)
		if err != nil {
			return nil, &StatusError{Code: http.StatusBadRequest, Err: err}
		}
		return []string{u.Scheme + "://" + u.Host + path}, nil
	}
	host := req.Header.Host()
	if host == "" {
		return nil, &StatusError{Code: http.StatusBadRequest, Err: fmt.Errorf("proxy request without host")}
	}
	return []string{"http://" + host + path}, nil
}

func (d *Dispatching) serviceDestinations(ctx context.Context, t core.Target, path string) ([]string, error) {
	if t.URL != "" {
		return []string{joinTargetURL(t.URL, path)}, nil
	}
	if t.Host == "" {
		// Rules answered entirely by their interceptors have no target.
		return nil, nil
	}

	if t.Strategy != core.StrategyDNS {
		return []string{t.Scheme() + "://" + t.HostPort() + path}, nil
	}

	if d.resolver == nil {
		return nil, &StatusError{Code: http.StatusInternalServerError, Err: fmt.Errorf("no resolver for %s", t.Host)}
	}
	addrs, err := d.resolver.LookupHost(ctx, t.Host)
	if err != nil || len(addrs) == 0 {
		if err == nil {
			err = fmt.Errorf("no addresses for %s", t.Host)
		}
		return nil, &StatusError{Code: http.StatusBadGateway, Err: err}
	}

	port := t.Port
	if port == 0 {
		port = core.DefaultPort(t.Scheme())
	}
	dests := make([]string, len(addrs))
	for i, a := range addrs {
		dests[i] = t.Scheme() + "://" + net.JoinHostPort(a, strconv.Itoa(port)) + path
	}
	return dests, nil
}

// joinTargetURL appends the request path to a target URL. A target URL
// with its own path replaces the request path; internal:// targets keep
// the request path after the rule name.
func joinTargetURL(target, path string) string {
	if strings.HasPrefix(target, InternalScheme) {
		rest := strings.TrimPrefix(target, InternalScheme)
		if strings.Contains(rest, "/") {
			return target
		}
		return target + path
	}
	u, err := url.Parse(target)
	if err != nil || u.Path == "" || u.Path == "/" {
		return strings.TrimSuffix(target, "/") + path
	}
	return target
}
