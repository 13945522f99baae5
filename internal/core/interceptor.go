package core

import (
	"context"
	"crypto/tls"

	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// Outcome steers the interceptor chain.
type Outcome int

// Outcomes.
const (
	// Continue proceeds with the next stage.
	Continue Outcome = iota
	// Return ends the request walk and starts the response walk at the
	// interceptor that returned it.
	Return
	// Abort stops all processing; the current response is sent as is.
	Abort
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case Continue:
		return "CONTINUE"
	case Return:
		return "RETURN"
	case Abort:
		return "ABORT"
	default:
		return "UNKNOWN"
	}
}

// Interceptor is one processing stage applied to both directions of an
// exchange. Init is called once when the interceptor is wired into a
// chain. An interceptor that returns Continue from HandleRequest gets
// exactly one HandleResponse call for the same exchange unless the chain
// aborts further down.
type Interceptor interface {
	Name() string
	Init(r Router) error
	HandleRequest(exc *Exchange) (Outcome, error)
	HandleResponse(exc *Exchange) (Outcome, error)
}

// Base provides no-op handlers for interceptors that act on one
// direction only.
type Base struct {
	ID string
}

// Name returns the interceptor name.
func (b *Base) Name() string { return b.ID }

// Init does nothing.
func (b *Base) Init(Router) error { return nil }

// HandleRequest returns Continue.
func (b *Base) HandleRequest(*Exchange) (Outcome, error) { return Continue, nil }

// HandleResponse returns Continue.
func (b *Base) HandleResponse(*Exchange) (Outcome, error) { return Continue, nil }

// Router is the context handed to interceptors at Init. It replaces any
// global registry: everything an interceptor shares with the rest of the
// proxy is reached through it.
type Router interface {
	Logger() observability.Logger
	Metrics() *observability.Metrics
	Tracer() *observability.Tracer
	RuleByName(name string) (*Rule, bool)
	Resolver() Resolver
	SSLProvider() SSLProvider
}

// Resolver supplies resources and name resolution to the proxy.
type Resolver interface {
	// LookupHost returns the addresses of host.
	LookupHost(ctx context.Context, host string) ([]string, error)
	// Resource returns the bytes behind a resource location such as a
	// file path or file:// URI.
	Resource(ctx context.Context, location string) ([]byte, error)
}

// SSLProvider supplies client TLS settings for backend connections. The
// profile is the one named by the rule's target; empty is the default.
type SSLProvider interface {
	ClientConfig(profile, serverName string) (*tls.Config, error)
}

type tlsProfileKey struct{}

// ContextWithTLSProfile tags ctx with the TLS profile backend connections
// opened on its behalf must use.
func ContextWithTLSProfile(ctx context.Context, profile string) context.Context {
	return context.WithValue(ctx, tlsProfileKey{}, profile)
}

// TLSProfileFromContext returns the TLS profile of ctx, or "".
func TLSProfileFromContext(ctx context.Context) string {
	p, _ := ctx.Value(tlsProfileKey{}).(string)
	return p
}
