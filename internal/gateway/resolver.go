package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
)

// ErrUnsupportedLocation is returned for resource locations the resolver
// cannot read.
var ErrUnsupportedLocation = errors.New("unsupported resource location")

// Resolver resolves host names through the system resolver and reads
// resources from the local file system.
type Resolver struct {
	net *net.Resolver
}

// NewResolver returns a resolver backed by r, or net.DefaultResolver.
func NewResolver(r *net.Resolver) *Resolver {
	if r == nil {
		r = net.DefaultResolver
	}
	return &Resolver{net: r}
}

// LookupHost returns the addresses of host. IP literals are returned as is.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}, nil
	}
	return r.net.LookupHost(ctx, host)
}

// Resource reads a plain path or a file:// URI.
func (r *Resolver) Resource(_ context.Context, location string) ([]byte, error) {
	path := location
	if strings.Contains(location, "://") {
		u, err := url.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("parse resource location %q: %w", location, err)
		}
		if u.Scheme != "file" {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedLocation, location)
		}
		path = u.Path
	}

	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied resource path
	if err != nil {
		return nil, fmt.Errorf("read resource %s: %w", location, err)
	}
	return data, nil
}

// ErrUnknownTLSProfile is returned for a profile the provider was not given.
var ErrUnknownTLSProfile = errors.New("unknown TLS profile")

// TLSProfile is the PEM material of one named set of backend TLS settings.
type TLSProfile struct {
	// CA replaces the system roots when set.
	CA []byte
	// Cert and Key form the client certificate; both or neither.
	Cert []byte
	Key  []byte
	// ServerName overrides the verified backend name.
	ServerName string
}

type tlsSettings struct {
	roots      *x509.CertPool
	certs      []tls.Certificate
	serverName string
}

// SSLProvider hands out client TLS settings for backend connections: a
// default profile plus any named profiles rules select.
type SSLProvider struct {
	def      tlsSettings
	profiles map[string]tlsSettings
}

// NewSSLProvider returns a provider whose default profile verifies backends
// against the system roots plus any certificates in caPEM.
func NewSSLProvider(caPEM []byte) (*SSLProvider, error) {
	p := &SSLProvider{profiles: make(map[string]tlsSettings)}
	if len(caPEM) == 0 {
		return p, nil
	}

	roots, err := x509.SystemCertPool()
	if err != nil {
		roots = x509.NewCertPool()
	}
	if !roots.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("no certificates found in CA bundle")
	}
	p.def.roots = roots
	return p, nil
}

// AddProfile registers the named profile, replacing any earlier one.
func (p *SSLProvider) AddProfile(name string, profile TLSProfile) error {
	var s tlsSettings
	s.serverName = profile.ServerName

	if len(profile.CA) > 0 {
		s.roots = x509.NewCertPool()
		if !s.roots.AppendCertsFromPEM(profile.CA) {
			return fmt.Errorf("profile %s: no certificates found in CA bundle", name)
		}
	}
	if len(profile.Cert) > 0 || len(profile.Key) > 0 {
		cert, err := tls.X509KeyPair(profile.Cert, profile.Key)
		if err != nil {
			return fmt.Errorf("profile %s: client certificate: %w", name, err)
		}
		s.certs = []tls.Certificate{cert}
	}

	p.profiles[name] = s
	return nil
}

// ClientConfig returns the TLS settings of profile for a backend named
// serverName. The empty profile is the default one.
func (p *SSLProvider) ClientConfig(profile, serverName string) (*tls.Config, error) {
	s := p.def
	if profile != "" {
		var ok bool
		if s, ok = p.profiles[profile]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTLSProfile, profile)
		}
	}
	if s.serverName != "" {
		serverName = s.serverName
	}
	return &tls.Config{
		ServerName:   serverName,
		RootCAs:      s.roots,
		Certificates: s.certs,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
