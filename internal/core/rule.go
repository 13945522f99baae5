package core

import (
	"net"
	"regexp"
	"strconv"
	"strings"
)

// RuleType selects how a rule finds its backend.
type RuleType string

// Rule types.
const (
	// RuleService forwards to the configured target.
	RuleService RuleType = "service"
	// RuleProxy acts as a forward proxy: the destination is the absolute
	// request URI.
	RuleProxy RuleType = "proxy"
	// RuleInternal has no listener; it is reached only through
	// internal://<rule>/... destinations.
	RuleInternal RuleType = "internal"
)

// PathKind selects how RuleKey.Path is compared with the request path.
type PathKind string

// Path match kinds.
const (
	PathPrefix PathKind = "prefix"
	PathExact  PathKind = "exact"
	PathGlob   PathKind = "glob"
	PathRegex  PathKind = "regex"
)

// Strategy selects how destinations are derived from a target.
type Strategy string

// Target selection strategies.
const (
	// StrategyStatic uses the target host as configured.
	StrategyStatic Strategy = "static"
	// StrategyDNS resolves the target host and uses every address as a
	// failover candidate.
	StrategyDNS Strategy = "dns"
)

// RuleKey is the inbound match key of a rule. Empty Host, Method or Path
// match anything.
type RuleKey struct {
	Host     string
	Method   string
	Path     string
	PathKind PathKind
	Port     int
}

// IsWildcardMethod reports whether the key matches every method.
func (k RuleKey) IsWildcardMethod() bool {
	return k.Method == "" || k.Method == "*"
}

// IsWildcardHost reports whether the key matches every host.
func (k RuleKey) IsWildcardHost() bool {
	return k.Host == "" || k.Host == "*"
}

// String renders the key for logs.
func (k RuleKey) String() string {
	host := k.Host
	if host == "" {
		host = "*"
	}
	method := k.Method
	if method == "" {
		method = "*"
	}
	kind := k.PathKind
	if kind == "" {
		kind = PathPrefix
	}
	return strconv.Itoa(k.Port) + " " + host + " " + method + " " + string(kind) + ":" + k.Path
}

// Target is the backend a rule forwards to.
type Target struct {
	Host     string
	Port     int
	TLS      bool
	// TLSProfile names the client TLS settings used for an https target.
	// Empty selects the default profile.
	TLSProfile string
	URL        string
	Strategy   Strategy
}

// Scheme returns http or https.
func (t Target) Scheme() string {
	if t.TLS {
		return "https"
	}
	return "http"
}

// HostPort returns host:port, substituting the scheme default port.
func (t Target) HostPort() string {
	port := t.Port
	if port == 0 {
		port = DefaultPort(t.Scheme())
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Rewrite maps request paths matching From to the To template, which may
// reference capture groups as $1..$n. Build it with NewRewrite so that a
// group number followed by text, as in $1abc, reads as group 1.
type Rewrite struct {
	From *regexp.Regexp
	To   string
}

// NewRewrite returns a rewrite whose template has every numbered group
// reference braced.
func NewRewrite(from *regexp.Regexp, to string) Rewrite {
	return Rewrite{From: from, To: braceGroups(to)}
}

// braceGroups turns $N into ${N}. Without braces regexp.Expand takes the
// longest run of word characters as the group name.
func braceGroups(tmpl string) string {
	if !strings.Contains(tmpl, "$") {
		return tmpl
	}
	var b strings.Builder
	b.Grow(len(tmpl) + 8)
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		if c != '$' || i+1 == len(tmpl) {
			b.WriteByte(c)
			continue
		}
		if tmpl[i+1] == '$' {
			b.WriteString("$$")
			i++
			continue
		}
		j := i + 1
		for j < len(tmpl) && tmpl[j] >= '0' && tmpl[j] <= '9' {
			j++
		}
		if j == i+1 {
			b.WriteByte(c)
			continue
		}
		b.WriteString("${")
		b.WriteString(tmpl[i+1 : j])
		b.WriteByte('}')
		i = j - 1
	}
	return b.String()
}

// Apply rewrites path and reports whether the pattern matched.
func (r Rewrite) Apply(path string) (string, bool) {
	m := r.From.FindStringSubmatchIndex(path)
	if m == nil {
		return path, false
	}
	var out []byte
	out = r.From.ExpandString(out, r.To, path, m)
	return path[:m[0]] + string(out) + path[m[1]:], true
}

// Rule maps an inbound match key to a backend target and a rule-level
// interceptor chain. A Rule is immutable once published in a table.
type Rule struct {
	Name         string
	Type         RuleType
	Key          RuleKey
	Target       Target
	Rewrites     []Rewrite
	Interceptors []Interceptor
	Blocked      bool
}

// IsService reports whether the rule claims its key exclusively.
func (r *Rule) IsService() bool {
	return r.Type == "" || r.Type == RuleService
}

// DefaultPort returns the default port of an http or https scheme.
func DefaultPort(scheme string) int {
	if strings.EqualFold(scheme, "https") {
		return 443
	}
	return 80
}
