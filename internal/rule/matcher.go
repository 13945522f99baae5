package rule

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/vyrodovalexey/avaproxy/internal/core"
)

// PathMatcher is the interface for path matching.
type PathMatcher interface {
	// Match reports whether the matcher accepts the request target, which
	// is in origin form and may carry a query.
	Match(target string) bool
	Type() core.PathKind
	Pattern() string
}

// NewPathMatcher builds the matcher for kind. An empty kind means prefix.
func NewPathMatcher(kind core.PathKind, pattern string) (PathMatcher, error) {
	switch kind {
	case core.PathExact:
		return &ExactMatcher{path: pattern}, nil
	case "", core.PathPrefix:
		return &PrefixMatcher{prefix: pattern}, nil
	case core.PathGlob:
		re, err := regexp.Compile(globToRegex(pattern, "[^/]*", "[^/]", false))
		if err != nil {
			return nil, err
		}
		return &GlobMatcher{pattern: pattern, regex: re}, nil
	case core.PathRegex:
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		return &RegexMatcher{regex: re}, nil
	default:
		return nil, fmt.Errorf("unsupported path kind %q", kind)
	}
}

// ExactMatcher matches exact paths.
type ExactMatcher struct {
	path string
}

// Match checks if the path equals the pattern.
func (m *ExactMatcher) Match(target string) bool {
	return stripQuery(target) == m.path
}

// Type returns the matcher type.
func (m *ExactMatcher) Type() core.PathKind { return core.PathExact }

// Pattern returns the pattern.
func (m *ExactMatcher) Pattern() string { return m.path }

// PrefixMatcher matches literal path prefixes.
type PrefixMatcher struct {
	prefix string
}

// Match checks if the path starts with the prefix.
func (m *PrefixMatcher) Match(target string) bool {
	return strings.HasPrefix(stripQuery(target), m.prefix)
}

// Type returns the matcher type.
func (m *PrefixMatcher) Type() core.PathKind { return core.PathPrefix }

// Pattern returns the pattern.
func (m *PrefixMatcher) Pattern() string { return m.prefix }

// GlobMatcher matches paths with * and ** wildcards.
type GlobMatcher struct {
	pattern string
	regex   *regexp.Regexp
}

// Match checks if the whole path matches the glob.
func (m *GlobMatcher) Match(target string) bool {
	return m.regex.MatchString(stripQuery(target))
}

// Type returns the matcher type.
func (m *GlobMatcher) Type() core.PathKind { return core.PathGlob }

// Pattern returns the pattern.
func (m *GlobMatcher) Pattern() string { return m.pattern }

// RegexMatcher searches the request target with a regular expression.
type RegexMatcher struct {
	regex *regexp.Regexp
}

// Match checks if the regex matches anywhere in the target.
func (m *RegexMatcher) Match(target string) bool {
	return m.regex.MatchString(target)
}

// Type returns the matcher type.
func (m *RegexMatcher) Type() core.PathKind { return core.PathRegex }

// Pattern returns the pattern.
func (m *RegexMatcher) Pattern() string { return m.regex.String() }

// HostMatcher matches Host header values against a glob.
type HostMatcher struct {
	any   bool
	regex *regexp.Regexp
}

// NewHostMatcher creates a host matcher. Empty and "*" match every host.
func NewHostMatcher(pattern string) (*HostMatcher, error) {
	if pattern == "" || pattern == "*" {
		return &HostMatcher{any: true}, nil
	}
	re, err := regexp.Compile("(?i)" + globToRegex(pattern, ".*", ".", true))
	if err != nil {
		return nil, err
	}
	return &HostMatcher{regex: re}, nil
}

// Match checks the host part of a Host header value.
func (m *HostMatcher) Match(hostHeader string) bool {
	if m.any {
		return true
	}
	host, _ := core.SplitHostPort(hostHeader, "http")
	return m.regex.MatchString(host)
}

// MethodMatcher matches HTTP methods.
type MethodMatcher struct {
	methods map[string]bool
}

// NewMethodMatcher creates a method matcher from a comma-separated list.
// An empty list or "*" matches every method.
func NewMethodMatcher(spec string) *MethodMatcher {
	m := &MethodMatcher{methods: make(map[string]bool)}
	for _, method := range strings.Split(spec, ",") {
		if method = strings.TrimSpace(method); method != "" {
			m.methods[strings.ToUpper(method)] = true
		}
	}
	return m
}

// Match checks if the method matches.
func (m *MethodMatcher) Match(method string) bool {
	if len(m.methods) == 0 || m.methods["*"] {
		return true
	}
	return m.methods[strings.ToUpper(method)]
}

// globToRegex converts a glob to an anchored regex. With flat set, "**"
// is treated like "*".
func globToRegex(pattern, star, question string, flat bool) string {
	var result strings.Builder
	result.WriteString("^")

	i := 0
	for i < len(pattern) {
		switch {
		case i+1 < len(pattern) && pattern[i:i+2] == "**":
			if flat {
				result.WriteString(star)
			} else {
				result.WriteString(".*")
			}
			i += 2
		case pattern[i] == '*':
			result.WriteString(star)
			i++
		case pattern[i] == '?':
			result.WriteString(question)
			i++
		default:
			result.WriteString(regexp.QuoteMeta(string(pattern[i])))
			i++
		}
	}

	result.WriteString("$")
	return result.String()
}

func stripQuery(target string) string {
	if i := strings.IndexByte(target, '?'); i >= 0 {
		return target[:i]
	}
	return target
}
