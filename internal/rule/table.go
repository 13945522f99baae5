package rule

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/vyrodovalexey/avaproxy/internal/core"
)

// compiledRule is a rule with its matchers built.
type compiledRule struct {
	rule   *core.Rule
	host   *HostMatcher
	method *MethodMatcher
	path   PathMatcher
}

func (c *compiledRule) matches(host, method, target string) bool {
	return c.method.Match(method) && c.host.Match(host) && c.path.Match(target)
}

// snapshot is an immutable view of the table.
type snapshot struct {
	rules  []*compiledRule
	byName map[string]*compiledRule
	byPort map[int][]*compiledRule
}

// Table is an ordered rule table with lock-free lookups.
type Table struct {
	current atomic.Pointer[snapshot]
	// mu serializes writers; readers never take it.
	mu sync.Mutex
}

// NewTable returns a table holding rules in the given order.
func NewTable(rules ...*core.Rule) (*Table, error) {
	t := &Table{}
	if err := t.Replace(rules); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) load() *snapshot {
	if s := t.current.Load(); s != nil {
		return s
	}
	return &snapshot{}
}

// Resolve returns the first rule bound to port that accepts the request.
// Internal rules are never returned.
func (t *Table) Resolve(host, method, target string, port int) (*core.Rule, error) {
	for _, c := range t.load().byPort[port] {
		if c.matches(host, method, target) {
			return c.rule, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s on port %d (host %q)", ErrRuleNotFound, method, target, port, host)
}

// Get returns the rule with the given name.
func (t *Table) Get(name string) (*core.Rule, bool) {
	c, ok := t.load().byName[name]
	if !ok {
		return nil, false
	}
	return c.rule, true
}

// Rules returns the rules in configured order.
func (t *Table) Rules() []*core.Rule {
	s := t.load()
	out := make([]*core.Rule, len(s.rules))
	for i, c := range s.rules {
		out[i] = c.rule
	}
	return out
}

// Len returns the number of rules.
func (t *Table) Len() int {
	return len(t.load().rules)
}

// Ports returns the distinct listening ports in ascending order.
func (t *Table) Ports() []int {
	s := t.load()
	ports := make([]int, 0, len(s.byPort))
	for p := range s.byPort {
		ports = append(ports, p)
	}
	slices.Sort(ports)
	return ports
}

// Add appends a rule at the end of the table.
func (t *Table) Add(r *core.Rule) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.publish(append(t.Rules(), r))
}

// Insert places a rule at index i, shifting later rules down.
func (t *Table) Insert(i int, r *core.Rule) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rules := t.Rules()
	if i < 0 || i > len(rules) {
		return fmt.Errorf("insert index %d out of range [0,%d]", i, len(rules))
	}
	return t.publish(slices.Insert(rules, i, r))
}

// Remove deletes the named rule.
func (t *Table) Remove(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rules := t.Rules()
	i := slices.IndexFunc(rules, func(r *core.Rule) bool { return r.Name == name })
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRule, name)
	}
	return t.publish(slices.Delete(rules, i, i+1))
}

// Replace swaps the whole rule set. On error the table is unchanged.
func (t *Table) Replace(rules []*core.Rule) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.publish(slices.Clone(rules))
}

// publish compiles rules into a new snapshot and stores it. Must be called
// with mu held.
func (t *Table) publish(rules []*core.Rule) error {
	s := &snapshot{
		rules:  make([]*compiledRule, 0, len(rules)),
		byName: make(map[string]*compiledRule, len(rules)),
		byPort: make(map[int][]*compiledRule),
	}
	claimed := make(map[string]string)

	for _, r := range rules {
		if _, exists := s.byName[r.Name]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateName, r.Name)
		}
		c, err := compile(r)
		if err != nil {
			return fmt.Errorf("failed to compile rule %s: %w", r.Name, err)
		}
		if r.IsService() {
			key := claimKey(r.Key)
			if other, ok := claimed[key]; ok {
				return fmt.Errorf("%w: %s and %s (%s)", ErrKeyConflict, other, r.Name, r.Key)
			}
			claimed[key] = r.Name
		}

		s.rules = append(s.rules, c)
		s.byName[r.Name] = c
		if r.Type != core.RuleInternal {
			s.byPort[r.Key.Port] = append(s.byPort[r.Key.Port], c)
		}
	}

	t.current.Store(s)
	return nil
}

func compile(r *core.Rule) (*compiledRule, error) {
	host, err := NewHostMatcher(r.Key.Host)
	if err != nil {
		return nil, fmt.Errorf("host pattern: %w", err)
	}
	path, err := NewPathMatcher(r.Key.PathKind, r.Key.Path)
	if err != nil {
		return nil, fmt.Errorf("path pattern: %w", err)
	}
	return &compiledRule{
		rule:   r,
		host:   host,
		method: NewMethodMatcher(r.Key.Method),
		path:   path,
	}, nil
}

// claimKey normalizes a key for exclusive ownership checks.
func claimKey(k core.RuleKey) string {
	host := strings.ToLower(k.Host)
	if k.IsWildcardHost() {
		host = "*"
	}
	method := strings.ToUpper(k.Method)
	if k.IsWildcardMethod() {
		method = "*"
	}
	kind := k.PathKind
	if kind == "" {
		kind = core.PathPrefix
	}
	return fmt.Sprintf("%d|%s|%s|%s|%s", k.Port, host, method, kind, k.Path)
}
