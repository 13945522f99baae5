package interceptor

import (
	"errors"
	"net/http"

	"github.com/vyrodovalexey/avaproxy/internal/core"
	"github.com/vyrodovalexey/avaproxy/internal/message"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
	"github.com/vyrodovalexey/avaproxy/internal/rule"
)

// RuleResolver finds the rule for a request.
type RuleResolver interface {
	Resolve(host, method, target string, port int) (*core.Rule, error)
}

// RuleMatching resolves the rule for each exchange. An exchange that
// already carries a rule keeps it.
type RuleMatching struct {
	core.Base
	rules  RuleResolver
	onStop func(*core.Exchange)
}

// RuleMatchingOption is a functional option for configuring rule matching.
type RuleMatchingOption func(*RuleMatching)

// WithStopHook sets fn to be called for exchanges that end at rule
// matching, so that stages placed after it still learn about them.
func WithStopHook(fn func(*core.Exchange)) RuleMatchingOption {
	return func(m *RuleMatching) {
		m.onStop = fn
	}
}

// NewRuleMatching creates the rule-matching interceptor.
func NewRuleMatching(rules RuleResolver, opts ...RuleMatchingOption) *RuleMatching {
	m := &RuleMatching{Base: core.Base{ID: "ruleMatching"}, rules: rules}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandleRequest sets exc.Rule. Without a match the exchange gets a 404;
// a blocked rule gets a 503 and the exchange aborts.
func (m *RuleMatching) HandleRequest(exc *core.Exchange) (core.Outcome, error) {
	outcome, err := m.match(exc)
	if outcome != core.Continue && m.onStop != nil {
		m.onStop(exc)
	}
	return outcome, err
}

func (m *RuleMatching) match(exc *core.Exchange) (core.Outcome, error) {
	if exc.Rule == nil {
		req := exc.Request
		r, err := m.rules.Resolve(req.Header.Host(), req.Method, req.Path(), exc.LocalPort)
		if errors.Is(err, rule.ErrRuleNotFound) {
			exc.Logger().Debug("no rule matches request",
				observability.String("host", req.Header.Host()),
				observability.String("method", req.Method),
				observability.String("uri", req.URI),
				observability.Int("port", exc.LocalPort),
			)
			exc.SetResponse(message.ErrorResponse(http.StatusNotFound,
				"no rule matches "+req.Method+" "+req.Path()))
			return core.Return, nil
		}
		if err != nil {
			return core.Abort, err
		}
		exc.Rule = r
	}

	if exc.Rule.Blocked {
		exc.SetResponse(message.ErrorResponse(http.StatusServiceUnavailable,
			"rule "+exc.Rule.Name+" is blocked"))
		exc.Fail(errors.New("rule " + exc.Rule.Name + " is blocked"))
		return core.Abort, nil
	}
	return core.Continue, nil
}
