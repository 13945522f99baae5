package interceptor

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/vyrodovalexey/avaproxy/internal/core"
	"github.com/vyrodovalexey/avaproxy/internal/flow"
	"github.com/vyrodovalexey/avaproxy/internal/message"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
	"github.com/vyrodovalexey/avaproxy/internal/rule"
)

// DefaultMaxInternalDepth bounds nested internal routing.
const DefaultMaxInternalDepth = 10

const propInternalDepth = "avaproxy.internalDepth"

// InternalRouting serves internal://rule/path destinations in-process: the
// exchange is re-targeted at the named rule and the dispatching part of
// the chain runs again for it. The outer chain then returns without
// contacting a backend.
type InternalRouting struct {
	core.Base
	flow     *flow.Controller
	chain    []core.Interceptor
	lookup   func(name string) (*core.Rule, bool)
	maxDepth int
}

// NewInternalRouting creates the internal-routing interceptor. The chain
// it runs for internal rules is set by DefaultChain.
func NewInternalRouting(ctrl *flow.Controller) *InternalRouting {
	if ctrl == nil {
		ctrl = flow.NewController()
	}
	return &InternalRouting{
		Base:     core.Base{ID: "internalRouting"},
		flow:     ctrl,
		maxDepth: DefaultMaxInternalDepth,
	}
}

// Init takes the rule lookup from the router.
func (ir *InternalRouting) Init(r core.Router) error {
	ir.lookup = r.RuleByName
	return nil
}

// HandleRequest runs the internal rule when the first destination is an
// internal one.
func (ir *InternalRouting) HandleRequest(exc *core.Exchange) (core.Outcome, error) {
	if len(exc.Destinations) == 0 || !strings.HasPrefix(exc.Destinations[0], InternalScheme) {
		return core.Continue, nil
	}

	depth, _ := exc.Property(propInternalDepth)
	d, _ := depth.(int)
	if d >= ir.maxDepth {
		return core.Abort, &StatusError{Code: http.StatusInternalServerError, Err: ErrInternalLoop}
	}

	name, path := splitInternal(exc.Destinations[0])
	var (
		r  *core.Rule
		ok bool
	)
	if ir.lookup != nil {
		r, ok = ir.lookup(name)
	}
	if !ok || r.Type != core.RuleInternal {
		return core.Abort, &StatusError{
			Code: http.StatusBadGateway,
			Err:  fmt.Errorf("%w: internal rule %q", rule.ErrUnknownRule, name),
		}
	}
	if r.Blocked {
		exc.SetResponse(message.ErrorResponse(http.StatusServiceUnavailable, "rule "+r.Name+" is blocked"))
		exc.Fail(errors.New("rule " + r.Name + " is blocked"))
		return core.Abort, nil
	}

	exc.Logger().Debug("routing internally",
		observability.String("target_rule", name),
		observability.String("path", path),
		observability.Int("depth", d+1),
	)

	exc.SetProperty(propInternalDepth, d+1)
	exc.Rule = r
	exc.Request.URI = path
	exc.Destinations = nil

	outcome, stop := ir.flow.HandleRequest(exc, ir.chain)
	if outcome == core.Abort {
		return core.Abort, nil
	}
	ir.flow.HandleResponse(exc, ir.chain, stop)
	return core.Return, nil
}

// splitInternal splits internal://name/path into name and path.
func splitInternal(dest string) (string, string) {
	rest := strings.TrimPrefix(dest, InternalScheme)
	if i := strings.IndexAny(rest, "/?"); i >= 0 {
		path := rest[i:]
		if path[0] == '?' {
			path = "/" + path
		}
		return rest[:i], path
	}
	return rest, "/"
}
