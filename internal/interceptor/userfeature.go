package interceptor

import (
	"fmt"
	"slices"

	"github.com/vyrodovalexey/avaproxy/internal/core"
	"github.com/vyrodovalexey/avaproxy/internal/flow"
)

// propUserFlow holds the stack of nested user flows of an exchange. It is
// a stack because internal routing runs the user feature again for the
// internal rule while the outer flow is still open.
const propUserFlow = "avaproxy.userFlow"

type userFlow struct {
	chain []core.Interceptor
	stop  int
}

// UserFeature runs the global interceptors followed by the rule's own
// interceptors as a nested chain. RETURN and ABORT from the nested chain
// propagate to the outer one; the nested response walk starts where the
// nested request walk stopped.
type UserFeature struct {
	core.Base
	global []core.Interceptor
	flow   *flow.Controller
}

// NewUserFeature creates the user-feature interceptor.
func NewUserFeature(ctrl *flow.Controller, global ...core.Interceptor) *UserFeature {
	if ctrl == nil {
		ctrl = flow.NewController()
	}
	return &UserFeature{Base: core.Base{ID: "userFeature"}, global: global, flow: ctrl}
}

// Init initializes the global interceptors.
func (u *UserFeature) Init(r core.Router) error {
	return InitChain(r, u.global)
}

func (u *UserFeature) chain(exc *core.Exchange) []core.Interceptor {
	if exc.Rule == nil || len(exc.Rule.Interceptors) == 0 {
		return u.global
	}
	if len(u.global) == 0 {
		return exc.Rule.Interceptors
	}
	return append(slices.Clone(u.global), exc.Rule.Interceptors...)
}

// HandleRequest runs the nested request walk.
func (u *UserFeature) HandleRequest(exc *core.Exchange) (core.Outcome, error) {
	chain := u.chain(exc)
	if len(chain) == 0 {
		return core.Continue, nil
	}

	outcome, stop := u.flow.HandleRequest(exc, chain)
	if outcome == core.Abort {
		return core.Abort, nil
	}
	pushUserFlow(exc, userFlow{chain: chain, stop: stop})
	return outcome, nil
}

// HandleResponse runs the nested response walk of the most recent nested
// request walk.
func (u *UserFeature) HandleResponse(exc *core.Exchange) (core.Outcome, error) {
	f, ok := popUserFlow(exc)
	if !ok {
		return core.Continue, nil
	}
	if !u.flow.HandleResponse(exc, f.chain, f.stop) {
		err := exc.Err
		if err == nil {
			err = fmt.Errorf("user flow failed")
		}
		return core.Continue, fmt.Errorf("user flow: %w", err)
	}
	return core.Continue, nil
}

func pushUserFlow(exc *core.Exchange, f userFlow) {
	stack, _ := exc.Property(propUserFlow)
	flows, _ := stack.([]userFlow)
	exc.SetProperty(propUserFlow, append(flows, f))
}

func popUserFlow(exc *core.Exchange) (userFlow, bool) {
	stack, _ := exc.Property(propUserFlow)
	flows, _ := stack.([]userFlow)
	if len(flows) == 0 {
		return userFlow{}, false
	}
	f := flows[len(flows)-1]
	exc.SetProperty(propUserFlow, flows[:len(flows)-1])
	return f, true
}
