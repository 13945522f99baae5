package interceptor

import (
	"fmt"

	"github.com/vyrodovalexey/avaproxy/internal/core"
	"github.com/vyrodovalexey/avaproxy/internal/flow"
	"github.com/vyrodovalexey/avaproxy/internal/store"
)

// Deps are the collaborators of the core interceptors.
type Deps struct {
	Rules            RuleResolver
	Store            store.Store
	Client           Sender
	Flow             *flow.Controller
	Global           []core.Interceptor
	ForwardedHeaders bool
}

// DefaultChain builds the core interceptor sequence.
func DefaultChain(d Deps) []core.Interceptor {
	internal := NewInternalRouting(d.Flow)
	recorder := NewExchangeStore(d.Store)
	chain := []core.Interceptor{
		NewRuleMatching(d.Rules, WithStopHook(recorder.Record)),
		NewLoggingContext(),
		recorder,
		NewDispatching(),
		NewReverseProxying(),
		NewUserFeature(d.Flow, d.Global...),
		internal,
		NewHTTPClient(d.Client, WithForwardedHeaders(d.ForwardedHeaders)),
	}
	// An internal rule is dispatched afresh and reuses everything from
	// dispatching on.
	internal.chain = chain[3:]
	return chain
}

// InitChain calls Init on every interceptor in chain.
func InitChain(r core.Router, chain []core.Interceptor) error {
	for _, ic := range chain {
		if err := ic.Init(r); err != nil {
			return fmt.Errorf("init interceptor %s: %w", ic.Name(), err)
		}
	}
	return nil
}
