// Package gateway assembles the proxy from its configuration and owns its
// lifecycle.
//
// A Gateway builds the rule table, the exchange store, the backend client,
// the interceptor chain and the transport, and hands interceptors a Router
// through which they reach shared collaborators. Start opens one listener
// per configured port, Stop drains them, and Reload swaps the rule set and
// chain atomically while opening and closing ports to match.
//
//	gw, err := gateway.New(cfg, gateway.WithLogger(logger), gateway.WithMetrics(metrics))
//	if err != nil {
//	    return err
//	}
//	if err := gw.Start(ctx); err != nil {
//	    return err
//	}
//	defer gw.Stop(context.Background())
package gateway
