// Package interceptor provides the core interceptors every exchange runs
// through and a registry of configurable built-ins.
//
// The default chain, in order:
//
//	RuleMatching      resolve the rule for the request (404 / 503 blocked)
//	LoggingContext    exchange-scoped logger and server span
//	ExchangeStore     report the exchange to the store
//	Dispatching       compute destination URIs from the rule target
//	ReverseProxying   rewrite Location and Destination response headers
//	UserFeature       global and rule-level interceptors as a nested chain
//	InternalRouting   run internal://rule destinations in-process
//	HTTPClient        send to the backend and set the response
//
// Built-ins are created by type name through a Registry: throttle,
// setHeader, static and log.
package interceptor
