// Package flow drives an exchange through an ordered interceptor chain.
//
// The request walk calls HandleRequest on interceptors 0..N-1. Continue
// advances; Return stops the walk and starts the response walk at the
// same index; Abort ends all processing and the current response is sent
// without any response-side call. The response walk calls HandleResponse
// from the stopping index down to 0 and cannot be aborted.
//
// Errors and panics raised by an interceptor are recovered at the chain
// boundary, logged, turned into an error response and treated as Abort.
package flow
