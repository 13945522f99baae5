// Package core defines the data model shared by every stage of the proxy:
// routing rules and their targets, the per-request Exchange, the
// interceptor contract with its three-valued Outcome, and the Router
// context through which interceptors reach shared collaborators.
//
// The types live together so that the rule table, the flow controller and
// the interceptors can depend on them without depending on each other.
package core
