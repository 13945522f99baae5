// Package rule implements the routing rule table.
//
// A Table holds rules in configured order. Resolve walks the rules bound to
// the local port and returns the first whose host, method and path
// patterns all accept the request; order is significant and never
// re-sorted. Readers work on an immutable snapshot loaded atomically, and
// every update publishes a fresh snapshot, so a lookup never observes a
// half-applied change.
//
// # Path match kinds
//
//   - exact: the path without query equals the pattern
//   - prefix: the path without query starts with the pattern
//   - glob: "*" matches within a segment, "**" across segments, "?" one byte
//   - regex: the pattern is searched in the full request target, query included
//
// Host patterns are case-insensitive globs where "*" matches any run of
// characters; the port part of the Host header is ignored.
package rule
