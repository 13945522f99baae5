// Package pool keeps reusable outbound connections per backend.
//
// Connections are grouped by Key (host, port, TLS). Acquire hands out an
// idle connection that passes a liveness probe, or dials a new one;
// Release puts a connection back when the caller finished a complete
// response on it. A checked-out connection is never in an idle list, so
// it cannot be handed to a second caller nor evicted by the sweeper,
// which periodically closes idle connections older than the idle timeout.
package pool
