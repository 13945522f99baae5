// Package transport owns the inbound side of the proxy: listening
// sockets, the accept loop per port, the per-source-IP connection limit
// and the keep-alive loop that turns each request on a connection into
// an exchange handed to a Handler.
//
// Each port moves through CLOSED, OPENING, OPEN and CLOSING. Closing is
// graceful by default: idle keep-alive connections are dropped at once,
// busy ones finish their current exchange. When the caller's context
// expires first the remaining sockets are closed hard.
package transport
