// Package client sends requests to backends over pooled connections.
//
// Send tries the candidate destinations in turn (attempt i uses
// destinations[i%len]) until one answers or the attempt budget is spent.
// A failed attempt is retried only when resending cannot duplicate a
// partially delivered body: either no body byte reached the socket, or
// the whole body was sent and can be replayed from memory. Streamed
// bodies are never buffered; a request carrying one gets a single
// attempt, while small bodies of known length are buffered up front so
// they stay retryable.
//
// The response body is streamed back to the caller; the connection returns
// to the pool once that body has been read to the end.
package client
