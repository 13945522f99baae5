// Package store records exchanges for later inspection.
//
// The proxy reports every exchange to a Store twice: when the request was
// received and when the response was sent or the exchange failed. Both
// notifications carry the same record ID, so a store keeps one entry per
// exchange and updates it in place. Backends:
//
//   - Memory: a bounded ring, newest first.
//   - SQLite: a local database file (modernc.org/sqlite, no cgo).
//   - Redis: a capped sorted index plus a record hash (go-redis).
//
// Async wraps any of them so that the connection goroutine never waits on
// the backend; records are dropped and counted when its queue is full.
package store
