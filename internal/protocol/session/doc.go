// Package session owns the rmi connection wire helpers.
//
// Ownership boundary:
// - hello control exchange that precedes framed traffic
// - call/return/failure/release/goodbye frame codecs
// - retry/backoff and release outbox primitives
// - per-connection session config
package session
