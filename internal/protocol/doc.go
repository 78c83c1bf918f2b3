// Package protocol owns the wire contract of an rmi connection.
//
// Ownership boundary:
// - frame: fixed header framing and call id correlation
// - tlv: payload field primitives
// - schema: message types, field ids and required-field validation
// - session: handshake and per-message envelopes, session config
package protocol
