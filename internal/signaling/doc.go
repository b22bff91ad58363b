// Package signaling contains the WebSocket surface of the presence server:
// the validated wire schema, the per-connection session handling, and the
// relay that forwards negotiation payloads between participants.
//
// The relay is best-effort: messages addressed to a connection
// that no longer exists are dropped silently and counted, never surfaced to
// the sender.
package signaling
