// Package peer implements the client-side connection orchestration: one
// negotiation state machine per remote participant, buffering for
// out-of-order ICE candidates, and the single-flight gate that shares one
// local capture across every simultaneous peer session.
//
// Nothing here is fatal: a failed negotiation closes its own session and
// leaves siblings, the local stream, and the signaling connection untouched.
package peer
