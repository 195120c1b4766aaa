// Package gateway assembles the delivery core behind a WebSocket
// transport.
//
// Connections authenticate with a JWT before upgrade; a session registry
// entry exists only for verified identities. Each connection runs a read
// pump (decode, dispatch) and a write pump (drain the session's outbound
// queue, ping keepalive). Disconnects unregister the session, which drives
// offline presence and typing cleanup, while any in-flight persistence
// completes independently.
package gateway
