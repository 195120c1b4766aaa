// Package event defines the typed events exchanged between the delivery
// core and the transport layer.
//
// Inbound events (client to server) form a closed set decoded from a JSON
// envelope with a "type" discriminator:
//
//   - send_message
//   - mark_seen
//   - mark_all_as_seen
//   - typing
//   - fetch_history
//
// Outbound events (server to client) are encoded with the same envelope
// shape:
//
//   - new_message
//   - message_status_update
//   - presence_update
//   - typing_indicator
//   - history
//   - roster
//   - error
//
// Handlers dispatch on the Go type of the decoded variant rather than on
// raw strings, so an unhandled kind is a compile-time hole in a type
// switch, not a silent runtime fallthrough.
package event
