// Package session implements the Connection Lifecycle Manager component.
//
// A Session owns exactly one WebSocket connection to the classification
// service and:
//   - Derives the transport URL from the HTTP(S) endpoint (scheme rewrite,
//     fixed API path, connection_id and sequence_number query parameters)
//   - Relays the bearer credential in an authentication_challenge frame
//   - Sends an application-level ping frame at a fixed interval while open
//   - Reconnects after transport loss with quadratic-then-capped backoff
//   - Assigns a strictly increasing sequence number to every outbound frame
//   - Fails all pending requests when the transport drops or the session
//     is closed for good
package session
