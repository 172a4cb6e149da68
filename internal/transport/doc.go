// Package transport connects a client replica to the serving nodes.
//
// Session owns the subscription stream and its connection state machine:
//
//	Disconnected -> Connecting -> Connected -> Reconnecting -> Disconnected
//
// Reconnecting retries with exponential backoff and jitter up to a capped
// attempt count, then gives up (Disconnected). After every successful
// reconnect the session resubscribes to the same rooms; consumers must treat
// the resumed stream as possibly duplicated, never as gap free.
//
// HTTPBackend is the request/response side: mutation submission and page
// fetches against the server's REST surface.
package transport
