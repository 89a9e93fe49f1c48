// Package stream provides the shared streaming client core: a
// connect/authenticate/subscribe state machine over a WebSocket
// transport, with gated reconnection and automatic re-subscription.
// Provider adapters supply only decoding, encoding, and dial/auth
// specifics; everything else lives here.
package stream
