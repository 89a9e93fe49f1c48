// Package pubsub provides the bounded single-producer/multi-consumer event
// publisher. Each subscriber owns a fixed-capacity ring with drop-oldest
// overflow, so a slow consumer can never stall the hot path; drops are
// counted, not raised. Subscribers observing drops see sequence gaps that
// they report via Integrity events.
package pubsub
