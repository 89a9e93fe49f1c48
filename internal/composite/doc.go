// Package composite implements the historical provider composite: it orders
// child providers by failure backoff, rate-limit pressure, and priority,
// fails over between them per call, honors Retry-After, optionally
// cross-validates successful results against a second provider, and waits
// out a short all-providers-limited window before retrying once.
package composite
