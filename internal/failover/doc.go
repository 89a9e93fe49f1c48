// Package failover wraps an ordered set of streaming providers behind
// a single provider.Streaming facade. A shared Service watches reported
// operation outcomes and fires rule-driven switch events; the Router
// reacts by activating the target provider and replaying every live
// subscription onto it, keeping caller-visible subscription IDs stable.
package failover
