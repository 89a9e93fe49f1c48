// Package coordinator implements the filesystem-backed per-symbol claim
// protocol replicated ingester instances use to converge on a unique owner
// per symbol. Local calls are serialized by a process mutex; races between
// instances are resolved by the filesystem itself (last write wins), and a
// loser discovers the new owner on its next heartbeat refresh.
package coordinator
