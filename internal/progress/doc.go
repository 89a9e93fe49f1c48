// Package progress tracks per-symbol backfill progress and exposes
// aggregated snapshots for telemetry endpoints.
package progress
