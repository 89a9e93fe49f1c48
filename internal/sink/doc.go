// Package sink persists market events. The columnar sink buffers per
// (symbol, type, date) partition and writes one Parquet row group per
// flush; the Postgres sink streams trades into a time-series table.
package sink
