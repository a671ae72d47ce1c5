// Package storage keeps the history of propagation runs.
//
// Drivers:
//   - file: append-only JSON Lines, compacted to the newest Keep records
//   - sqlite: modernc.org/sqlite database, pruned to Keep rows
//   - none: history disabled
package storage
