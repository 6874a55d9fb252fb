// Package storage persists dedup fingerprints and the dispatch job journal.
//
// Three drivers exist:
//   - memory: maps only, used by tests and when persistence is off
//   - file: jsonl journal compacted into a snapshot
//   - sqlite: modernc.org/sqlite with WAL
package storage
