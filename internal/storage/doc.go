// Package storage is the durable persistence layer behind the project store
// and the publishing queue.
//
// Two drivers are available:
//   - "file": two JSON collections (<prefix>.projects.json, <prefix>.queue.json)
//     rewritten atomically on every mutation, plus an append-only audit log
//     (<prefix>.audit.jsonl)
//   - "sqlite": a single SQLite database file (modernc.org/sqlite, no cgo)
//
// Both drivers keep insertion order for projects and queue items.
package storage
