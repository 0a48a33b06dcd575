// Package stores persists the run journal: one row per run of a transform
// script and an append-only event log per run. The SQLite implementation
// embeds its schema migrations and applies them with golang-migrate.
package stores
