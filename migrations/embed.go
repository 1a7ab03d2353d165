// Package migrations carries the Postgres schema for the audit trail and
// idempotency keys as golang-migrate up/down pairs.
package migrations

import "embed"

// Files embeds the SQL migrations.
//
//go:embed *.sql
var Files embed.FS
