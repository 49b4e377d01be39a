// Package migrations embeds the PostgreSQL schema for the chip ledger so
// the migrator binary and the test harness apply the same files.
package migrations

import "embed"

// FS holds the golang-migrate up/down files.
//
//go:embed *.sql
var FS embed.FS
