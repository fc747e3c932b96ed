// Package migrations embeds the MySQL schema for the evaluation ledger.
// Files are applied in version order and recorded with a SHA-256 checksum.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
