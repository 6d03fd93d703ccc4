package migrations

import "embed"

// FS contains embedded SQLite migrations for vaultmesh storage.
//
//go:embed *.sql
var FS embed.FS
