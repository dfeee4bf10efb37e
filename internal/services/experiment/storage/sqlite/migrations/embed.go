package migrations

import "embed"

// FS contains embedded SQLite migrations for experiment storage.
//
//go:embed *.sql
var FS embed.FS
