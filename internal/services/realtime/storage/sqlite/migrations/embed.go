// Package migrations embeds the realtime SQLite schema.
package migrations

import "embed"

// FS contains embedded SQLite migrations for realtime storage.
//
//go:embed *.sql
var FS embed.FS
