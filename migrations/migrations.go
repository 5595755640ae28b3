// Package migrations embeds the service's SQL schema files.
package migrations

import "embed"

// FS holds the NNN_name.sql files applied by database.Migrator.
//
//go:embed *.sql
var FS embed.FS
