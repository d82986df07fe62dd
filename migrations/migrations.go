// Package migrations embeds the SQL schema migrations for the durable backends
package migrations

import "embed"

// FS holds the migrations, one subdirectory per database driver
//
//go:embed postgres/*.sql
var FS embed.FS
