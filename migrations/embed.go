// Package migrations embeds the PostgreSQL schema applied by cmd/migrate.
// The node and directory also create their tables on startup, so running the
// migrations is only needed when the service role lacks CREATE rights.
package migrations

import "embed"

// FS holds every *.up.sql file, applied in lexical order.
//
//go:embed *.sql
var FS embed.FS
