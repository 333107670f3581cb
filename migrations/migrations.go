// Package migrations embeds the SQL schema applied by "ppc-server migrate".
package migrations

import "embed"

// FS holds the numbered *.sql migration files.
//
//go:embed *.sql
var FS embed.FS
