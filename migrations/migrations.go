// Package migrations ships the SQL schema inside the binaries.
package migrations

import "embed"

// FS holds the golang-migrate up and down files
//
//go:embed *.sql
var FS embed.FS
