// Package dbmigrations exposes embedded SQL migrations for mosaic binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into mosaic binaries.
//
//go:embed *.sql
var Files embed.FS
