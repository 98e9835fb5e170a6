// Package dbmigrations exposes embedded SQL migrations for kickradar binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into kickradar binaries.
//
//go:embed *.sql
var Files embed.FS
