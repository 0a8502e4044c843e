package sqlite

import (
	"embed"
	"io/fs"
)

// Set-valued columns hold JSON arrays and timestamps are RFC 3339 text. The
// position columns preserve the slice order of the in-memory graph across a
// save/load cycle.
//
//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the schema migrations for the SQLite store.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}
